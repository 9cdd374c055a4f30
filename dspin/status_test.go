package dspin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/multierr"

	"dualstep/faults"
)

func TestStatusDecode(t *testing.T) {
	st := StatusHealthy | StatusBusy | StatusHiZ
	assert.True(t, st.HiZ())
	assert.False(t, st.Busy())
	assert.Equal(t, MotionStopped, st.Motion())
	assert.Equal(t, FaultFlags(0), st.Faults())

	st = StatusHealthy | StatusDir | Status(MotionDecelerating)<<motShift
	assert.True(t, st.Busy())
	assert.True(t, st.Forward())
	assert.Equal(t, MotionDecelerating, st.Motion())
}

func TestStatusFaultBits(t *testing.T) {
	tests := []struct {
		name string
		st   Status
		want FaultFlags
	}{
		{"uvlo", StatusHealthy &^ StatusUVLO, FlagUndervoltage},
		{"th_wrn", StatusHealthy &^ StatusThWrn, FlagThermalWarning},
		{"th_sd", StatusHealthy &^ StatusThSD, FlagThermalShutdown},
		{"ocd", StatusHealthy &^ StatusOCD, FlagOvercurrent},
		{"step_loss_a", StatusHealthy &^ StatusStepLossA, FlagStallA},
		{"step_loss_b", StatusHealthy &^ StatusStepLossB, FlagStallB},
		{"wrong_cmd", StatusHealthy | StatusWrongCmd, FlagCommandError},
		{"notperf_cmd", StatusHealthy | StatusNotPerf, FlagCommandError},
		{"all active low", 0, FlagUndervoltage | FlagThermalWarning | FlagThermalShutdown |
			FlagOvercurrent | FlagStallA | FlagStallB},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.st.Faults())
		})
	}
}

func TestFaultSeverity(t *testing.T) {
	f := FlagUndervoltage | FlagStallB | FlagThermalWarning
	err := f.MostSevere(1)
	assert.ErrorIs(t, err, faults.ErrStallB)
	assert.ErrorIs(t, err, &faults.DriverFault{Channel: 1, Kind: faults.StallBridgeB})
	assert.NotErrorIs(t, err, &faults.DriverFault{Channel: 0, Kind: faults.StallBridgeB})

	all := multierr.Errors(f.Errors(1))
	if assert.Len(t, all, 3) {
		assert.ErrorIs(t, all[0], faults.ErrStallB)
		assert.ErrorIs(t, all[1], faults.ErrUndervoltage)
		assert.ErrorIs(t, all[2], faults.ErrThermalWarning)
	}

	assert.ErrorIs(t, (FlagThermalShutdown | FlagOvercurrent).MostSevere(0), faults.ErrThermalShutdown)
	assert.NoError(t, FaultFlags(0).MostSevere(0))
	assert.Equal(t, "stall_b|undervoltage|thermal_warning", f.String())
}
