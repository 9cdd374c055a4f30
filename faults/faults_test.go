package faults

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"comm", &CommError{Bus: "spi0", Op: "transfer", Err: errors.New("timeout")}, CategoryComm},
		{"driver", &DriverFault{Channel: 0, Kind: Overcurrent}, CategoryDriver},
		{"encoder", &EncoderFault{Channel: 1, Kind: FieldTooWeak}, CategoryEncoder},
		{"safety", ErrWatchdogTimeout, CategorySafety},
		{"usage", ErrInvalidChannel, CategoryUsage},
		{"wrapped", errors.Wrap(&DriverFault{Channel: 1, Kind: StallBridgeA}, "poll"), CategoryDriver},
		{"plain", errors.New("boom"), CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.err))
		})
	}
}

func TestSentinelMatching(t *testing.T) {
	err := errors.Wrap(&DriverFault{Channel: 1, Kind: Undervoltage}, "status")

	assert.True(t, errors.Is(err, ErrUndervoltage))
	assert.True(t, errors.Is(err, &DriverFault{Channel: 1, Kind: Undervoltage}))
	assert.False(t, errors.Is(err, &DriverFault{Channel: 0, Kind: Undervoltage}))
	assert.False(t, errors.Is(err, ErrOvercurrent))

	usage := InvalidParameterf("speed %d", 5)
	assert.True(t, errors.Is(usage, ErrInvalidParameter))
	assert.False(t, errors.Is(usage, ErrInvalidChannel))
	assert.Contains(t, usage.Error(), "speed 5")
}

func TestSafetyRelevant(t *testing.T) {
	assert.True(t, SafetyRelevant(&DriverFault{Kind: ThermalShutdown}))
	assert.True(t, SafetyRelevant(&DriverFault{Kind: Undervoltage}))
	assert.False(t, SafetyRelevant(&DriverFault{Kind: ThermalWarning}))
	assert.True(t, SafetyRelevant(&EncoderFault{Kind: MagnetNotDetected}))
	assert.False(t, SafetyRelevant(&EncoderFault{Kind: FieldTooStrong}))
	assert.True(t, SafetyRelevant(ErrEmergencyStop))
	assert.False(t, SafetyRelevant(&CommError{Bus: "i2c0", Op: "read", Err: errors.New("x")}))
	assert.False(t, SafetyRelevant(ErrInvalidChannel))
	assert.False(t, SafetyRelevant(nil))
}
