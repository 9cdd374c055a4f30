package telemetry_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dualstep/controller"
	"dualstep/logging"
	"dualstep/telemetry"
)

func TestChecksumIsModbus(t *testing.T) {
	assert.Equal(t, uint16(0x4B37), telemetry.Checksum([]byte("123456789")))
}

func TestFrameLayout(t *testing.T) {
	frame, err := telemetry.AppendFrame(nil, controller.Command{Channel: 1, Kind: controller.CmdMoveTo, Param: 1000})
	require.NoError(t, err)
	require.Greater(t, len(frame), 6)

	n := binary.BigEndian.Uint32(frame)
	require.Equal(t, len(frame)-6, int(n))
	payload := frame[4 : 4+n]
	assert.Equal(t, telemetry.Checksum(payload), binary.BigEndian.Uint16(frame[4+n:]))
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := []controller.Command{
		{Channel: 0, Kind: controller.CmdMoveTo, Param: -2500},
		{Channel: controller.AllChannels, Kind: controller.CmdClearFaults},
		{Kind: controller.CmdStart},
	}
	for _, c := range in {
		require.NoError(t, telemetry.WriteFrame(&buf, c))
	}

	r := telemetry.NewReader(&buf)
	for _, want := range in {
		var got controller.Command
		require.NoError(t, r.Decode(&got))
		assert.Equal(t, want, got)
	}
	var c controller.Command
	assert.ErrorIs(t, r.Decode(&c), io.EOF)
	assert.Equal(t, uint64(3), r.Frames())
	assert.Zero(t, r.Skipped())
}

func TestReaderResynchronizes(t *testing.T) {
	good := controller.Command{Channel: 1, Kind: controller.CmdRun, Param: 300}

	bad, err := telemetry.AppendFrame(nil, controller.Command{Kind: controller.CmdStop})
	require.NoError(t, err)
	bad[len(bad)-1] ^= 0xFF

	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x00})
	buf.Write(bad)
	require.NoError(t, telemetry.WriteFrame(&buf, good))

	r := telemetry.NewReader(&buf)
	var got controller.Command
	require.NoError(t, r.Decode(&got))
	assert.Equal(t, good, got)
	assert.Equal(t, uint64(1), r.Frames())
	assert.Equal(t, uint64(5+len(bad)), r.Skipped())
}

func TestUndecodablePayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, telemetry.WriteFrame(&buf, "not a command"))

	var c controller.Command
	err := telemetry.NewReader(&buf).Decode(&c)
	assert.ErrorIs(t, err, telemetry.ErrDecode)
}

type pipePort struct{ net.Conn }

func (pipePort) Flush() error { return nil }

func TestLink(t *testing.T) {
	dev, host := net.Pipe()
	link := telemetry.NewLink(pipePort{dev}, 4, logging.NewTestLogger(t))
	ctx := context.Background()

	cmd := controller.Command{Channel: 0, Kind: controller.CmdMoveTo, Param: 1000}
	require.NoError(t, telemetry.WriteFrame(host, cmd))

	var got controller.Command
	require.Eventually(t, func() bool {
		c, ok, err := link.Receive(ctx)
		require.NoError(t, err)
		got = c
		return ok
	}, time.Second, time.Millisecond)
	assert.Equal(t, cmd, got)

	at := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)
	sent := controller.Telemetry{
		Session:  "bench",
		Seq:      7,
		At:       at,
		Level:    "RUNNING",
		Channels: []controller.ChannelTelemetry{{ID: 0, Position: 1000, Degrees: 14.0625}},
	}
	errc := make(chan error, 1)
	go func() { errc <- link.Send(ctx, sent) }()

	var tm controller.Telemetry
	require.NoError(t, telemetry.NewReader(host).Decode(&tm))
	require.NoError(t, <-errc)
	assert.Equal(t, "bench", tm.Session)
	assert.Equal(t, uint64(7), tm.Seq)
	assert.True(t, tm.At.Equal(at))
	require.Len(t, tm.Channels, 1)
	assert.Equal(t, int32(1000), tm.Channels[0].Position)

	st := link.Stats()
	assert.Equal(t, uint64(1), st.Received)
	assert.Equal(t, uint64(1), st.Sent)

	require.NoError(t, link.Close())
	_, ok, err := link.Receive(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, io.EOF)
}
