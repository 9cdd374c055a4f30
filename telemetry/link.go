package telemetry

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"dualstep/controller"
	"dualstep/logging"
)

// LinkStats counts link traffic.
type LinkStats struct {
	Received     uint64
	Sent         uint64
	Dropped      uint64
	DecodeErrors uint64
	Skipped      uint64
}

// Link is the controller side of a framed connection: commands in,
// telemetry out.
type Link struct {
	port   Port
	logger logging.Logger
	reader *Reader

	in   chan controller.Command
	done chan struct{}

	wmu  sync.Mutex
	wbuf []byte

	received     atomic.Uint64
	sent         atomic.Uint64
	dropped      atomic.Uint64
	decodeErrors atomic.Uint64

	closeOnce sync.Once
	err       atomic.Error
}

var _ controller.Link = (*Link)(nil)

// NewLink starts reading commands from port. backlog commands are buffered
// between reads and Receive; newer ones are dropped while it is full.
func NewLink(port Port, backlog int, logger logging.Logger) *Link {
	if backlog <= 0 {
		backlog = 16
	}
	l := &Link{
		port:   port,
		logger: logger,
		reader: NewReader(port),
		in:     make(chan controller.Command, backlog),
		done:   make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *Link) readLoop() {
	defer close(l.done)
	for {
		var cmd controller.Command
		err := l.reader.Decode(&cmd)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, os.ErrClosed):
			l.err.Store(io.EOF)
			return
		case errors.Is(err, io.ErrNoProgress):
			// Read timeouts with nothing on the line.
			continue
		case errors.Is(err, ErrDecode):
			l.decodeErrors.Inc()
			l.logger.Warnw("dropping undecodable frame", "error", err)
			continue
		default:
			l.err.Store(err)
			l.logger.Errorw("link read failed", "error", err)
			return
		}

		select {
		case l.in <- cmd:
			l.received.Inc()
		default:
			l.dropped.Inc()
			l.logger.Warnw("command backlog full", "command", cmd.Kind)
		}
	}
}

// Receive implements controller.Link. Once the stream has ended and the
// backlog is drained it returns the read error.
func (l *Link) Receive(ctx context.Context) (controller.Command, bool, error) {
	select {
	case cmd := <-l.in:
		return cmd, true, nil
	case <-ctx.Done():
		return controller.Command{}, false, ctx.Err()
	default:
	}
	select {
	case <-l.done:
		return controller.Command{}, false, l.err.Load()
	default:
		return controller.Command{}, false, nil
	}
}

// Send implements controller.Link.
func (l *Link) Send(ctx context.Context, t controller.Telemetry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()

	var err error
	l.wbuf, err = AppendFrame(l.wbuf[:0], t)
	if err != nil {
		return err
	}
	if _, err := l.port.Write(l.wbuf); err != nil {
		return errors.Wrap(err, "telemetry: write")
	}
	l.sent.Inc()
	return nil
}

// Stats returns the traffic counters.
func (l *Link) Stats() LinkStats {
	return LinkStats{
		Received:     l.received.Load(),
		Sent:         l.sent.Load(),
		Dropped:      l.dropped.Load(),
		DecodeErrors: l.decodeErrors.Load(),
		Skipped:      l.reader.Skipped(),
	}
}

// Close closes the port and waits for the reader to stop.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.port.Close()
		<-l.done
	})
	return err
}
