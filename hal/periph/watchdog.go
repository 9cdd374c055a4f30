//go:build linux

package periph

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"dualstep/hal"
)

// Watchdog drives a Linux watchdog device. The device arms as soon as it is
// opened, so that happens in Init rather than at construction.
type Watchdog struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// NewWatchdog returns a watchdog for the device at path.
func NewWatchdog(path string) *Watchdog { return &Watchdog{path: path} }

// Init implements hal.Watchdog. The kernel counts whole seconds, so timeout
// is rounded up.
func (w *Watchdog) Init(timeout time.Duration) error {
	if timeout <= 0 {
		return hal.ErrInvalidArgument
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f != nil {
		return hal.ErrBusy
	}
	f, err := os.OpenFile(w.path, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(hal.ErrTransport, "watchdog %s: %v", w.path, err)
	}
	secs := int((timeout + time.Second - 1) / time.Second)
	if err := unix.IoctlSetPointerInt(int(f.Fd()), unix.WDIOC_SETTIMEOUT, secs); err != nil {
		// Leave the device armed at its default timeout.
		_, _ = f.Write([]byte{'V'})
		_ = f.Close()
		return errors.Wrapf(hal.ErrTransport, "watchdog %s: set timeout: %v", w.path, err)
	}
	w.f = f
	return nil
}

// Refresh implements hal.Watchdog.
func (w *Watchdog) Refresh() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return hal.ErrNotInitialized
	}
	if _, err := w.f.Write([]byte{0}); err != nil {
		return errors.Wrapf(hal.ErrTransport, "watchdog %s: %v", w.path, err)
	}
	return nil
}

// Close disarms the watchdog with the magic close character.
func (w *Watchdog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	_, err := w.f.Write([]byte{'V'})
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.f = nil
	return err
}

var _ hal.Watchdog = (*Watchdog)(nil)
