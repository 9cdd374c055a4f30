//go:build !tinygo

package logging

import (
	"testing"

	"go.uber.org/zap/zaptest"
)

// NewTestLogger returns a Debug+ logger that writes through tb.Log.
func NewTestLogger(tb testing.TB) Logger {
	return zapLogger{zaptest.NewLogger(tb).Sugar()}
}
