//go:build tinygo

package logging

// consoleLogger prints to the TinyGo debug console. Debug output is dropped
// unless enabled, it costs too much time inside the control loop.
type consoleLogger struct {
	name  string
	debug bool
}

// NewLogger returns an Info+ console logger.
func NewLogger(name string) Logger {
	return &consoleLogger{name: name}
}

// NewDebugLogger returns a Debug+ console logger.
func NewDebugLogger(name string) Logger {
	return &consoleLogger{name: name, debug: true}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() Logger {
	return nopLogger{}
}

func (l *consoleLogger) Named(name string) Logger {
	n := name
	if l.name != "" {
		n = l.name + "." + name
	}
	return &consoleLogger{name: n, debug: l.debug}
}

func (l *consoleLogger) Debugw(msg string, kv ...interface{}) {
	if l.debug {
		l.print("DEBUG", msg, kv)
	}
}

func (l *consoleLogger) Infow(msg string, kv ...interface{})  { l.print("INFO", msg, kv) }
func (l *consoleLogger) Warnw(msg string, kv ...interface{})  { l.print("WARN", msg, kv) }
func (l *consoleLogger) Errorw(msg string, kv ...interface{}) { l.print("ERROR", msg, kv) }

func (l *consoleLogger) print(level, msg string, kv []interface{}) {
	print(level, " ", l.name, " ", msg)
	for i := 0; i+1 < len(kv); i += 2 {
		print(" ")
		if k, ok := kv[i].(string); ok {
			print(k)
		}
		print("=")
		printValue(kv[i+1])
	}
	println()
}

func printValue(v interface{}) {
	switch x := v.(type) {
	case string:
		print(x)
	case int:
		print(x)
	case uint8:
		print(x)
	case uint16:
		print(x)
	case uint32:
		print(x)
	case int32:
		print(x)
	case int64:
		print(x)
	case float64:
		print(x)
	case bool:
		print(x)
	case error:
		print(x.Error())
	case interface{ String() string }:
		print(x.String())
	default:
		print("?")
	}
}

type nopLogger struct{}

func (nopLogger) Debugw(string, ...interface{}) {}
func (nopLogger) Infow(string, ...interface{})  {}
func (nopLogger) Warnw(string, ...interface{})  {}
func (nopLogger) Errorw(string, ...interface{}) {}
func (n nopLogger) Named(string) Logger         { return n }
