// Package logging is the structured logging facade used by every component.
//
// Hosted builds log through zap; TinyGo builds print key/value pairs to the
// debug console.
package logging

// Logger is a leveled, structured logger. Key/value pairs follow the message.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	// Named returns a child logger with name appended to the current name.
	Named(name string) Logger
}
