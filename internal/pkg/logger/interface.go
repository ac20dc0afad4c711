package logger

// LoggingClient is the logging surface shared by every package of the probe.
// The non-f variants take optional key/value pairs; the f variants format.
type LoggingClient interface {
	SetLogLevel(logLevel string) error
	LogLevel() string

	Trace(msg string, args ...interface{})
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})

	Tracef(msg string, args ...interface{})
	Debugf(msg string, args ...interface{})
	Infof(msg string, args ...interface{})
	Warnf(msg string, args ...interface{})
	Errorf(msg string, args ...interface{})

	Close() error
}
