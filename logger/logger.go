package logger

// Logger is the structured logging surface used by the engine, the gate and
// the stores. keyvals are alternating keys and values.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// New returns the logger selected by format: "slog" or "null", anything else
// yields the default phlog backed logger.
func New(format string) Logger {
	switch format {
	case "slog":
		return NewSLogLogger(nil)
	case "null", "none":
		return NewNullLogger()
	default:
		return NewPhusluLogger()
	}
}
