package logger

// Logger is the structured logging surface the policy service writes to.
// Keyvals alternate keys and values; implementations must tolerate odd-length
// input by ignoring the trailing key.
type Logger interface {
	Error(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}
