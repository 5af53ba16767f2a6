package msgrpc

import "log/slog"

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// Applications can provide their own implementation or use the default slog logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func defaultLogger() Logger {
	return slog.Default()
}

// withAttrs returns a Logger that adds args to every record.
// *slog.Logger keeps its own With; anything else is wrapped.
func withAttrs(l Logger, args ...any) Logger {
	if len(args) == 0 {
		return l
	}
	if sl, ok := l.(*slog.Logger); ok {
		return sl.With(args...)
	}
	return &attrLogger{next: l, attrs: args}
}

type attrLogger struct {
	next  Logger
	attrs []any
}

func (l *attrLogger) join(args []any) []any {
	out := make([]any, 0, len(l.attrs)+len(args))
	out = append(out, l.attrs...)
	return append(out, args...)
}

func (l *attrLogger) Debug(msg string, args ...any) { l.next.Debug(msg, l.join(args)...) }
func (l *attrLogger) Info(msg string, args ...any)  { l.next.Info(msg, l.join(args)...) }
func (l *attrLogger) Warn(msg string, args ...any)  { l.next.Warn(msg, l.join(args)...) }
func (l *attrLogger) Error(msg string, args ...any) { l.next.Error(msg, l.join(args)...) }
