package logger

import "context"

// NopLogger discards all log output. Useful in tests and as a safe default.
type NopLogger struct{}

// NewNopLogger creates a logger that drops every entry.
func NewNopLogger() *NopLogger {
	return &NopLogger{}
}

func (l *NopLogger) Debug(string, ...any) {}
func (l *NopLogger) Info(string, ...any)  {}
func (l *NopLogger) Warn(string, ...any)  {}
func (l *NopLogger) Error(string, ...any) {}

func (l *NopLogger) With(...any) Logger                 { return l }
func (l *NopLogger) WithContext(context.Context) Logger { return l }
