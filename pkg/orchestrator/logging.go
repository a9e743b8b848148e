package orchestrator

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the minimal structured-logging seam every engine component
// takes a dependency on instead of reaching for a package-level logger.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// NoOpLogger discards everything. Useful for tests and for embedders that
// want the engine silent by default.
type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

// ZerologLogger adapts zerolog.Logger to the engine's Logger seam. args are
// treated as alternating key/value pairs, matching the teacher's call sites
// (e.g. Info("session opened", "session_id", id)).
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger builds a console-friendly zerolog logger writing to
// stderr. Callers that want JSON output in production can construct
// zerolog.Logger themselves and wrap it with WrapZerolog instead.
func NewZerologLogger() *ZerologLogger {
	w := zerolog.ConsoleWriter{Out: os.Stderr}
	return &ZerologLogger{log: zerolog.New(w).With().Timestamp().Logger()}
}

// WrapZerolog adapts a caller-provided zerolog.Logger.
func WrapZerolog(l zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{log: l}
}

func (z *ZerologLogger) event(e *zerolog.Event, msg string, args ...interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, args[i+1])
	}
	e.Msg(msg)
}

func (z *ZerologLogger) Debug(msg string, args ...interface{}) {
	z.event(z.log.Debug(), msg, args...)
}

func (z *ZerologLogger) Info(msg string, args ...interface{}) {
	z.event(z.log.Info(), msg, args...)
}

func (z *ZerologLogger) Warn(msg string, args ...interface{}) {
	z.event(z.log.Warn(), msg, args...)
}

func (z *ZerologLogger) Error(msg string, args ...interface{}) {
	z.event(z.log.Error(), msg, args...)
}
