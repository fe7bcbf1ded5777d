package fieldsync

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the structured logging surface used throughout the engine.
// keysAndValues alternate between string keys and arbitrary values.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type zerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger adapts a zerolog.Logger to Logger.
func NewZerologLogger(l zerolog.Logger) Logger {
	return &zerologLogger{log: l}
}

// NewSimpleLogger writes human-readable lines to stderr.
func NewSimpleLogger() Logger {
	return NewWriterLogger(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

// NewWriterLogger writes JSON lines to w.
func NewWriterLogger(w io.Writer) Logger {
	return NewZerologLogger(zerolog.New(w).With().Timestamp().Logger())
}

// NopLogger discards everything.
func NopLogger() Logger {
	return NewZerologLogger(zerolog.Nop())
}

func (z *zerologLogger) Debug(msg string, keysAndValues ...any) {
	z.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (z *zerologLogger) Info(msg string, keysAndValues ...any) {
	z.log.Info().Fields(keysAndValues).Msg(msg)
}

func (z *zerologLogger) Warn(msg string, keysAndValues ...any) {
	z.log.Warn().Fields(keysAndValues).Msg(msg)
}

func (z *zerologLogger) Error(msg string, keysAndValues ...any) {
	z.log.Error().Fields(keysAndValues).Msg(msg)
}
