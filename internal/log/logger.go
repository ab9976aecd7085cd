package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. Production writes JSON lines; other environments get the
// console writer. An explicit level overrides the environment default.
func New(environment, level string) zerolog.Logger {
	var output io.Writer = os.Stdout
	if environment != "production" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}
	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", "imagestudio").
		Str("env", environment).
		Logger()

	zerolog.SetGlobalLevel(resolveLevel(environment, level))
	return logger
}

func resolveLevel(environment, level string) zerolog.Level {
	if lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level))); err == nil && level != "" {
		return lvl
	}
	if environment == "production" {
		return zerolog.InfoLevel
	}
	return zerolog.DebugLevel
}
