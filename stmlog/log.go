// Package stmlog wraps zerolog with the structured-logging
// conventions used across the engine: one global logger, per-component
// child loggers, and leveled helpers that accept loosely-typed
// key/value pairs for call-site brevity.
package stmlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the package-level logger every helper writes through.
var Logger zerolog.Logger

// Level names a logging verbosity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func init() {
	Init(Config{Level: WarnLevel})
}

// Init (re)configures the global logger. Engines embedding this
// package as a library should call it once during setup; tests can
// call it to silence or capture output.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with component, for
// scoping log lines. No package in this module calls it; they log
// through the package-level helpers below.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// toFields folds a flat key, value, key, value... slice into a map,
// dropping a trailing unpaired key.
func toFields(kv []interface{}) map[string]interface{} {
	if len(kv) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return fields
}

func Debug(msg string, kv ...interface{}) {
	Logger.Debug().Fields(toFields(kv)).Msg(msg)
}

func Info(msg string, kv ...interface{}) {
	Logger.Info().Fields(toFields(kv)).Msg(msg)
}

func Warn(msg string, kv ...interface{}) {
	Logger.Warn().Fields(toFields(kv)).Msg(msg)
}

func Error(msg string, kv ...interface{}) {
	Logger.Error().Fields(toFields(kv)).Msg(msg)
}
