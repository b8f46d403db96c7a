// Package xlog wires the module's structured logging. Every package in
// shardfs logs through a child of the one process-wide zerolog.Logger
// rather than calling fmt.Println or the standard log package.
package xlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured once at startup by
// Init and read thereafter.
var Logger zerolog.Logger

func init() {
	// Sane default so packages that log before Init is called (e.g. in
	// tests) don't panic on a zero-value logger.
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Config controls the global logger's destination and verbosity.
type Config struct {
	Level  zerolog.Level
	JSON   bool
	Output io.Writer
}

// Init (re)configures the global logger. Safe to call once at process
// startup; not safe to call concurrently with logging.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSON {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// Component returns a child logger tagged with the owning package name,
// the way cuemby-warren's pkg/log.WithComponent does.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
