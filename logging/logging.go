// Package logging configures the global zerolog logger for the binaries.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Level string `yaml:"level"`
	// Format is "console" or "json".
	Format string `yaml:"format"`
	// File sends logs to a file instead of stderr, e.g. while a TUI owns the
	// terminal.
	File string `yaml:"file"`
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: "console"}
}

// Setup installs the global logger. The returned closer releases the log file
// when one was opened.
func Setup(cfg Config) (io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	if cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}

	logger, err := New(out, cfg.Format, level)
	if err != nil {
		closer.Close()
		return nil, err
	}
	log.Logger = logger
	zerolog.SetGlobalLevel(level)
	return closer, nil
}

// New builds a logger writing to w.
func New(w io.Writer, format string, level zerolog.Level) (zerolog.Logger, error) {
	switch format {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly, NoColor: w != os.Stderr}
	case "json":
	default:
		return zerolog.Logger{}, fmt.Errorf("unknown log format %q", format)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
