// Package logging configures the global zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
	// File, when set, receives a copy of every line with size-based rotation
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 7,
	}
}

func (c Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Level)); err != nil {
		return fmt.Errorf("log level %q: %w", c.Level, err)
	}
	switch c.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("log format %q: must be console or json", c.Format)
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup points the global logger at out (and the log file, if configured) and
// sets the global level. The returned closer releases the log file.
func Setup(cfg Config, out io.Writer) (io.Closer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if out == nil {
		out = os.Stderr
	}

	var console io.Writer = out
	if cfg.Format != "json" {
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	writers := []io.Writer{console}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		// files always get JSON lines
		writers = append(writers, rotating)
		closer = rotating
	}

	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return closer, nil
}
