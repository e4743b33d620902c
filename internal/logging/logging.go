// Package logging builds the structured logger shared by all components.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures logger construction.
type Options struct {
	// Level is a logrus level name ("debug", "info", ...). Empty means info.
	Level string

	// FilePath enables rotated file output; empty logs to stderr.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

// New creates a JSON-formatted logrus logger. When file output cannot be
// set up the logger falls back to stderr rather than failing the mount.
func New(opts Options) (*logrus.Logger, error) {
	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})

	output, err := buildOutput(opts)
	logger.SetOutput(output)
	if err != nil {
		logger.WithField("path", opts.FilePath).Warn(err.Error())
	}
	return logger, nil
}

// Discard returns a logger that drops everything, for callers that did
// not configure one.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func buildOutput(opts Options) (io.Writer, error) {
	if opts.FilePath == "" {
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o755); err != nil {
		return os.Stderr, fmt.Errorf("create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   opts.FilePath,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   opts.Compress,
		LocalTime:  true,
	}, nil
}
