// Package logging builds the logrus logger shared by a vhost process.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type FileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type Config struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"` // text or json
	File   FileConfig `mapstructure:"file"`
}

// New returns a logger writing to stderr, and to a rotated file when one is
// configured.
func New(cfg Config) (*logrus.Logger, error) {
	return NewWithOutput(cfg, os.Stderr)
}

func NewWithOutput(cfg Config, out io.Writer) (*logrus.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	writers := []io.Writer{out}
	if cfg.File.Enabled {
		w, err := createFileWriter(cfg.File)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create file output")
		}
		writers = append(writers, w)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(io.MultiWriter(writers...))

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, errors.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}
	return logger, nil
}

func parseLevel(levelStr string) (logrus.Level, error) {
	if levelStr == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		return logrus.InfoLevel, errors.Wrapf(err, "invalid log level %q", levelStr)
	}
	return level, nil
}

// createFileWriter creates a lumberjack file writer for log rotation.
func createFileWriter(fc FileConfig) (io.Writer, error) {
	if fc.Path == "" {
		return nil, errors.New("file output requires 'path' field")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.MaxSizeMB,  // megabytes
		MaxBackups: fc.MaxBackups, // number of backups
		MaxAge:     fc.MaxAgeDays, // days
		Compress:   fc.Compress,
	}, nil
}
