// Package logging builds the zerolog logger shared by the worker binaries.
//
// Logs never go to stdout: stdout carries the line protocol.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/book-expert/tts-worker/internal/config"
	"github.com/rs/zerolog"
)

const logFilePermissions = 0o640

// New returns a logger writing human-readable lines to stderr and, when
// cfg.File is set, JSON lines to that file. An unknown level falls back to
// info. The returned closer releases the file and is never nil.
func New(cfg config.LoggingConfig, stderr io.Writer) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var out io.Writer = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}

	closer := io.Closer(nopCloser{})

	if cfg.File != "" {
		file, openErr := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermissions)
		if openErr != nil {
			return zerolog.Nop(), closer, fmt.Errorf("failed to open log file: %w", openErr)
		}

		out = zerolog.MultiLevelWriter(out, file)
		closer = file
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()

	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
