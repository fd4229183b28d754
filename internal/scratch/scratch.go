// Package scratch allocates unique output paths for generated audio files.
package scratch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	// DefaultPrefix marks files written by this worker.
	DefaultPrefix = "tts_"
	// Suffix is the extension of every allocated path.
	Suffix = ".wav"

	dirPermissions  = 0o750
	filePermissions = 0o600
	maxAttempts     = 4
)

// ErrExhausted is returned when no unique name could be created.
var ErrExhausted = errors.New("could not allocate a unique output path")

// Dir is a scratch directory that hands out fresh, exclusively created file paths.
// Paths are never reused; callers own the files once allocated.
type Dir struct {
	path   string
	prefix string
}

// New prepares a scratch directory. An empty dir falls back to os.TempDir,
// which honours $TMPDIR.
func New(dir, prefix string) (*Dir, error) {
	if dir == "" {
		dir = os.TempDir()
	}

	if prefix == "" {
		prefix = DefaultPrefix
	}

	err := ensureDir(dir)
	if err != nil {
		return nil, err
	}

	return &Dir{path: dir, prefix: prefix}, nil
}

// ensureDir creates the directory if it does not exist yet.
func ensureDir(path string) error {
	info, statErr := os.Stat(path)
	if statErr == nil {
		if !info.IsDir() {
			return fmt.Errorf("scratch path %s is not a directory", path)
		}

		return nil
	}

	if !os.IsNotExist(statErr) {
		return fmt.Errorf("failed to stat scratch directory %s: %w", path, statErr)
	}

	mkdirErr := os.MkdirAll(path, dirPermissions)
	if mkdirErr != nil {
		return fmt.Errorf("failed to create scratch directory %s: %w", path, mkdirErr)
	}

	return nil
}

// Path returns the directory files are created in.
func (d *Dir) Path() string {
	return d.path
}

// Allocate creates an empty file with a unique name and returns its path.
func (d *Dir) Allocate() (string, error) {
	for range maxAttempts {
		candidate := filepath.Join(d.path, d.prefix+uuid.NewString()+Suffix)

		file, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePermissions)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				continue
			}

			return "", fmt.Errorf("failed to create output file: %w", err)
		}

		closeErr := file.Close()
		if closeErr != nil {
			return "", fmt.Errorf("failed to close output file %s: %w", candidate, closeErr)
		}

		return candidate, nil
	}

	return "", ErrExhausted
}
