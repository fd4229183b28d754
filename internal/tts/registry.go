// Package tts provides the synthesis engines the worker can load.
//
// Engines register themselves by backend name. Load is the one expensive,
// fallible step of a worker's life: it is called once at startup and its
// result is used for every request afterwards.
package tts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/book-expert/tts-worker/internal/core"
	"github.com/rs/zerolog"
)

// ErrUnknownBackend is returned by Load for names nobody registered.
var ErrUnknownBackend = errors.New("unknown tts backend")

// Options carries everything a backend needs to load a model.
type Options struct {
	Model      string
	UseCUDA    bool
	ServerURL  string
	APIMode    string
	BinaryPath string
	// Timeout bounds a single synthesis call. Zero means no limit.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Factory loads an engine.
type Factory func(ctx context.Context, opts Options) (core.Synthesizer, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend available under name. It panics on duplicates.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("tts: Register factory is nil")
	}

	if _, dup := registry[name]; dup {
		panic("tts: Register called twice for " + name)
	}

	registry[name] = factory
}

// Load creates the engine registered under name.
func Load(ctx context.Context, name string, opts Options) (core.Synthesizer, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %v)", ErrUnknownBackend, name, Backends())
	}

	engine, err := factory(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return engine, nil
}

// Backends lists registered backend names in sorted order.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// IsRegistered reports whether name can be loaded.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()

	_, ok := registry[name]

	return ok
}
