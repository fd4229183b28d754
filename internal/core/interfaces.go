// Package core defines the core business logic and interfaces for the TTS worker.
package core

import "context"

// ObjectStore keeps generated audio files under a key in a named bucket.
type ObjectStore interface {
	Bucket() string
	UploadFile(ctx context.Context, key, path string) error
}

// SynthesisRequest is one call into a synthesis engine.
// SpeakerWav and Language are only set when a reference voice is in use;
// engines must not receive voice-cloning parameters otherwise.
type SynthesisRequest struct {
	Text       string
	OutputPath string
	SpeakerWav string
	Language   string
}

// EngineInfo describes a loaded synthesis engine.
type EngineInfo struct {
	Backend string
	Model   string
	UseCUDA bool
}

// Synthesizer is the loaded speech engine. It is acquired once per process
// and is not safe for concurrent Synthesize calls.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) error
	Info() EngineInfo
	Close() error
}

// PathAllocator hands out unique output paths for generated audio.
type PathAllocator interface {
	Allocate() (string, error)
}

// AudioSink receives generated audio files after a successful synthesis.
type AudioSink interface {
	Deliver(ctx context.Context, path string) error
}
