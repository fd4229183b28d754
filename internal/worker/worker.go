// Package worker serves synthesis requests over the line protocol.
//
// A Worker reads one JSON request per line, answers with exactly one JSON
// response line, and flushes it before reading on. Nothing a single request
// does can end the loop: only end of input, a quit command, or a broken
// output stream do.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/book-expert/tts-worker/internal/core"
	"github.com/book-expert/tts-worker/internal/metrics"
	"github.com/book-expert/tts-worker/internal/protocol"
	"github.com/book-expert/tts-worker/internal/tts/audio"
	"github.com/rs/zerolog"
)

var (
	// ErrEngineNil indicates that no synthesis engine was supplied.
	ErrEngineNil = errors.New("engine cannot be nil")
	// ErrScratchNil indicates that no path allocator was supplied.
	ErrScratchNil = errors.New("scratch allocator cannot be nil")
	// ErrEnginePanic wraps a panic raised inside the engine.
	ErrEnginePanic = errors.New("engine panic")
)

// Defaults apply to requests that do not carry their own voice settings.
type Defaults struct {
	Language   string
	SpeakerWav string
}

// Voice resolves the reference voice and language for one request. Request
// values win over defaults. Without a reference voice both results are empty:
// language only travels with a voice.
func (d Defaults) Voice(speakerWav, language string) (string, string) {
	if speakerWav == "" {
		speakerWav = d.SpeakerWav
	}

	if speakerWav == "" {
		return "", ""
	}

	if language == "" {
		language = d.Language
	}

	return speakerWav, language
}

// Option configures optional collaborators of a Worker.
type Option func(*Worker)

// WithSink hands every successfully written file to sink.
func WithSink(sink core.AudioSink) Option {
	return func(w *Worker) {
		w.sink = sink
	}
}

// WithMetrics records request outcomes on rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(w *Worker) {
		w.metrics = rec
	}
}

// WithNormalizer rewrites request text before it reaches the engine.
func WithNormalizer(normalize func(string) string) Option {
	return func(w *Worker) {
		w.normalize = normalize
	}
}

// Worker owns the loaded engine for the lifetime of the process.
type Worker struct {
	engine    core.Synthesizer
	scratch   core.PathAllocator
	defaults  Defaults
	sink      core.AudioSink
	metrics   *metrics.Recorder
	normalize func(string) string
	log       zerolog.Logger

	// engineMu serializes engine calls.
	engineMu sync.Mutex
}

// New creates a Worker around an already loaded engine.
func New(
	engine core.Synthesizer,
	scratch core.PathAllocator,
	defaults Defaults,
	log zerolog.Logger,
	opts ...Option,
) (*Worker, error) {
	if engine == nil {
		return nil, ErrEngineNil
	}

	if scratch == nil {
		return nil, ErrScratchNil
	}

	w := &Worker{
		engine:   engine,
		scratch:  scratch,
		defaults: defaults,
		log:      log.With().Str("component", "worker").Logger(),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Run serves requests from in until end of input or a quit command, writing
// responses to out. It returns nil on a clean stop and an error only when in
// or out fail.
func (w *Worker) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	writer := protocol.NewWriter(out)

	for {
		line, readErr := reader.ReadBytes('\n')

		if len(bytes.TrimSpace(line)) > 0 {
			response, quit := w.handleLine(ctx, line)

			err := writer.Write(response)
			if err != nil {
				return fmt.Errorf("failed to write response: %w", err)
			}

			if quit {
				w.log.Info().Msg("Quit received")

				return nil
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				w.log.Info().Msg("End of input")

				return nil
			}

			return fmt.Errorf("failed to read request: %w", readErr)
		}
	}
}

func (w *Worker) handleLine(ctx context.Context, line []byte) (protocol.Response, bool) {
	req, err := protocol.ParseRequest(line)
	if err != nil {
		w.log.Warn().Err(err).Msg("Rejected request line")
		w.metrics.Request(metrics.OutcomeBadJSON)

		return protocol.ParseFailure(err), false
	}

	if req.IsQuit() {
		w.metrics.Request(metrics.OutcomeQuit)

		return protocol.Goodbye(), true
	}

	if !req.HasText() {
		w.metrics.Request(metrics.OutcomeEmptyText)

		return protocol.EmptyText(req.ID), false
	}

	result := w.synthesize(ctx, req)
	if !result.OK() {
		w.log.Error().Err(result.Err).RawJSON("id", req.ID).Msg("Synthesis failed")
		w.metrics.Request(metrics.OutcomeSynthesisError)

		return protocol.Failure(req.ID, result.Err), false
	}

	w.metrics.Request(metrics.OutcomeOK)

	return protocol.Success(req.ID, result.Path), false
}

// synthesize turns one request into a file on disk. Every failure, panics
// included, comes back as Result.Err and leaves no file behind.
func (w *Worker) synthesize(ctx context.Context, req protocol.Request) protocol.Result {
	path, err := w.scratch.Allocate()
	if err != nil {
		return protocol.Result{Err: fmt.Errorf("failed to allocate output path: %w", err)}
	}

	err = w.generate(ctx, w.buildRequest(req, path))
	if err == nil {
		_, err = audio.CheckFile(path)
		if err != nil {
			err = fmt.Errorf("engine produced no usable audio: %w", err)
		}
	}

	if err != nil {
		removeErr := os.Remove(path)
		if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			w.log.Warn().Err(removeErr).Str("path", path).Msg("Failed to remove output of failed request")
		}

		return protocol.Result{Err: err}
	}

	w.log.Debug().RawJSON("id", req.ID).Str("wav", path).Msg("Synthesized")
	w.deliver(ctx, path)

	return protocol.Result{Path: path}
}

func (w *Worker) generate(ctx context.Context, synthReq core.SynthesisRequest) (err error) {
	w.engineMu.Lock()
	defer w.engineMu.Unlock()

	defer func() {
		recovered := recover()
		if recovered != nil {
			err = fmt.Errorf("%w: %v", ErrEnginePanic, recovered)
		}
	}()

	start := time.Now()
	err = w.engine.Synthesize(ctx, synthReq)
	w.metrics.ObserveSynthesis(time.Since(start))

	return err
}

// buildRequest applies worker defaults and the optional normalizer.
func (w *Worker) buildRequest(req protocol.Request, path string) core.SynthesisRequest {
	text := req.Text
	if w.normalize != nil {
		normalized := w.normalize(text)
		if normalized != "" {
			text = normalized
		}
	}

	speaker, language := w.defaults.Voice(req.SpeakerWav, req.Language)

	return core.SynthesisRequest{
		Text:       text,
		OutputPath: path,
		SpeakerWav: speaker,
		Language:   language,
	}
}

func (w *Worker) deliver(ctx context.Context, path string) {
	if w.sink == nil {
		return
	}

	err := w.sink.Deliver(ctx, path)
	if err != nil {
		w.log.Warn().Err(err).Str("wav", path).Msg("Audio hand-off failed")
		w.metrics.SinkError()
	}
}
