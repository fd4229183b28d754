package tts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/book-expert/tts-worker/internal/core"
	"github.com/book-expert/tts-worker/internal/tts/audio"
	"github.com/rs/zerolog"
)

// BackendServer is the registry name of the HTTP engine.
const BackendServer = "coqui-server"

// APIMode selects which Coqui server API the engine targets.
type APIMode string

const (
	// APIModeStandard targets the stock Coqui TTS server (GET /api/tts).
	APIModeStandard APIMode = "standard"
	// APIModeXTTS targets the XTTS v2 API server (POST /tts_to_audio/).
	APIModeXTTS APIMode = "xtts"
)

const filePermissions = 0o600

// Static errors.
var (
	ErrServerURLEmpty         = errors.New("server url cannot be empty")
	ErrAPIModeInvalid         = errors.New("api mode must be standard or xtts")
	ErrModelMismatch          = errors.New("server serves a different model")
	ErrModelNotXTTS           = errors.New("xtts server api only serves xtts models")
	ErrCloningUnsupported     = errors.New("reference voices are not supported by the standard server api")
	ErrReferenceVoiceRequired = errors.New("xtts server requires a reference voice (speaker_wav)")
	ErrTextEmpty              = errors.New("text cannot be empty")
	ErrOutputPathEmpty        = errors.New("output path cannot be empty")
)

func init() {
	Register(BackendServer, NewServerEngine)
}

// ParseAPIMode maps a config string to an APIMode. Empty means standard.
func ParseAPIMode(mode string) (APIMode, error) {
	switch APIMode(mode) {
	case "", APIModeStandard:
		return APIModeStandard, nil
	case APIModeXTTS:
		return APIModeXTTS, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrAPIModeInvalid, mode)
	}
}

// ServerEngine synthesizes speech through a Coqui TTS server that already
// holds the model in memory.
type ServerEngine struct {
	client  *HTTPClient
	mode    APIMode
	model   string
	useCUDA bool
	logger  zerolog.Logger
}

// NewServerEngine connects to the server and verifies it is able to serve the
// requested model. Any failure here is a setup failure.
func NewServerEngine(ctx context.Context, opts Options) (core.Synthesizer, error) {
	if opts.ServerURL == "" {
		return nil, ErrServerURLEmpty
	}

	mode, err := ParseAPIMode(opts.APIMode)
	if err != nil {
		return nil, err
	}

	engine := &ServerEngine{
		client:  NewHTTPClient(opts.ServerURL, opts.Timeout),
		mode:    mode,
		model:   opts.Model,
		useCUDA: opts.UseCUDA,
		logger:  opts.Logger.With().Str("component", BackendServer).Logger(),
	}

	err = engine.load(ctx)
	if err != nil {
		return nil, err
	}

	return engine, nil
}

func (e *ServerEngine) load(ctx context.Context) error {
	if e.mode == APIModeXTTS {
		if !isXTTSModel(e.model) {
			return fmt.Errorf("%w: %q", ErrModelNotXTTS, e.model)
		}

		speakers, err := e.client.StudioSpeakers(ctx)
		if err != nil {
			return fmt.Errorf("server check failed: %w", err)
		}

		e.logger.Info().Int("studio_speakers", len(speakers)).Msg("XTTS server reachable")

		return nil
	}

	details, parsed, err := e.client.Details(ctx)
	if err != nil {
		return fmt.Errorf("server check failed: %w", err)
	}

	if !parsed {
		e.logger.Warn().Msg("Server details are not JSON; skipping model check")

		return nil
	}

	if details.ModelName != "" && e.model != "" && details.ModelName != e.model {
		return fmt.Errorf("%w: requested %q, server has %q", ErrModelMismatch, e.model, details.ModelName)
	}

	e.logger.Info().Str("server_model", details.ModelName).Msg("TTS server reachable")

	return nil
}

// Synthesize requests audio for req.Text and writes it to req.OutputPath.
func (e *ServerEngine) Synthesize(ctx context.Context, req core.SynthesisRequest) error {
	err := validateRequest(req)
	if err != nil {
		return err
	}

	var wav []byte

	switch e.mode {
	case APIModeXTTS:
		if req.SpeakerWav == "" {
			return ErrReferenceVoiceRequired
		}

		wav, err = e.client.SynthesizeXTTS(ctx, XTTSRequest{
			Text:       req.Text,
			SpeakerWav: req.SpeakerWav,
			Language:   req.Language,
		})
	default:
		if req.SpeakerWav != "" {
			return ErrCloningUnsupported
		}

		wav, err = e.client.SynthesizeStandard(ctx, req.Text, "")
	}

	if err != nil {
		return fmt.Errorf("failed to generate speech: %w", err)
	}

	_, err = audio.ParseWAV(wav)
	if err != nil {
		return fmt.Errorf("server returned invalid audio: %w", err)
	}

	err = os.WriteFile(req.OutputPath, wav, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write audio file: %w", err)
	}

	return nil
}

// Info describes the loaded engine.
func (e *ServerEngine) Info() core.EngineInfo {
	return core.EngineInfo{Backend: BackendServer, Model: e.model, UseCUDA: e.useCUDA}
}

// Close releases idle connections.
func (e *ServerEngine) Close() error {
	e.client.httpClient.CloseIdleConnections()

	return nil
}

// isXTTSModel accepts Coqui XTTS identifiers such as
// tts_models/multilingual/multi-dataset/xtts_v2.
func isXTTSModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "xtts")
}

func validateRequest(req core.SynthesisRequest) error {
	if req.Text == "" {
		return ErrTextEmpty
	}

	if req.OutputPath == "" {
		return ErrOutputPathEmpty
	}

	return nil
}
