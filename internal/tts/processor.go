package tts

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/book-expert/tts-worker/internal/core"
	"github.com/rs/zerolog"
)

// BackendCLI is the registry name of the command-line engine.
const BackendCLI = "coqui-cli"

const (
	defaultBinary   = "tts"
	maxOutputInErrs = 2048
)

// Static errors.
var (
	ErrBinaryNotFound = errors.New("tts binary not found")
	ErrModelEmpty     = errors.New("model cannot be empty")
	ErrModelUnknown   = errors.New("model is not known to the tts binary")
)

func init() {
	Register(BackendCLI, NewCLIEngine)
}

// CLIEngine implements core.Synthesizer by running the Coqui `tts` program.
type CLIEngine struct {
	binary  string
	model   string
	useCUDA bool
	opts    Options
	logger  zerolog.Logger
}

// NewCLIEngine resolves the binary and checks the model against its model
// list, so a broken installation or an unknown model is a setup failure.
// The program still loads the model again for every request.
func NewCLIEngine(ctx context.Context, opts Options) (core.Synthesizer, error) {
	if opts.Model == "" {
		return nil, ErrModelEmpty
	}

	binary := opts.BinaryPath
	if binary == "" {
		binary = defaultBinary
	}

	resolved, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBinaryNotFound, binary, err)
	}

	engine := &CLIEngine{
		binary:  resolved,
		model:   opts.Model,
		useCUDA: opts.UseCUDA,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", BackendCLI).Logger(),
	}

	err = engine.checkModel(ctx)
	if err != nil {
		return nil, err
	}

	return engine, nil
}

func (e *CLIEngine) checkModel(ctx context.Context) error {
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	// #nosec G204 -- fixed binary, fixed argument
	output, err := exec.CommandContext(ctx, e.binary, "--list_models").CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to list models: %w - output: %s", err, tail(output))
	}

	if !listsModel(output, e.model) {
		return fmt.Errorf("%w: %q", ErrModelUnknown, e.model)
	}

	e.logger.Debug().Str("model", e.model).Msg("Model found in tts model list")

	return nil
}

// listsModel reports whether model appears as a whole token in the output of
// `tts --list_models`, whose lines look like " 12: tts_models/en/ljspeech/vits".
func listsModel(output []byte, model string) bool {
	for _, field := range strings.Fields(string(output)) {
		if field == model {
			return true
		}
	}

	return false
}

// Synthesize runs the binary once for req and lets it write req.OutputPath.
func (e *CLIEngine) Synthesize(ctx context.Context, req core.SynthesisRequest) error {
	err := validateRequest(req)
	if err != nil {
		return err
	}

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	// #nosec G204 -- the binary is fixed at load time and arguments are passed without a shell
	cmd := exec.CommandContext(ctx, e.binary, e.buildArgs(req)...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("tts binary execution failed: %w - output: %s", err, tail(output))
	}

	e.logger.Debug().Str("output_path", req.OutputPath).Msg("tts binary finished")

	return nil
}

func (e *CLIEngine) buildArgs(req core.SynthesisRequest) []string {
	args := []string{
		"--text", req.Text,
		"--model_name", e.model,
		"--out_path", req.OutputPath,
	}

	if e.useCUDA {
		args = append(args, "--use_cuda", "true")
	}

	if req.SpeakerWav != "" {
		args = append(args, "--speaker_wav", req.SpeakerWav)

		if req.Language != "" {
			args = append(args, "--language_idx", req.Language)
		}
	}

	return args
}

// Info describes the loaded engine.
func (e *CLIEngine) Info() core.EngineInfo {
	return core.EngineInfo{Backend: BackendCLI, Model: e.model, UseCUDA: e.useCUDA}
}

// Close is a no-op; every request runs in its own process.
func (e *CLIEngine) Close() error {
	return nil
}

// tail keeps the end of the program output, which is where errors are printed.
func tail(output []byte) string {
	trimmed := strings.TrimSpace(string(output))
	if len(trimmed) <= maxOutputInErrs {
		return trimmed
	}

	return "..." + trimmed[len(trimmed)-maxOutputInErrs:]
}
