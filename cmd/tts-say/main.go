// tts-say synthesizes one text to one WAV file with the same engines and
// configuration as tts-worker, then exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/tts-worker/internal/config"
	"github.com/book-expert/tts-worker/internal/core"
	"github.com/book-expert/tts-worker/internal/logging"
	"github.com/book-expert/tts-worker/internal/tts"
	"github.com/book-expert/tts-worker/internal/tts/audio"
	"github.com/book-expert/tts-worker/internal/tts/text"
	"github.com/book-expert/tts-worker/internal/worker"
	"github.com/spf13/pflag"
)

// Flag names and descriptions.
const (
	flagText     = "text"
	flagOut      = "out"
	flagFile     = "file"
	flagTextDesc = "Text to synthesize ('-' reads stdin); remaining arguments are used when empty"
	flagOutDesc  = "Output WAV path"
	flagFileDesc = "Read the text from this file"
)

// Messages.
const (
	errFmtReadText   = "failed to read text: %w"
	errFmtLoadEngine = "load model failed: %w"
	errFmtOutputDir  = "failed to create output directory: %w"
	errFmtSynthesize = "synthesis failed: %w"
	errFmtCheckAudio = "engine produced no usable audio: %w"
	logWrote         = "Wrote audio"
)

const (
	appName       = "tts-say"
	dirPermission = 0o750
)

var (
	// ErrTextEmpty indicates that there was nothing to synthesize.
	ErrTextEmpty = errors.New("text is required (--text, --file, or arguments)")
	// ErrOutEmpty indicates that no output path was given.
	ErrOutEmpty = errors.New("--out is required")
)

// appFlags holds the tts-say specific flag values.
type appFlags struct {
	text string
	out  string
	file string
}

func main() {
	err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	if err != nil && !errors.Is(err, config.ErrHelp) {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var flags appFlags

	fs := pflag.NewFlagSet(appName, pflag.ContinueOnError)
	fs.StringVarP(&flags.text, flagText, "t", "", flagTextDesc)
	fs.StringVarP(&flags.out, flagOut, "o", "", flagOutDesc)
	fs.StringVarP(&flags.file, flagFile, "f", "", flagFileDesc)

	cfg, err := config.Load(fs, args, stderr)
	if err != nil {
		return err
	}

	input, err := resolveText(flags, fs.Args(), stdin)
	if err != nil {
		return err
	}

	if flags.out == "" {
		return ErrOutEmpty
	}

	log, logCloser, err := logging.New(cfg.Logging, stderr)
	if err != nil {
		return err
	}

	defer func() { _ = logCloser.Close() }()

	ctx := context.Background()

	engine, err := tts.Load(ctx, cfg.Engine.Backend, tts.Options{
		Model:      cfg.Worker.Model,
		UseCUDA:    cfg.Worker.UseCUDA,
		ServerURL:  cfg.Engine.ServerURL,
		APIMode:    cfg.Engine.APIMode,
		BinaryPath: cfg.Engine.BinaryPath,
		Timeout:    cfg.Timeout(),
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf(errFmtLoadEngine, err)
	}

	defer func() { _ = engine.Close() }()

	err = os.MkdirAll(filepath.Dir(flags.out), dirPermission)
	if err != nil {
		return fmt.Errorf(errFmtOutputDir, err)
	}

	if cfg.Worker.NormalizeText {
		input = text.Normalize(input)
	}

	defaults := worker.Defaults{Language: cfg.Worker.Language, SpeakerWav: cfg.Worker.SpeakerWav}
	speaker, language := defaults.Voice("", "")

	start := time.Now()

	err = engine.Synthesize(ctx, core.SynthesisRequest{
		Text:       input,
		OutputPath: flags.out,
		SpeakerWav: speaker,
		Language:   language,
	})
	if err != nil {
		return fmt.Errorf(errFmtSynthesize, err)
	}

	info, err := audio.CheckFile(flags.out)
	if err != nil {
		return fmt.Errorf(errFmtCheckAudio, err)
	}

	log.Info().
		Str("wav", flags.out).
		Float64("audio_seconds", info.Duration()).
		Dur("elapsed", time.Since(start)).
		Msg(logWrote)

	_, _ = fmt.Fprintln(stdout, flags.out)

	return nil
}

// resolveText picks the text from --file, --text or the positional arguments.
func resolveText(flags appFlags, rest []string, stdin io.Reader) (string, error) {
	var raw string

	switch {
	case flags.file != "":
		data, err := os.ReadFile(filepath.Clean(flags.file))
		if err != nil {
			return "", fmt.Errorf(errFmtReadText, err)
		}

		raw = string(data)
	case flags.text == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf(errFmtReadText, err)
		}

		raw = string(data)
	case flags.text != "":
		raw = flags.text
	default:
		raw = strings.Join(rest, " ")
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrTextEmpty
	}

	return raw, nil
}
