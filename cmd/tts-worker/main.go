// tts-worker loads a speech synthesis engine once and serves line-delimited
// JSON requests on stdin, answering on stdout. Logs go to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/book-expert/tts-worker/internal/config"
	"github.com/book-expert/tts-worker/internal/core"
	"github.com/book-expert/tts-worker/internal/logging"
	"github.com/book-expert/tts-worker/internal/metrics"
	"github.com/book-expert/tts-worker/internal/protocol"
	"github.com/book-expert/tts-worker/internal/publish"
	"github.com/book-expert/tts-worker/internal/scratch"
	"github.com/book-expert/tts-worker/internal/tts"
	"github.com/book-expert/tts-worker/internal/tts/text"
	"github.com/book-expert/tts-worker/internal/worker"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// Exit statuses.
const (
	exitOK      = 0
	exitRuntime = 1
	exitSetup   = 2
)

const (
	appName          = "tts-worker"
	metricsNamespace = "tts_worker"
	shutdownTimeout  = 5 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run owns the process lifecycle: setup, one readiness line, the request loop.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	ready := protocol.NewWriter(stdout)

	cfg, err := config.Load(pflag.NewFlagSet(appName, pflag.ContinueOnError), args, stderr)
	if errors.Is(err, config.ErrHelp) {
		return exitOK
	}

	if err != nil {
		return setupFailed(ready, stderr, fmt.Errorf("config: %w", err))
	}

	log, logCloser, err := logging.New(cfg.Logging, stderr)
	if err != nil {
		return setupFailed(ready, stderr, err)
	}

	defer func() { _ = logCloser.Close() }()

	ctx := context.Background()

	session, err := setup(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Setup failed")

		return setupFailed(ready, nil, err)
	}

	defer session.close(log)

	info := session.engine.Info()

	err = ready.Write(protocol.ReadyOK(info.Model, info.UseCUDA))
	if err != nil {
		log.Error().Err(err).Msg("Failed to write readiness line")

		return exitRuntime
	}

	log.Info().
		Str("backend", info.Backend).
		Str("model", info.Model).
		Bool("gpu", info.UseCUDA).
		Msg("Worker ready")

	err = session.worker.Run(ctx, stdin, stdout)
	if err != nil {
		log.Error().Err(err).Msg("Worker stopped")

		return exitRuntime
	}

	return exitOK
}

// session is everything acquired during setup.
type session struct {
	engine        core.Synthesizer
	worker        *worker.Worker
	sink          *publish.NatsSink
	metricsServer *metrics.Server
}

func setup(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*session, error) {
	dir, err := scratch.New(cfg.Worker.ScratchDir, cfg.Worker.FilePrefix)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("backend", cfg.Engine.Backend).
		Str("model", cfg.Worker.Model).
		Str("scratch_dir", dir.Path()).
		Str("config_file", cfg.File).
		Msg("Loading TTS engine")

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
		return nil, fmt.Errorf("load model failed: %w", err)
	}

	s := &session{engine: engine}

	opts := []worker.Option{}

	if cfg.Worker.NormalizeText {
		opts = append(opts, worker.WithNormalizer(text.Normalize))
	}

	if cfg.NATS.URL != "" {
		s.sink, err = publish.Connect(cfg.NATS, log)
		if err != nil {
			s.close(log)

			return nil, err
		}

		opts = append(opts, worker.WithSink(s.sink))
	}

	if cfg.Metrics.Addr != "" {
		rec := metrics.NewRecorder(metricsNamespace)

		s.metricsServer, err = metrics.Start(cfg.Metrics.Addr, rec, log)
		if err != nil {
			s.close(log)

			return nil, err
		}

		rec.SetEngineReady(true)
		opts = append(opts, worker.WithMetrics(rec))
	}

	s.worker, err = worker.New(engine, dir, worker.Defaults{
		Language:   cfg.Worker.Language,
		SpeakerWav: cfg.Worker.SpeakerWav,
	}, log, opts...)
	if err != nil {
		s.close(log)

		return nil, err
	}

	return s, nil
}

func (s *session) close(log zerolog.Logger) {
	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := s.metricsServer.Shutdown(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Metrics shutdown")
		}
	}

	if s.sink != nil {
		err := s.sink.Close()
		if err != nil {
			log.Warn().Err(err).Msg("NATS shutdown")
		}
	}

	err := s.engine.Close()
	if err != nil {
		log.Warn().Err(err).Msg("Engine shutdown")
	}
}

// setupFailed emits the failure readiness line. stderr, when given, also
// receives the error for runs that never got a logger.
func setupFailed(ready *protocol.Writer, stderr io.Writer, err error) int {
	if stderr != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", appName, err)
	}

	_ = ready.Write(protocol.ReadyFailed(err))

	return exitSetup
}
