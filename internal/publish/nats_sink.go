// Package publish hands synthesized audio to the rest of the pipeline over NATS.
//
// Each delivered file is uploaded to a JetStream object store bucket and
// announced with an AudioChunkCreatedEvent. The WAV stays on local disk; the
// caller still owns it.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/tts-worker/internal/config"
	"github.com/book-expert/tts-worker/internal/core"
	"github.com/book-expert/tts-worker/internal/objectstore"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	clientName   = "tts-worker"
	closeTimeout = 10 * time.Second
)

var (
	// ErrURLEmpty indicates that the sink was requested without a NATS URL.
	ErrURLEmpty = errors.New("nats url cannot be empty")
	// ErrSubjectEmpty indicates that no event subject was configured.
	ErrSubjectEmpty = errors.New("audio chunk created subject cannot be empty")
	// ErrCloseTimeout indicates that pending events were not drained in time.
	ErrCloseTimeout = errors.New("timed out draining NATS connection")
)

// NatsSink implements core.AudioSink.
type NatsSink struct {
	conn       *nats.Conn
	store      core.ObjectStore
	subject    string
	workflowID string
	closed     chan struct{}
	log        zerolog.Logger
}

// Connect dials NATS and binds the audio bucket. All events published by the
// returned sink share one workflow ID, identifying this worker session.
func Connect(cfg config.NATSConfig, log zerolog.Logger) (*NatsSink, error) {
	if cfg.URL == "" {
		return nil, ErrURLEmpty
	}

	if cfg.AudioChunkCreatedSubject == "" {
		return nil, ErrSubjectEmpty
	}

	conn, err := nats.Connect(cfg.URL, nats.Name(clientName))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	store, err := objectstore.New(js, cfg.AudioObjectStoreBucket)
	if err != nil {
		conn.Close()

		return nil, err
	}

	return NewSink(conn, store, cfg.AudioChunkCreatedSubject, log), nil
}

// NewSink wraps an open connection. The sink owns conn from here on and
// closes it in Close.
func NewSink(conn *nats.Conn, store core.ObjectStore, subject string, log zerolog.Logger) *NatsSink {
	sink := &NatsSink{
		conn:       conn,
		store:      store,
		subject:    subject,
		workflowID: uuid.NewString(),
		closed:     make(chan struct{}),
		log:        log.With().Str("component", "publish").Logger(),
	}

	conn.SetClosedHandler(func(*nats.Conn) {
		close(sink.closed)
	})

	sink.log.Info().
		Str("bucket", store.Bucket()).
		Str("subject", sink.subject).
		Str("workflow_id", sink.workflowID).
		Msg("Audio hand-off enabled")

	return sink
}

// WorkflowID identifies this worker session in published events.
func (s *NatsSink) WorkflowID() string {
	return s.workflowID
}

// Deliver uploads the file under its base name and announces it.
func (s *NatsSink) Deliver(ctx context.Context, path string) error {
	key := filepath.Base(path)

	err := s.store.UploadFile(ctx, key, path)
	if err != nil {
		return err
	}

	event := &events.AudioChunkCreatedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: s.workflowID,
			EventID:    uuid.NewString(),
		},
		AudioKey: key,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audio chunk event: %w", err)
	}

	err = s.conn.Publish(s.subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish audio chunk event: %w", err)
	}

	s.log.Debug().Str("audio_key", key).Msg("Audio chunk published")

	return nil
}

// Close waits until every published event has reached the server, then
// closes the connection. It returns only once the connection is closed or
// the drain timed out.
func (s *NatsSink) Close() error {
	if s.conn.IsClosed() {
		return nil
	}

	flushErr := s.conn.FlushTimeout(closeTimeout)

	err := s.conn.Drain()
	if err != nil {
		s.conn.Close()

		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}

	select {
	case <-s.closed:
	case <-time.After(closeTimeout):
		s.conn.Close()

		return ErrCloseTimeout
	}

	if flushErr != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", flushErr)
	}

	return nil
}
