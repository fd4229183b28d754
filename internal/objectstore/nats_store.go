// Package objectstore keeps generated audio in a NATS JetStream object store bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const contentTypeWAV = "audio/wav"

// ErrBucketEmpty indicates that no bucket name was configured.
var ErrBucketEmpty = errors.New("object store bucket cannot be empty")

// NatsObjectStore implements core.ObjectStore on a JetStream bucket.
type NatsObjectStore struct {
	bucket string
	store  nats.ObjectStore
}

// New creates the bucket, or binds to it when another worker already has.
func New(js nats.JetStreamContext, bucket string) (*NatsObjectStore, error) {
	if bucket == "" {
		return nil, ErrBucketEmpty
	}

	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "Synthesized speech from tts-worker.",
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if errors.Is(err, jetstream.ErrBucketExists) || errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		store, err = js.ObjectStore(bucket)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open object store bucket '%s': %w", bucket, err)
	}

	return &NatsObjectStore{bucket: bucket, store: store}, nil
}

// Bucket returns the bucket name.
func (n *NatsObjectStore) Bucket() string {
	return n.bucket
}

// UploadFile streams the file at path into the bucket under key.
func (n *NatsObjectStore) UploadFile(ctx context.Context, key, path string) error {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to open '%s' for upload: %w", path, err)
	}

	putErr := n.put(ctx, key, file)
	closeErr := file.Close()

	if putErr != nil {
		return putErr
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close '%s': %w", path, closeErr)
	}

	return nil
}

func (n *NatsObjectStore) put(ctx context.Context, key string, reader io.Reader) error {
	meta := &nats.ObjectMeta{
		Name:    key,
		Headers: nats.Header{"Content-Type": []string{contentTypeWAV}},
	}

	_, err := n.store.Put(meta, reader, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}
