package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

var ErrObjectNotFound = errors.New("object not found")

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// ObjectStore is the blob store for uploaded files and thumbnails, one bucket.
type ObjectStore struct {
	client *storage.Client
	bucket string
}

// NewObjectStore creates a GCS-backed store. A non-empty endpoint points the
// client at an emulator and disables authentication.
func NewObjectStore(ctx context.Context, endpoint, bucket string) (*ObjectStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("NewObjectStore: bucket cannot be empty")
	}

	var opts []option.ClientOption
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &ObjectStore{client: client, bucket: bucket}, nil
}

// Put writes data under key, replacing any existing object.
func (s *ObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	return finishWrite(w, key, data)
}

func finishWrite(w *storage.Writer, key string, data []byte) error {
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize object %s: %w", key, err)
	}
	return nil
}

// Get reads the whole object. A missing object yields ErrObjectNotFound.
func (s *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to open object %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the object under key. A missing object is not an error.
func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// Exists reports whether the bucket is reachable, bounded by a 5s timeout.
func (s *ObjectStore) Exists(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Attrs returns the attributes of an object in any bucket.
func (s *ObjectStore) Attrs(ctx context.Context, bucket, key string) (*storage.ObjectAttrs, error) {
	attrs, err := s.client.Bucket(bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: gs://%s/%s", ErrObjectNotFound, bucket, key)
		}
		return nil, fmt.Errorf("failed to stat gs://%s/%s: %w", bucket, key, err)
	}
	return attrs, nil
}

// CopyFrom copies an object from another bucket into this one under dstKey.
func (s *ObjectStore) CopyFrom(ctx context.Context, srcBucket, srcKey, dstKey string) error {
	src := s.client.Bucket(srcBucket).Object(srcKey)
	dst := s.client.Bucket(s.bucket).Object(dstKey)
	if _, err := dst.CopierFrom(src).Run(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("%w: gs://%s/%s", ErrObjectNotFound, srcBucket, srcKey)
		}
		return fmt.Errorf("failed to copy gs://%s/%s to %s: %w", srcBucket, srcKey, dstKey, err)
	}
	return nil
}

// Close releases the client.
func (s *ObjectStore) Close() error {
	return s.client.Close()
}
