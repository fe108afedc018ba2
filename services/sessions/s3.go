package sessions

import (
	"context"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	s3store "alertrelay/pkg/s3"
)

// ObjectStore is the subset of the S3 client the snapshotter needs.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key, contentType string, data []byte) error
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	DeleteObject(ctx context.Context, bucket, key string) error
}

// S3Snapshotter keeps the session table as one zstd-compressed JSON object.
type S3Snapshotter struct {
	store  ObjectStore
	bucket string
	key    string

	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewS3Snapshotter(store ObjectStore, bucket, key string) (*S3Snapshotter, error) {
	if bucket == "" || key == "" {
		return nil, errors.New("sessions: s3 bucket and key are required")
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &S3Snapshotter{store: store, bucket: bucket, key: key, enc: enc, dec: dec}, nil
}

func (s *S3Snapshotter) Load(ctx context.Context) (map[string]Session, error) {
	data, err := s.store.GetObject(ctx, s.bucket, s.key)
	if errors.Is(err, s3store.ErrNotFound) {
		return map[string]Session{}, nil
	}
	if err != nil {
		return nil, err
	}
	raw, err := s.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return decodeSnapshot(raw)
}

func (s *S3Snapshotter) Save(ctx context.Context, sessions map[string]Session) error {
	raw, err := encodeSnapshot(sessions)
	if err != nil {
		return err
	}
	return s.store.PutObject(ctx, s.bucket, s.key, "application/zstd", s.enc.EncodeAll(raw, nil))
}

func (s *S3Snapshotter) Reset(ctx context.Context) error {
	return s.store.DeleteObject(ctx, s.bucket, s.key)
}
