package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	s3store "alertrelay/pkg/s3"
)

type memObjects struct {
	objects map[string][]byte
}

func (m *memObjects) PutObject(_ context.Context, bucket, key, _ string, data []byte) error {
	m.objects[bucket+"/"+key] = append([]byte(nil), data...)
	return nil
}

func (m *memObjects) GetObject(_ context.Context, bucket, key string) ([]byte, error) {
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, s3store.ErrNotFound
	}
	return data, nil
}

func (m *memObjects) DeleteObject(_ context.Context, bucket, key string) error {
	delete(m.objects, bucket+"/"+key)
	return nil
}

func TestS3SnapshotterRoundTrip(t *testing.T) {
	objects := &memObjects{objects: map[string][]byte{}}
	snap, err := NewS3Snapshotter(objects, "state", "relay/sessions.json.zst")
	if err != nil {
		t.Fatalf("NewS3Snapshotter() error = %v", err)
	}

	empty, err := snap.Load(context.Background())
	if err != nil || len(empty) != 0 {
		t.Fatalf("Load() on missing object = %v, %v", empty, err)
	}

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	in := map[string]Session{"a@acme.com": {Identifier: "a@acme.com", Watermark: ts, LastSeen: ts}}
	if err := snap.Save(context.Background(), in); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	out, err := snap.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := out["a@acme.com"]; !got.Watermark.Equal(ts) || got.Identifier != "a@acme.com" {
		t.Fatalf("Load() = %+v", out)
	}
}

func TestS3SnapshotterCorrupt(t *testing.T) {
	objects := &memObjects{objects: map[string][]byte{"state/k": []byte("plain text")}}
	snap, err := NewS3Snapshotter(objects, "state", "k")
	if err != nil {
		t.Fatalf("NewS3Snapshotter() error = %v", err)
	}
	if _, err := snap.Load(context.Background()); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Load() error = %v, want ErrCorrupt", err)
	}
	if err := snap.Reset(context.Background()); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if _, ok := objects.objects["state/k"]; ok {
		t.Fatal("Reset() left object in place")
	}
}

func TestNewS3SnapshotterRequiresLocation(t *testing.T) {
	if _, err := NewS3Snapshotter(&memObjects{}, "", "k"); err == nil {
		t.Fatal("NewS3Snapshotter() without bucket succeeded")
	}
}
