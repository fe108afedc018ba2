package sessions

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"alertrelay/pkg/atomicfile"
)

// FileSnapshotter keeps the session table as a JSON document on local disk.
type FileSnapshotter struct {
	path string
}

func NewFileSnapshotter(path string) *FileSnapshotter {
	return &FileSnapshotter{path: path}
}

func (f *FileSnapshotter) Load(ctx context.Context) (map[string]Session, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]Session{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(data)
}

func (f *FileSnapshotter) Save(ctx context.Context, sessions map[string]Session) error {
	data, err := encodeSnapshot(sessions)
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(f.path, data, 0o600)
}

func (f *FileSnapshotter) Reset(ctx context.Context) error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
