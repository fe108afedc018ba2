package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrCorrupt is returned by a Snapshotter whose stored state cannot be decoded.
var ErrCorrupt = errors.New("sessions: snapshot corrupt")

// Snapshotter persists the whole session table. Load returns an empty map when
// nothing has been stored yet.
type Snapshotter interface {
	Load(ctx context.Context) (map[string]Session, error)
	Save(ctx context.Context, sessions map[string]Session) error
	Reset(ctx context.Context) error
}

type snapshotEntry struct {
	Watermark time.Time `json:"watermark"`
	LastSeen  time.Time `json:"lastSeen"`
}

func encodeSnapshot(sessions map[string]Session) ([]byte, error) {
	flat := make(map[string]snapshotEntry, len(sessions))
	for id, s := range sessions {
		flat[id] = snapshotEntry{Watermark: s.Watermark, LastSeen: s.LastSeen}
	}
	return json.MarshalIndent(flat, "", "  ")
}

func decodeSnapshot(data []byte) (map[string]Session, error) {
	var flat map[string]snapshotEntry
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	out := make(map[string]Session, len(flat))
	for id, e := range flat {
		out[id] = Session{Identifier: id, Watermark: e.Watermark, LastSeen: e.LastSeen}
	}
	return out, nil
}
