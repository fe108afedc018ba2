package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultLedgerMargin keeps delivered ids this long behind an identifier's
// newest delivery. Anything older is already excluded by the watermark.
const DefaultLedgerMargin = 48 * time.Hour

// Entry is one delivered notification.
type Entry struct {
	Identifier     string          `json:"identifier"`
	NotificationID int64           `json:"notificationId"`
	CreatedAt      time.Time       `json:"createdAt"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// LedgerStore persists ledger entries across restarts.
type LedgerStore interface {
	LoadEntries(ctx context.Context) ([]Entry, error)
	Record(ctx context.Context, e Entry) error
	Forget(ctx context.Context, entries []Entry) error
}

type ledgerKey struct {
	identifier string
	id         int64
}

// Ledger remembers which (identifier, notification id) pairs were delivered.
type Ledger struct {
	store  LedgerStore
	margin time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[ledgerKey]time.Time
	newest  map[string]time.Time
}

// NewLedger creates an empty ledger. store may be nil for memory-only use.
func NewLedger(store LedgerStore, margin time.Duration, logger zerolog.Logger) *Ledger {
	if margin <= 0 {
		margin = DefaultLedgerMargin
	}
	return &Ledger{
		store:   store,
		margin:  margin,
		logger:  logger.With().Str("component", "ledger").Logger(),
		entries: map[ledgerKey]time.Time{},
		newest:  map[string]time.Time{},
	}
}

// Load merges persisted entries into memory.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	entries, err := l.store.LoadEntries(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	for _, e := range entries {
		l.add(e)
	}
	l.mu.Unlock()
	l.logger.Info().Int("entries", len(entries)).Msg("delivery ledger restored")
	return nil
}

// Seen reports whether id was already delivered to identifier.
func (l *Ledger) Seen(identifier string, id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[ledgerKey{identifier: identifier, id: id}]
	return ok
}

// Record marks e as delivered. Store failures are logged only.
func (l *Ledger) Record(ctx context.Context, e Entry) {
	l.mu.Lock()
	l.add(e)
	l.mu.Unlock()

	if l.store == nil {
		return
	}
	if err := l.store.Record(ctx, e); err != nil {
		l.logger.Warn().Err(err).Str("identifier", e.Identifier).Int64("id", e.NotificationID).Msg("persist ledger entry")
	}
}

// Compact evicts entries older than each identifier's newest delivery minus
// the margin and returns how many were dropped.
func (l *Ledger) Compact(ctx context.Context) int {
	l.mu.Lock()
	var evicted []Entry
	for key, created := range l.entries {
		if created.Before(l.newest[key.identifier].Add(-l.margin)) {
			delete(l.entries, key)
			evicted = append(evicted, Entry{Identifier: key.identifier, NotificationID: key.id, CreatedAt: created})
		}
	}
	l.mu.Unlock()

	if len(evicted) > 0 && l.store != nil {
		if err := l.store.Forget(ctx, evicted); err != nil {
			l.logger.Warn().Err(err).Int("entries", len(evicted)).Msg("forget ledger entries")
		}
	}
	return len(evicted)
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) add(e Entry) {
	l.entries[ledgerKey{identifier: e.Identifier, id: e.NotificationID}] = e.CreatedAt
	if e.CreatedAt.After(l.newest[e.Identifier]) {
		l.newest[e.Identifier] = e.CreatedAt
	}
}
