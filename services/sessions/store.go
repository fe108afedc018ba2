package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// DefaultInactivityThreshold is how long a session stays active without a ping.
const DefaultInactivityThreshold = 7 * 24 * time.Hour

// ErrInvalidIdentifier is returned for identifiers that cannot name a session.
var ErrInvalidIdentifier = errors.New("sessions: invalid identifier")

// Session tracks one registered user.
type Session struct {
	Identifier string    `json:"identifier"`
	Watermark  time.Time `json:"watermark"`
	LastSeen   time.Time `json:"lastSeen"`
}

// Directory validates identifiers against the known user set.
type Directory interface {
	Contains(id string) bool
	Refresh(ctx context.Context) error
}

// Signaler is notified whenever a registration is accepted.
type Signaler interface {
	Signal()
}

// Store is the in-memory session table, persisted after every mutation.
type Store struct {
	dir    Directory
	snap   Snapshotter
	wake   Signaler
	logger zerolog.Logger
	now    func() time.Time

	registrations *prometheus.CounterVec
	size          prometheus.Gauge

	// persistMu is taken before mu by writers so snapshots land in mutation order.
	persistMu sync.Mutex
	mu        sync.RWMutex
	sessions  map[string]Session
}

// New creates an empty Store. wake and reg may be nil.
func New(dir Directory, snap Snapshotter, wake Signaler, reg prometheus.Registerer, logger zerolog.Logger) *Store {
	s := &Store{
		dir:      dir,
		snap:     snap,
		wake:     wake,
		logger:   logger.With().Str("component", "sessions").Logger(),
		now:      time.Now,
		sessions: map[string]Session{},
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alertrelay",
			Subsystem: "sessions",
			Name:      "registrations_total",
			Help:      "Registration attempts by result.",
		}, []string{"result"}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "alertrelay",
			Subsystem: "sessions",
			Name:      "sessions",
			Help:      "Sessions currently held, active or not.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.registrations, s.size)
	}
	return s
}

// Normalize canonicalises an identifier for use as a session key. Every "."
// becomes a topic level separator, so a leading, trailing or doubled "." would
// yield a topic with an empty level that can never be published to.
func Normalize(id string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(id))
	if key == "" || strings.ContainsAny(key, " \t\r\n*>/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q has an empty topic level", ErrInvalidIdentifier, id)
	}
	return key, nil
}

// Load restores the table from the snapshot backend. A corrupt snapshot is
// discarded and the store starts empty.
func (s *Store) Load(ctx context.Context) error {
	loaded, err := s.snap.Load(ctx)
	if errors.Is(err, ErrCorrupt) {
		s.logger.Warn().Err(err).Msg("session snapshot corrupt, starting empty")
		if rerr := s.snap.Reset(ctx); rerr != nil {
			s.logger.Error().Err(rerr).Msg("discard corrupt session snapshot")
		}
		loaded = map[string]Session{}
	} else if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	restored := make(map[string]Session, len(loaded))
	for id, sess := range loaded {
		key, err := Normalize(id)
		if err != nil {
			s.logger.Warn().Str("identifier", id).Msg("skipping invalid identifier in snapshot")
			continue
		}
		sess.Identifier = key
		restored[key] = sess
	}

	s.mu.Lock()
	s.sessions = restored
	s.mu.Unlock()
	s.size.Set(float64(len(restored)))

	s.logger.Info().Int("sessions", len(restored)).Msg("sessions restored")
	return nil
}

// RegisterActive records a ping from id. Unknown identifiers trigger exactly
// one directory refresh before being rejected. clientTS seeds the watermark of
// a new session and is ignored for existing ones.
func (s *Store) RegisterActive(ctx context.Context, id string, clientTS *time.Time) bool {
	key, err := Normalize(id)
	if err != nil {
		s.registrations.WithLabelValues("invalid").Inc()
		return false
	}

	if !s.dir.Contains(key) {
		if err := s.dir.Refresh(ctx); err != nil {
			s.logger.Debug().Err(err).Msg("directory refresh on miss failed")
		}
		if !s.dir.Contains(key) {
			s.registrations.WithLabelValues("rejected").Inc()
			s.logger.Warn().Str("identifier", key).Msg("registration rejected, identifier not in directory")
			return false
		}
	}

	s.mutate(ctx, func(sessions map[string]Session) bool {
		now := s.now()
		if existing, ok := sessions[key]; ok {
			existing.LastSeen = now
			sessions[key] = existing
			return true
		}
		watermark := now
		if clientTS != nil && !clientTS.IsZero() {
			watermark = *clientTS
		}
		sessions[key] = Session{Identifier: key, Watermark: watermark, LastSeen: now}
		return true
	})

	s.registrations.WithLabelValues("accepted").Inc()
	if s.wake != nil {
		s.wake.Signal()
	}
	return true
}

// Remove deletes the session for id. Removing an unknown id is a no-op.
func (s *Store) Remove(ctx context.Context, id string) {
	key, err := Normalize(id)
	if err != nil {
		return
	}
	s.mutate(ctx, func(sessions map[string]Session) bool {
		if _, ok := sessions[key]; !ok {
			return false
		}
		delete(sessions, key)
		return true
	})
}

// AdvanceWatermark moves the watermark of id forward to ts. Older or equal
// timestamps are ignored.
func (s *Store) AdvanceWatermark(ctx context.Context, id string, ts time.Time) {
	key, err := Normalize(id)
	if err != nil {
		return
	}
	s.mutate(ctx, func(sessions map[string]Session) bool {
		sess, ok := sessions[key]
		if !ok || !ts.After(sess.Watermark) {
			return false
		}
		sess.Watermark = ts
		sessions[key] = sess
		return true
	})
}

// Get returns the session for id.
func (s *Store) Get(id string) (Session, bool) {
	key, err := Normalize(id)
	if err != nil {
		return Session{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	return sess, ok
}

// ListActive returns, sorted, the identifiers seen within threshold. A
// threshold <= 0 uses DefaultInactivityThreshold.
func (s *Store) ListActive(threshold time.Duration) []string {
	if threshold <= 0 {
		threshold = DefaultInactivityThreshold
	}
	cutoff := s.now().Add(-threshold)

	s.mu.RLock()
	out := make([]string, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if !sess.LastSeen.Before(cutoff) {
			out = append(out, id)
		}
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out
}

// List returns every session sorted by identifier.
func (s *Store) List() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// mutate applies fn under the write lock and persists the result when fn
// reports a change. Persistence failures are logged; memory stays authoritative.
func (s *Store) mutate(ctx context.Context, fn func(map[string]Session) bool) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	changed := fn(s.sessions)
	var snapshot map[string]Session
	if changed {
		snapshot = make(map[string]Session, len(s.sessions))
		for k, v := range s.sessions {
			snapshot[k] = v
		}
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	s.size.Set(float64(len(snapshot)))
	if err := s.snap.Save(ctx, snapshot); err != nil {
		s.logger.Error().Err(err).Msg("persist sessions")
	}
}
