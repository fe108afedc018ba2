package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// DefaultRefreshInterval matches the remote directory's usual churn.
const DefaultRefreshInterval = 30 * time.Minute

// ErrNotConfigured is returned by Refresh when no API token is available.
var ErrNotConfigured = errors.New("directory: api token not configured")

// Lister fetches the authoritative user list.
type Lister interface {
	ListUsers(ctx context.Context, token string) ([]string, error)
}

// TokenSource returns the current API token or "".
type TokenSource func() string

type userSet struct {
	ids         map[string]struct{}
	refreshedAt time.Time
}

// Cache is an in-memory copy of the valid user identifiers. Readers never see
// a partially refreshed set.
type Cache struct {
	lister Lister
	token  TokenSource
	logger zerolog.Logger
	now    func() time.Time

	refreshes *prometheus.CounterVec
	size      prometheus.Gauge

	set atomic.Pointer[userSet]
}

// New creates an empty Cache. reg may be nil.
func New(lister Lister, token TokenSource, reg prometheus.Registerer, logger zerolog.Logger) *Cache {
	c := &Cache{
		lister: lister,
		token:  token,
		logger: logger.With().Str("component", "directory").Logger(),
		now:    time.Now,
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alertrelay",
			Subsystem: "directory",
			Name:      "refreshes_total",
			Help:      "Directory refresh attempts by result.",
		}, []string{"result"}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "alertrelay",
			Subsystem: "directory",
			Name:      "users",
			Help:      "Identifiers currently in the directory cache.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.refreshes, c.size)
	}
	c.set.Store(&userSet{ids: map[string]struct{}{}})
	return c
}

// Refresh replaces the cached set with the remote user list. On failure the
// previous set is kept.
func (c *Cache) Refresh(ctx context.Context) error {
	token := ""
	if c.token != nil {
		token = c.token()
	}
	if token == "" {
		c.refreshes.WithLabelValues("not_configured").Inc()
		return ErrNotConfigured
	}

	users, err := c.lister.ListUsers(ctx, token)
	if err != nil {
		c.refreshes.WithLabelValues("error").Inc()
		c.logger.Warn().Err(err).Msg("directory refresh failed, keeping previous set")
		return fmt.Errorf("refresh directory: %w", err)
	}

	c.Replace(users)
	c.refreshes.WithLabelValues("ok").Inc()
	c.logger.Debug().Int("users", len(users)).Msg("directory refreshed")
	return nil
}

// Replace swaps in a new set built from ids.
func (c *Cache) Replace(ids []string) {
	next := &userSet{ids: make(map[string]struct{}, len(ids)), refreshedAt: c.now()}
	for _, id := range ids {
		if key := normalize(id); key != "" {
			next.ids[key] = struct{}{}
		}
	}
	c.set.Store(next)
	c.size.Set(float64(len(next.ids)))
}

// Contains reports whether id is a valid user, ignoring case.
func (c *Cache) Contains(id string) bool {
	key := normalize(id)
	if key == "" {
		return false
	}
	_, ok := c.set.Load().ids[key]
	return ok
}

// Snapshot returns the cached identifiers in sorted order.
func (c *Cache) Snapshot() []string {
	set := c.set.Load()
	out := make([]string, 0, len(set.ids))
	for id := range set.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LastRefresh is the zero time until the first successful refresh.
func (c *Cache) LastRefresh() time.Time {
	return c.set.Load().refreshedAt
}

func (c *Cache) Len() int {
	return len(c.set.Load().ids)
}

// Run refreshes immediately and then every interval until ctx is done. An
// interval <= 0 performs only the initial refresh.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if err := c.Refresh(ctx); err != nil && errors.Is(err, ErrNotConfigured) {
		c.logger.Info().Msg("no api token yet, directory empty until one is set")
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Refresh(ctx)
		}
	}
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
