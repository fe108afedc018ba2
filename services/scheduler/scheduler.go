package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"alertrelay/pkg/bus"
	"alertrelay/pkg/directoryapi"
	"alertrelay/services/sessions"
)

const (
	// DefaultPollInterval is the cooldown between two polling cycles.
	DefaultPollInterval = 15 * time.Second

	pauseCheckInterval = time.Second
)

// ErrNoToken ends a cycle early when no API token has been configured.
var ErrNoToken = errors.New("scheduler: api token not configured")

// State is the scheduler's current phase.
type State string

const (
	StateIdle     State = "idle"
	StatePolling  State = "polling"
	StateCooldown State = "cooldown"
	StatePaused   State = "paused"
)

// Sessions is the session store as seen by the scheduler.
type Sessions interface {
	ListActive(threshold time.Duration) []string
	Get(id string) (sessions.Session, bool)
	AdvanceWatermark(ctx context.Context, id string, ts time.Time)
}

// Fetcher retrieves pending notifications for a batch of identifiers.
type Fetcher interface {
	FetchNotifications(ctx context.Context, token string, identifiers []string) ([]directoryapi.Batch, error)
}

// Publisher delivers a payload on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, v any) error
}

// Message is the payload devices receive for a notification.
type Message struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	ImageURL  string    `json:"imageUrl"`
	ActionURL string    `json:"actionUrl"`
	Timestamp time.Time `json:"timestamp"`
}

// Config tunes the loop.
type Config struct {
	// PollInterval is the cooldown after each cycle.
	PollInterval time.Duration
	// InactivityThreshold bounds which sessions count as active.
	InactivityThreshold time.Duration
	StartPaused         bool
}

// Deps are the collaborators of a Scheduler. Registerer is optional.
type Deps struct {
	Sessions   Sessions
	Fetcher    Fetcher
	Publisher  Publisher
	Ledger     *Ledger
	Wake       *Wake
	Token      func() string
	Registerer prometheus.Registerer
	Logger     zerolog.Logger
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State       State     `json:"state" yaml:"state"`
	Running     bool      `json:"running" yaml:"running"`
	LastCycleAt time.Time `json:"lastCycleAt" yaml:"lastCycleAt"`
	LastError   string    `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	Cycles      uint64    `json:"cycles" yaml:"cycles"`
	Delivered   uint64    `json:"delivered" yaml:"delivered"`
}

// Scheduler polls for notifications only while at least one session is active.
type Scheduler struct {
	cfg       Config
	sessions  Sessions
	fetcher   Fetcher
	publisher Publisher
	ledger    *Ledger
	wake      *Wake
	token     func() string
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	cycleTotal     *prometheus.CounterVec
	deliveredTotal prometheus.Counter
	skippedTotal   *prometheus.CounterVec

	mu          sync.Mutex
	state       State
	paused      bool
	lastCycleAt time.Time
	lastError   string
	cycles      uint64
	delivered   uint64
}

// New validates deps and builds a Scheduler.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("sessions are required")
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Publisher == nil:
		return nil, errors.New("publisher is required")
	case deps.Wake == nil:
		return nil, errors.New("wake signal is required")
	case deps.Token == nil:
		return nil, errors.New("token source is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.InactivityThreshold <= 0 {
		cfg.InactivityThreshold = sessions.DefaultInactivityThreshold
	}
	ledger := deps.Ledger
	if ledger == nil {
		ledger = NewLedger(nil, DefaultLedgerMargin, deps.Logger)
	}

	s := &Scheduler{
		cfg:       cfg,
		sessions:  deps.Sessions,
		fetcher:   deps.Fetcher,
		publisher: deps.Publisher,
		ledger:    ledger,
		wake:      deps.Wake,
		token:     deps.Token,
		logger:    deps.Logger.With().Str("component", "scheduler").Logger(),
		tracer:    otel.Tracer("alertrelay/scheduler"),
		now:       time.Now,
		state:     StateIdle,
		paused:    cfg.StartPaused,
		cycleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alertrelay",
			Subsystem: "scheduler",
			Name:      "cycles_total",
			Help:      "Polling cycles by result.",
		}, []string{"result"}),
		deliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "alertrelay",
			Subsystem: "scheduler",
			Name:      "delivered_total",
			Help:      "Notifications published to devices.",
		}),
		skippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alertrelay",
			Subsystem: "scheduler",
			Name:      "skipped_total",
			Help:      "Notifications not published, by reason.",
		}, []string{"reason"}),
	}
	if cfg.StartPaused {
		s.state = StatePaused
	}
	if deps.Registerer != nil {
		deps.Registerer.MustRegister(s.cycleTotal, s.deliveredTotal, s.skippedTotal)
	}
	return s, nil
}

// Start resumes polling.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.wake.Signal()
	s.logger.Info().Msg("scheduler resumed")
}

// Stop pauses polling. An in-flight cycle completes first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.wake.Signal()
	s.logger.Info().Msg("scheduler paused")
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:       s.state,
		Running:     !s.paused,
		LastCycleAt: s.lastCycleAt,
		LastError:   s.lastError,
		Cycles:      s.cycles,
		Delivered:   s.delivered,
	}
}

// Run drives the loop until ctx is cancelled. Cycle failures never end it.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Dur("poll_interval", s.cfg.PollInterval).Bool("paused", s.isPaused()).Msg("scheduler started")
	for {
		if ctx.Err() != nil {
			return nil
		}

		if s.isPaused() {
			s.setState(StatePaused)
			if !s.sleep(ctx, pauseCheckInterval, true) {
				return nil
			}
			continue
		}

		active := s.sessions.ListActive(s.cfg.InactivityThreshold)
		if len(active) == 0 {
			s.setState(StateIdle)
			if err := s.wake.Wait(ctx); err != nil {
				return nil
			}
			continue
		}

		s.setState(StatePolling)
		delivered, err := s.safeCycle(ctx, active)
		s.finishCycle(delivered, err)
		if ctx.Err() != nil {
			return nil
		}

		s.setState(StateCooldown)
		if !s.sleep(ctx, s.cfg.PollInterval, false) {
			return nil
		}
	}
}

// RunCycle performs a single polling cycle over the active sessions.
func (s *Scheduler) RunCycle(ctx context.Context) (int, error) {
	active := s.sessions.ListActive(s.cfg.InactivityThreshold)
	if len(active) == 0 {
		return 0, nil
	}
	delivered, err := s.safeCycle(ctx, active)
	s.finishCycle(delivered, err)
	return delivered, err
}

func (s *Scheduler) safeCycle(ctx context.Context, active []string) (delivered int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()
	return s.cycle(ctx, active)
}

func (s *Scheduler) cycle(ctx context.Context, active []string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "relay.cycle", trace.WithAttributes(attribute.Int("relay.active_sessions", len(active))))
	defer span.End()

	token := s.token()
	if token == "" {
		return 0, ErrNoToken
	}

	batches, err := s.fetcher.FetchNotifications(ctx, token, active)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return 0, fmt.Errorf("fetch notifications: %w", err)
	}

	grouped := make(map[string][]directoryapi.Notification, len(batches))
	for _, b := range batches {
		id := strings.ToLower(strings.TrimSpace(b.Identifier))
		if id == "" {
			continue
		}
		grouped[id] = append(grouped[id], b.Notifications...)
	}
	ids := make([]string, 0, len(grouped))
	for id := range grouped {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// A failing identifier must not starve the ones sorted after it.
	total := 0
	var errs []error
	for _, id := range ids {
		n, err := s.deliver(ctx, id, grouped[id])
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	if evicted := s.ledger.Compact(ctx); evicted > 0 {
		s.logger.Debug().Int("evicted", evicted).Msg("ledger compacted")
	}
	span.SetAttributes(attribute.Int("relay.delivered", total))
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return total, err
	}
	return total, nil
}

// deliver publishes the notifications of one identifier in CreatedAt order and
// advances its watermark to the newest one actually published. After a publish
// failure the watermark stays strictly below the failed notification, so it is
// retried next cycle; the ledger keeps already published ones with the same
// CreatedAt from going out twice.
func (s *Scheduler) deliver(ctx context.Context, id string, notes []directoryapi.Notification) (int, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		s.skippedTotal.WithLabelValues("no_session").Add(float64(len(notes)))
		return 0, nil
	}

	sort.SliceStable(notes, func(i, j int) bool { return notes[i].CreatedAt.Before(notes[j].CreatedAt) })

	var (
		newest    time.Time
		delivered int
		err       error
		failedAt  time.Time
		sentTimes []time.Time
	)
	for _, n := range notes {
		if !n.CreatedAt.After(sess.Watermark) {
			s.skippedTotal.WithLabelValues("watermark").Inc()
			continue
		}
		if s.ledger.Seen(id, n.ID) {
			s.skippedTotal.WithLabelValues("duplicate").Inc()
			continue
		}

		msg := Message{Title: n.Title, Body: n.Body, ImageURL: n.ImageURL, ActionURL: n.ActionURL, Timestamp: n.CreatedAt}
		if perr := s.publisher.Publish(ctx, bus.UserTopic(id), msg); perr != nil {
			err = fmt.Errorf("publish notification %d to %s: %w", n.ID, id, perr)
			failedAt = n.CreatedAt
			break
		}

		payload, _ := json.Marshal(msg)
		s.ledger.Record(ctx, Entry{Identifier: id, NotificationID: n.ID, CreatedAt: n.CreatedAt, Payload: payload})
		s.deliveredTotal.Inc()
		delivered++
		sentTimes = append(sentTimes, n.CreatedAt)
	}

	for _, ts := range sentTimes {
		if err != nil && !ts.Before(failedAt) {
			continue
		}
		if ts.After(newest) {
			newest = ts
		}
	}

	if delivered > 0 {
		s.logger.Info().Str("identifier", id).Int("delivered", delivered).Time("watermark", newest).Msg("notifications delivered")
	}
	if !newest.IsZero() {
		s.sessions.AdvanceWatermark(ctx, id, newest)
	}
	return delivered, err
}

func (s *Scheduler) finishCycle(delivered int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if errors.Is(err, ErrNoToken) {
			result = "not_configured"
			s.logger.Debug().Msg("skipping cycle, no api token")
		} else {
			s.logger.Error().Err(err).Msg("relay cycle failed")
		}
	}
	s.cycleTotal.WithLabelValues(result).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++
	s.delivered += uint64(delivered)
	s.lastCycleAt = s.now()
	s.lastError = ""
	if err != nil {
		s.lastError = err.Error()
	}
}

func (s *Scheduler) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// sleep waits for d or ctx. With wakeable set a signal cuts the wait short.
// It returns false once ctx is done.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration, wakeable bool) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	var wake <-chan struct{}
	if wakeable {
		wake = s.wake.C()
	}
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-wake:
		return true
	}
}
