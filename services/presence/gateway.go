package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"alertrelay/pkg/bus"
)

// QueueGroup load-balances presence messages across relay replicas.
const QueueGroup = "relay-presence"

const connectedMessage = "connected to alert relay"

// Registry is the session side of the presence protocol.
type Registry interface {
	RegisterActive(ctx context.Context, id string, clientTS *time.Time) bool
	Remove(ctx context.Context, id string)
}

// Broker publishes to and subscribes on MQTT-style topics.
type Broker interface {
	Publish(ctx context.Context, topic string, v any) error
	Subscribe(ctx context.Context, topic, queue string, fn func(ctx context.Context, data []byte)) (io.Closer, error)
}

// Ping is sent by a device to announce it is online.
type Ping struct {
	Identifier string     `json:"identifier"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

// Disconnect is sent by a device that is going away.
type Disconnect struct {
	Identifier string `json:"identifier"`
}

// Ack is published to the device's own topic after an accepted ping.
type Ack struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Gateway turns presence messages into session store calls.
type Gateway struct {
	broker   Broker
	registry Registry
	logger   zerolog.Logger
	now      func() time.Time

	events *prometheus.CounterVec

	mu   sync.Mutex
	subs []io.Closer
}

// New creates a Gateway. reg may be nil.
func New(broker Broker, registry Registry, reg prometheus.Registerer, logger zerolog.Logger) *Gateway {
	g := &Gateway{
		broker:   broker,
		registry: registry,
		logger:   logger.With().Str("component", "presence").Logger(),
		now:      time.Now,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alertrelay",
			Subsystem: "presence",
			Name:      "events_total",
			Help:      "Presence messages by outcome.",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(g.events)
	}
	return g
}

// Start subscribes to the ping and disconnect topics. Subscriptions end when
// ctx is cancelled or Close is called.
func (g *Gateway) Start(ctx context.Context) error {
	ping, err := g.broker.Subscribe(ctx, bus.PingTopic, QueueGroup, g.HandlePing)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.PingTopic, err)
	}
	disconnect, err := g.broker.Subscribe(ctx, bus.DisconnectTopic, QueueGroup, g.HandleDisconnect)
	if err != nil {
		_ = ping.Close()
		return fmt.Errorf("subscribe %s: %w", bus.DisconnectTopic, err)
	}

	g.mu.Lock()
	g.subs = append(g.subs, ping, disconnect)
	g.mu.Unlock()

	g.logger.Info().Str("ping", bus.PingTopic).Str("disconnect", bus.DisconnectTopic).Msg("presence gateway subscribed")
	return nil
}

// Close drops all subscriptions.
func (g *Gateway) Close() error {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandlePing registers the sender and acknowledges on its user topic.
// Unknown identifiers get no reply.
func (g *Gateway) HandlePing(ctx context.Context, data []byte) {
	defer g.recover("ping")

	var msg Ping
	if err := json.Unmarshal(data, &msg); err != nil {
		g.malformed("ping", err)
		return
	}
	id := strings.TrimSpace(msg.Identifier)
	if id == "" {
		g.malformed("ping", errors.New("missing identifier"))
		return
	}
	g.events.WithLabelValues("ping").Inc()

	if !g.registry.RegisterActive(ctx, id, msg.Timestamp) {
		g.events.WithLabelValues("rejected").Inc()
		g.logger.Warn().Str("identifier", id).Msg("blocked registration attempt")
		return
	}

	ack := Ack{Type: "pong", Timestamp: g.now().UTC(), Message: connectedMessage}
	if err := g.broker.Publish(ctx, bus.UserTopic(strings.ToLower(id)), ack); err != nil {
		g.logger.Error().Err(err).Str("identifier", id).Msg("publish pong")
		return
	}
	g.events.WithLabelValues("ack").Inc()
}

// HandleDisconnect removes the sender's session.
func (g *Gateway) HandleDisconnect(ctx context.Context, data []byte) {
	defer g.recover("disconnect")

	var msg Disconnect
	if err := json.Unmarshal(data, &msg); err != nil {
		g.malformed("disconnect", err)
		return
	}
	id := strings.TrimSpace(msg.Identifier)
	if id == "" {
		g.malformed("disconnect", errors.New("missing identifier"))
		return
	}

	g.registry.Remove(ctx, id)
	g.events.WithLabelValues("disconnect").Inc()
	g.logger.Debug().Str("identifier", id).Msg("session removed on disconnect")
}

func (g *Gateway) malformed(kind string, err error) {
	g.events.WithLabelValues("malformed").Inc()
	g.logger.Warn().Err(err).Str("kind", kind).Msg("dropping malformed presence message")
}

func (g *Gateway) recover(kind string) {
	if r := recover(); r != nil {
		g.events.WithLabelValues("panic").Inc()
		g.logger.Error().Interface("panic", r).Str("kind", kind).Msg("presence handler panicked")
	}
}
