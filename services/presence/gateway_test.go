package presence

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"alertrelay/pkg/bus"
)

type published struct {
	topic string
	v     any
}

type fakeBroker struct {
	mu         sync.Mutex
	published  []published
	handlers   map[string]func(context.Context, []byte)
	failTopic  string
	publishErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: map[string]func(context.Context, []byte){}}
}

func (b *fakeBroker) Publish(_ context.Context, topic string, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, published{topic: topic, v: v})
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (b *fakeBroker) Subscribe(_ context.Context, topic, queue string, fn func(context.Context, []byte)) (io.Closer, error) {
	if topic == b.failTopic {
		return nil, errors.New("subscribe failed")
	}
	b.mu.Lock()
	b.handlers[topic] = fn
	b.mu.Unlock()
	return closerFunc(func() error {
		b.mu.Lock()
		delete(b.handlers, topic)
		b.mu.Unlock()
		return nil
	}), nil
}

type fakeRegistry struct {
	known      map[string]bool
	registered []string
	clientTS   []*time.Time
	removed    []string
	panicOn    string
}

func (r *fakeRegistry) RegisterActive(_ context.Context, id string, ts *time.Time) bool {
	if id == r.panicOn {
		panic("boom")
	}
	r.registered = append(r.registered, id)
	r.clientTS = append(r.clientTS, ts)
	return r.known[id]
}

func (r *fakeRegistry) Remove(_ context.Context, id string) {
	r.removed = append(r.removed, id)
}

func newTestGateway() (*Gateway, *fakeBroker, *fakeRegistry) {
	broker := newFakeBroker()
	registry := &fakeRegistry{known: map[string]bool{"user1@acme.com": true}}
	g := New(broker, registry, prometheus.NewRegistry(), zerolog.Nop())
	g.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return g, broker, registry
}

func TestStartSubscribesAndDispatches(t *testing.T) {
	g, broker, registry := newTestGateway()
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	broker.handlers[bus.PingTopic](context.Background(), []byte(`{"identifier":"user1@acme.com"}`))
	broker.handlers[bus.DisconnectTopic](context.Background(), []byte(`{"identifier":"user1@acme.com"}`))

	if len(registry.registered) != 1 || len(registry.removed) != 1 {
		t.Fatalf("registered = %v removed = %v", registry.registered, registry.removed)
	}

	if err := g.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(broker.handlers) != 0 {
		t.Fatalf("subscriptions left after Close: %d", len(broker.handlers))
	}
}

func TestStartFailureReleasesFirstSubscription(t *testing.T) {
	g, broker, _ := newTestGateway()
	broker.failTopic = bus.DisconnectTopic

	if err := g.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want failure")
	}
	if len(broker.handlers) != 0 {
		t.Fatalf("ping subscription leaked: %d handlers", len(broker.handlers))
	}
}

func TestHandlePingAccepted(t *testing.T) {
	g, broker, registry := newTestGateway()

	g.HandlePing(context.Background(), []byte(`{"identifier":"user1@acme.com","timestamp":"2024-05-01T11:00:00Z"}`))

	if len(registry.clientTS) != 1 || registry.clientTS[0] == nil {
		t.Fatalf("client timestamp not forwarded: %v", registry.clientTS)
	}
	if want := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC); !registry.clientTS[0].Equal(want) {
		t.Fatalf("client timestamp = %v, want %v", registry.clientTS[0], want)
	}
	if len(broker.published) != 1 {
		t.Fatalf("published = %d, want 1", len(broker.published))
	}
	got := broker.published[0]
	if got.topic != "user/user1@acme/com" {
		t.Fatalf("ack topic = %q", got.topic)
	}
	ack, ok := got.v.(Ack)
	if !ok || ack.Type != "pong" || ack.Message == "" {
		t.Fatalf("ack = %#v", got.v)
	}
	if v := testutil.ToFloat64(g.events.WithLabelValues("ack")); v != 1 {
		t.Fatalf("ack counter = %v", v)
	}
}

func TestHandlePingRejectedSendsNoAck(t *testing.T) {
	g, broker, registry := newTestGateway()

	g.HandlePing(context.Background(), []byte(`{"identifier":"stranger@acme.com"}`))

	if len(registry.registered) != 1 {
		t.Fatalf("registry not consulted")
	}
	if len(broker.published) != 0 {
		t.Fatalf("ack published for rejected identifier: %+v", broker.published)
	}
	if v := testutil.ToFloat64(g.events.WithLabelValues("rejected")); v != 1 {
		t.Fatalf("rejected counter = %v", v)
	}
}

func TestMalformedMessagesDropped(t *testing.T) {
	tests := []struct {
		name    string
		handler string
		payload string
	}{
		{name: "ping bad json", handler: "ping", payload: `{"identifier":`},
		{name: "ping missing identifier", handler: "ping", payload: `{"timestamp":"2024-05-01T11:00:00Z"}`},
		{name: "ping bad timestamp", handler: "ping", payload: `{"identifier":"user1@acme.com","timestamp":"yesterday"}`},
		{name: "ping blank identifier", handler: "ping", payload: `{"identifier":"   "}`},
		{name: "disconnect bad json", handler: "disconnect", payload: `nope`},
		{name: "disconnect missing identifier", handler: "disconnect", payload: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, broker, registry := newTestGateway()
			if tt.handler == "ping" {
				g.HandlePing(context.Background(), []byte(tt.payload))
			} else {
				g.HandleDisconnect(context.Background(), []byte(tt.payload))
			}
			if len(registry.registered) != 0 || len(registry.removed) != 0 || len(broker.published) != 0 {
				t.Fatalf("malformed message reached registry or broker")
			}
			if v := testutil.ToFloat64(g.events.WithLabelValues("malformed")); v != 1 {
				t.Fatalf("malformed counter = %v", v)
			}
		})
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	g, _, registry := newTestGateway()
	registry.panicOn = "boom@acme.com"

	g.HandlePing(context.Background(), []byte(`{"identifier":"boom@acme.com"}`))

	if v := testutil.ToFloat64(g.events.WithLabelValues("panic")); v != 1 {
		t.Fatalf("panic counter = %v", v)
	}
}

func TestAckPublishFailureLogged(t *testing.T) {
	g, broker, _ := newTestGateway()
	broker.publishErr = errors.New("nats down")

	g.HandlePing(context.Background(), []byte(`{"identifier":"user1@acme.com"}`))

	if v := testutil.ToFloat64(g.events.WithLabelValues("ack")); v != 0 {
		t.Fatalf("ack counter = %v after failed publish", v)
	}
}
