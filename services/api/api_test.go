package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"alertrelay/pkg/bus"
	"alertrelay/services/credentials"
	"alertrelay/services/scheduler"
	"alertrelay/services/sessions"
)

type stubDirectory struct {
	ids map[string]bool
}

func (d *stubDirectory) Contains(id string) bool { return d.ids[strings.ToLower(id)] }
func (d *stubDirectory) Snapshot() []string {
	out := make([]string, 0, len(d.ids))
	for id := range d.ids {
		out = append(out, id)
	}
	return out
}
func (d *stubDirectory) LastRefresh() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }

type stubSessions struct {
	dir      *stubDirectory
	sessions map[string]sessions.Session
}

func (s *stubSessions) RegisterActive(_ context.Context, id string, _ *time.Time) bool {
	key := strings.ToLower(id)
	if !s.dir.Contains(key) {
		return false
	}
	s.sessions[key] = sessions.Session{Identifier: key, LastSeen: time.Now()}
	return true
}

func (s *stubSessions) List() []sessions.Session {
	out := make([]sessions.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *stubSessions) ListActive(time.Duration) []string {
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

type stubCredentials struct {
	configured bool
	setErr     error
	got        string
}

func (c *stubCredentials) IsConfigured() bool { return c.configured }
func (c *stubCredentials) Set(_ context.Context, token string) error {
	c.got = token
	if c.setErr == nil {
		c.configured = true
	}
	return c.setErr
}

type stubDaemon struct {
	mu      sync.Mutex
	running bool
}

func (d *stubDaemon) Start() { d.mu.Lock(); d.running = true; d.mu.Unlock() }
func (d *stubDaemon) Stop()  { d.mu.Lock(); d.running = false; d.mu.Unlock() }
func (d *stubDaemon) Status() scheduler.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	state := scheduler.StatePaused
	if d.running {
		state = scheduler.StateIdle
	}
	return scheduler.Status{State: state, Running: d.running, Cycles: 3}
}

type stubPublisher struct {
	topic   string
	payload any
	err     error
}

func (p *stubPublisher) Publish(_ context.Context, topic string, v any) error {
	if p.err != nil {
		return p.err
	}
	if _, err := bus.Subject(topic); err != nil {
		return err
	}
	p.topic, p.payload = topic, v
	return nil
}

type fixture struct {
	srv       *httptest.Server
	dir       *stubDirectory
	sessions  *stubSessions
	creds     *stubCredentials
	daemon    *stubDaemon
	publisher *stubPublisher
	readyErr  error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dir:       &stubDirectory{ids: map[string]bool{"user1@acme.com": true, "user2@acme.com": true, "+15551234567": true}},
		creds:     &stubCredentials{},
		daemon:    &stubDaemon{},
		publisher: &stubPublisher{},
	}
	f.sessions = &stubSessions{dir: f.dir, sessions: map[string]sessions.Session{}}

	a, err := New(Config{}, Deps{
		Directory:   f.dir,
		Sessions:    f.sessions,
		Credentials: f.creds,
		Daemon:      f.daemon,
		Publisher:   f.publisher,
		Ready:       func(context.Context) error { return f.readyErr },
		Metrics:     http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.srv = httptest.NewServer(a.Routes())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestLogin(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantUser   User
	}{
		{name: "email", body: `{"identifier":"user1@acme.com"}`, wantStatus: http.StatusOK, wantUser: User{Name: "user1@acme.com", Email: "user1@acme.com"}},
		{name: "phone", body: `{"identifier":"+15551234567"}`, wantStatus: http.StatusOK, wantUser: User{Name: "+15551234567", Phone: "+15551234567"}},
		{name: "unknown", body: `{"identifier":"ghost@acme.com"}`, wantStatus: http.StatusNotFound},
		{name: "empty", body: `{"identifier":"  "}`, wantStatus: http.StatusBadRequest},
		{name: "bad json", body: `{`, wantStatus: http.StatusBadRequest},
		{name: "unknown field", body: `{"id":"x"}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			resp := f.post(t, "/api/auth/login", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			if got := decode[User](t, resp); got != tt.wantUser {
				t.Fatalf("user = %+v, want %+v", got, tt.wantUser)
			}
		})
	}
}

func TestConnectionCheck(t *testing.T) {
	f := newFixture(t)
	f.post(t, "/api/auth/login", `{"identifier":"user1@acme.com"}`)

	resp := f.post(t, "/api/connection/check",
		`[{"email":"user1@acme.com"},{"email":"user2@acme.com"},{"phoneNumber":"+19999999999"}]`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[ConnectionCheckResponse](t, resp)
	want := []string{CheckNotification, CheckNone, CheckUnknown}
	if len(got.Phones) != len(want) {
		t.Fatalf("phones = %+v", got.Phones)
	}
	for i, w := range want {
		if got.Phones[i].Check != w {
			t.Fatalf("phones[%d].check = %q, want %q", i, got.Phones[i].Check, w)
		}
	}

	if resp := f.post(t, "/api/connection/check", `[]`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty list status = %d, want 400", resp.StatusCode)
	}
}

func TestSessionsView(t *testing.T) {
	f := newFixture(t)
	f.post(t, "/api/auth/login", `{"identifier":"user1@acme.com"}`)

	views := decode[[]SessionView](t, f.get(t, "/api/sessions"))
	if len(views) != 1 || views[0].Identifier != "user1@acme.com" || !views[0].Active {
		t.Fatalf("sessions = %+v", views)
	}
}

func TestSetToken(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		setErr     error
		wantStatus int
	}{
		{name: "accepted", body: `{"token":"good"}`, wantStatus: http.StatusOK},
		{name: "rejected", body: `{"token":"bad"}`, setErr: fmt.Errorf("%w: 401", credentials.ErrInvalidToken), wantStatus: http.StatusBadRequest},
		{name: "persist failure", body: `{"token":"good"}`, setErr: errors.New("disk full"), wantStatus: http.StatusInternalServerError},
		{name: "blank", body: `{"token":" "}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.creds.setErr = tt.setErr
			resp := f.post(t, "/api/settings/token", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestNotify(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/api/notify", `{"topic":"user.user1@acme.com","message":{"title":"hi"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if f.publisher.topic != "user/user1@acme/com" {
		t.Fatalf("topic = %q", f.publisher.topic)
	}
	raw, ok := f.publisher.payload.(json.RawMessage)
	if !ok || string(raw) != `{"title":"hi"}` {
		t.Fatalf("payload = %#v", f.publisher.payload)
	}

	if resp := f.post(t, "/api/notify", `{"topic":"user/a"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing message status = %d", resp.StatusCode)
	}
	if resp := f.post(t, "/api/notify", `{"topic":"user/*","message":1}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("wildcard topic status = %d", resp.StatusCode)
	}

	f.publisher.err = errors.New("nats down")
	if resp := f.post(t, "/api/notify", `{"topic":"user/a","message":1}`); resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("publish failure status = %d", resp.StatusCode)
	}
}

func TestProbes(t *testing.T) {
	f := newFixture(t)
	if resp := f.get(t, "/healthz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
	if resp := f.get(t, "/readyz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz = %d", resp.StatusCode)
	}
	f.readyErr = errors.New("nats disconnected")
	if resp := f.get(t, "/readyz"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz with error = %d", resp.StatusCode)
	}
	if resp := f.get(t, "/metrics"); resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
}

func TestClientRoundTrip(t *testing.T) {
	f := newFixture(t)
	client := NewClient(f.srv.URL+"/", f.srv.Client())
	ctx := context.Background()

	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	st, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !st.Running || st.State != scheduler.StateIdle || st.Cycles != 3 {
		t.Fatalf("Status() = %+v", st)
	}
	if err := client.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if st, _ := client.Status(ctx); st.Running {
		t.Fatal("still running after Stop()")
	}

	if err := client.SetToken(ctx, "good"); err != nil {
		t.Fatalf("SetToken() error = %v", err)
	}
	ts, err := client.TokenStatus(ctx)
	if err != nil || !ts.IsConfigured {
		t.Fatalf("TokenStatus() = %+v, %v", ts, err)
	}

	f.creds.setErr = credentials.ErrInvalidToken
	if err := client.SetToken(ctx, "bad"); err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("SetToken(bad) error = %v", err)
	}

	users, err := client.Users(ctx)
	if err != nil || users.Count != 3 {
		t.Fatalf("Users() = %+v, %v", users, err)
	}
	if _, err := client.Sessions(ctx); err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
}

func TestNewValidatesDeps(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatal("New() with no deps succeeded")
	}
}
