package server_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/Tyrowin/resonance/internal/auth"
	"github.com/Tyrowin/resonance/internal/chat"
	"github.com/Tyrowin/resonance/internal/history"
	"github.com/Tyrowin/resonance/internal/server"
)

const (
	testSecret = "test-secret"
	testOrigin = "http://localhost:8080"
)

var (
	alice = chat.Identity{ID: "1", DisplayName: "alice", Color: "#ff0000"}
	bob   = chat.Identity{ID: "2", DisplayName: "bob", Color: "#00ff00"}
	carol = chat.Identity{ID: "3", DisplayName: "carol", Color: "#0000ff", AvatarRef: "carol.png"}
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testEvent is the union of every outbound frame shape.
type testEvent struct {
	Type      string         `json:"type"`
	Messages  []chat.Message `json:"messages"`
	Message   chat.Message   `json:"message"`
	Identity  chat.Identity  `json:"identity"`
	Reason    string         `json:"reason"`
	ClientRef string         `json:"clientRef"`
}

// failingStore wraps a store and fails operations while the flags are set.
type failingStore struct {
	history.Store

	mu         sync.Mutex
	failAppend bool
	failRead   bool
}

var errInjected = errors.New("injected failure")

func (s *failingStore) setFailAppend(fail bool) {
	s.mu.Lock()
	s.failAppend = fail
	s.mu.Unlock()
}

func (s *failingStore) setFailRead(fail bool) {
	s.mu.Lock()
	s.failRead = fail
	s.mu.Unlock()
}

func (s *failingStore) Append(ctx context.Context, sender chat.Identity, body string, ts time.Time) (chat.Message, error) {
	s.mu.Lock()
	fail := s.failAppend
	s.mu.Unlock()
	if fail {
		return chat.Message{}, errors.Wrap(history.ErrStorage, errInjected.Error())
	}
	return s.Store.Append(ctx, sender, body, ts)
}

func (s *failingStore) ReadAllOrdered(ctx context.Context) ([]chat.Message, error) {
	s.mu.Lock()
	fail := s.failRead
	s.mu.Unlock()
	if fail {
		return nil, errors.Wrap(history.ErrStorage, errInjected.Error())
	}
	return s.Store.ReadAllOrdered(ctx)
}

type testEnv struct {
	gateway *server.Gateway
	store   *failingStore
	issuer  *auth.Issuer
}

func newTestEnv(t *testing.T, customize func(cfg *server.Config)) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, history.NewMemoryStore(), customize)
}

func newTestEnvWithStore(t *testing.T, inner history.Store, customize func(cfg *server.Config)) *testEnv {
	t.Helper()

	opts := auth.DefaultOptions([]byte(testSecret))
	verifier, err := auth.NewJWTVerifier(opts)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	issuer, err := auth.NewIssuer(opts)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{testOrigin}
	cfg.RateLimit.Burst = 100
	cfg.TypingWindow = 100 * time.Millisecond
	if customize != nil {
		customize(cfg)
	}

	store := &failingStore{Store: inner}
	gw, err := server.NewGateway(server.GatewayOptions{
		Verifier: verifier,
		Store:    store,
		Config:   *cfg,
	})
	if err != nil {
		t.Fatalf("NewGateway() error = %v", err)
	}
	go gw.Run()
	t.Cleanup(func() {
		if err := gw.Shutdown(2 * time.Second); err != nil {
			t.Logf("Shutdown() error: %v", err)
		}
	})

	return &testEnv{gateway: gw, store: store, issuer: issuer}
}

func (e *testEnv) token(t *testing.T, identity chat.Identity) string {
	t.Helper()
	token, _, err := e.issuer.Issue(identity)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return token
}

// connect admits a session directly through the gateway API.
func (e *testEnv) connect(t *testing.T, connID string, identity chat.Identity) *server.Session {
	t.Helper()
	session, err := e.gateway.Connect(context.Background(), connID, e.token(t, identity))
	if err != nil {
		t.Fatalf("Connect(%s) error = %v", connID, err)
	}
	return session
}

func (e *testEnv) startHTTP(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(server.SetupRoutes(e.gateway))
	t.Cleanup(srv.Close)
	return srv
}

// nextEvent reads one queued frame from a session's outbound queue.
func nextEvent(t *testing.T, session *server.Session) testEvent {
	t.Helper()
	select {
	case frame, ok := <-session.Outbound():
		if !ok {
			t.Fatalf("Outbound queue of %s closed", session.ConnID)
		}
		var ev testEvent
		if err := json.Unmarshal(frame, &ev); err != nil {
			t.Fatalf("Failed to decode frame %s: %v", frame, err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for a frame on %s", session.ConnID)
	}
	return testEvent{}
}

// expectNoEvent asserts the session's queue stays empty for d.
func expectNoEvent(t *testing.T, session *server.Session, d time.Duration) {
	t.Helper()
	select {
	case frame, ok := <-session.Outbound():
		if ok {
			t.Fatalf("Expected no frame on %s, got %s", session.ConnID, frame)
		}
	case <-time.After(d):
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func dial(t *testing.T, url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Origin") == "" {
		header.Set("Origin", testOrigin)
	}
	return dialer.Dial(url, header)
}

// dialAs opens a WebSocket authenticated as identity and consumes the
// history frame, which it returns.
func (e *testEnv) dialAs(t *testing.T, srv *httptest.Server, identity chat.Identity) (*websocket.Conn, []chat.Message) {
	t.Helper()
	conn, resp, err := dial(t, wsURL(srv.URL)+"?token="+e.token(t, identity), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to connect as %s: %v", identity.DisplayName, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	ev := readEvent(t, conn)
	if ev.Type != "message_history" {
		t.Fatalf("Expected message_history first, got %q", ev.Type)
	}
	return conn, ev.Messages
}

func readEvent(t *testing.T, conn *websocket.Conn) testEvent {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	var ev testEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	return ev
}

// readEventOfType skips frames of other types, such as typing relays.
func readEventOfType(t *testing.T, conn *websocket.Conn, kind string) testEvent {
	t.Helper()
	for i := 0; i < 20; i++ {
		ev := readEvent(t, conn)
		if ev.Type == kind {
			return ev
		}
	}
	t.Fatalf("No %q event within 20 frames", kind)
	return testEvent{}
}

func expectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no message, but received %s", data)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of message: %v", err)
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]string) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
}

func bodies(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
