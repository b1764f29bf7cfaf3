package server_test

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/resonance/internal/server"
)

// TestThreeUserScenario walks two users chatting while a third is typing,
// then a latecomer joining and receiving the same history.
func TestThreeUserScenario(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.Config) { cfg.TypingStoppedEvents = false })
	srv := env.startHTTP(t)

	connA, historyA := env.dialAs(t, srv, alice)
	connB, historyB := env.dialAs(t, srv, bob)
	if len(historyA) != 0 || len(historyB) != 0 {
		t.Fatalf("Expected empty history, got %d and %d", len(historyA), len(historyB))
	}

	sendFrame(t, connA, map[string]string{"type": "send", "body": "hi bob"})
	for _, conn := range []*websocket.Conn{connA, connB} {
		ev := readEvent(t, conn)
		if ev.Type != "message" || ev.Message.Body != "hi bob" || ev.Message.Sender.DisplayName != "alice" {
			t.Fatalf("Unexpected event %+v", ev)
		}
	}

	sendFrame(t, connB, map[string]string{"type": "typing"})
	if ev := readEvent(t, connA); ev.Type != "typing" || ev.Identity.DisplayName != "bob" {
		t.Fatalf("Expected typing from bob, got %+v", ev)
	}

	sendFrame(t, connB, map[string]string{"type": "send", "body": "hey alice"})
	for _, conn := range []*websocket.Conn{connA, connB} {
		if ev := readEvent(t, conn); ev.Message.Body != "hey alice" {
			t.Fatalf("Expected hey alice, got %+v", ev)
		}
	}

	_, historyC := env.dialAs(t, srv, carol)
	got := bodies(historyC)
	if len(got) != 2 || got[0] != "hi bob" || got[1] != "hey alice" {
		t.Fatalf("Expected carol's replay [hi bob, hey alice], got %v", got)
	}
	if historyC[0].ID >= historyC[1].ID {
		t.Errorf("Expected ascending ids, got %d then %d", historyC[0].ID, historyC[1].ID)
	}

	expectNoMessage(t, connB, 150*time.Millisecond)
}

func TestWebSocketIgnoresClaimedIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := env.startHTTP(t)

	connA, _ := env.dialAs(t, srv, alice)
	connB, _ := env.dialAs(t, srv, bob)

	if err := connA.WriteJSON(map[string]interface{}{
		"type":   "send",
		"body":   "spoof",
		"sender": map[string]string{"id": bob.ID, "displayName": "bob"},
	}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if ev := readEvent(t, connB); ev.Message.Sender != alice {
		t.Errorf("Expected sender alice, got %+v", ev.Message.Sender)
	}
}

func TestWebSocketWhitespaceSendProducesNothing(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := env.startHTTP(t)

	connA, _ := env.dialAs(t, srv, alice)
	connB, _ := env.dialAs(t, srv, bob)

	sendFrame(t, connA, map[string]string{"type": "send", "body": "   \n\t"})
	expectNoMessage(t, connB, 150*time.Millisecond)
	expectNoMessage(t, connA, 50*time.Millisecond)
}

func TestWebSocketRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := env.startHTTP(t)

	for name, url := range map[string]string{
		"missing token": wsURL(srv.URL),
		"garbage token": wsURL(srv.URL) + "?token=not-a-jwt",
	} {
		t.Run(name, func(t *testing.T) {
			conn, resp, err := dial(t, url, nil)
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			if err != nil {
				t.Fatalf("Expected the upgrade to succeed, got %v", err)
			}
			defer func() { _ = conn.Close() }()

			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _, err = conn.ReadMessage()
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Errorf("Expected close 1008, got %v", err)
			}
		})
	}

	if n := env.gateway.Registry().Len(); n != 0 {
		t.Errorf("Expected no sessions, got %d", n)
	}
}

func TestWebSocketCredentialSources(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := env.startHTTP(t)
	token := env.token(t, alice)

	t.Run("authorization header", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		conn, resp, err := dial(t, wsURL(srv.URL), header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		defer func() { _ = conn.Close() }()
		if ev := readEvent(t, conn); ev.Type != "message_history" {
			t.Errorf("Expected message_history, got %q", ev.Type)
		}
	})

	t.Run("subprotocol", func(t *testing.T) {
		dialer := websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
			Subprotocols:     []string{"bearer", token},
		}
		header := http.Header{}
		header.Set("Origin", testOrigin)
		conn, resp, err := dialer.Dial(wsURL(srv.URL), header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		defer func() { _ = conn.Close() }()
		if conn.Subprotocol() != "bearer" {
			t.Errorf("Expected negotiated subprotocol bearer, got %q", conn.Subprotocol())
		}
		if ev := readEvent(t, conn); ev.Type != "message_history" {
			t.Errorf("Expected message_history, got %q", ev.Type)
		}
	})
}

func TestWebSocketOriginValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := env.startHTTP(t)
	url := wsURL(srv.URL) + "?token=" + env.token(t, alice)

	for name, origin := range map[string]string{
		"disallowed origin": "http://evil.example",
		"malformed origin":  "not a url",
	} {
		t.Run(name, func(t *testing.T) {
			header := http.Header{}
			header.Set("Origin", origin)
			conn, resp, err := dial(t, url, header)
			if err == nil {
				_ = conn.Close()
				t.Fatal("Expected the handshake to fail")
			}
			if resp == nil {
				t.Fatalf("Expected an HTTP response, got %v", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusForbidden {
				t.Errorf("Expected status %d, got %d", http.StatusForbidden, resp.StatusCode)
			}
		})
	}
}

func TestWebSocketMessageSizeLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.Config) { cfg.MaxMessageSize = 128 })
	srv := env.startHTTP(t)

	connA, _ := env.dialAs(t, srv, alice)
	sendFrame(t, connA, map[string]string{"type": "send", "body": strings.Repeat("x", 512)})

	_ = connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := connA.ReadMessage(); err == nil {
		t.Fatal("Expected the oversized frame to close the connection")
	}
	waitFor(t, "session removal", func() bool { return env.gateway.Registry().Len() == 0 })
}

func TestWebSocketRateLimiting(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.Config) {
		cfg.RateLimit = server.RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	})
	srv := env.startHTTP(t)

	connA, _ := env.dialAs(t, srv, alice)
	for i := 0; i < 4; i++ {
		sendFrame(t, connA, map[string]string{"type": "send", "body": "spam"})
	}

	for i := 0; i < 2; i++ {
		if ev := readEvent(t, connA); ev.Type != "message" {
			t.Fatalf("Expected message, got %q", ev.Type)
		}
	}
	expectNoMessage(t, connA, 150*time.Millisecond)
}

func TestWebSocketDisconnectDeregisters(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := env.startHTTP(t)

	connA, _ := env.dialAs(t, srv, alice)
	connB, _ := env.dialAs(t, srv, bob)
	waitFor(t, "two sessions", func() bool { return env.gateway.Registry().Len() == 2 })

	_ = connA.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = connA.Close()

	waitFor(t, "one session", func() bool { return env.gateway.Registry().Len() == 1 })
	expectNoMessage(t, connB, 150*time.Millisecond)
}

func TestWebSocketShutdownClosesClients(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := env.startHTTP(t)

	connA, _ := env.dialAs(t, srv, alice)

	if err := env.gateway.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	_ = connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := connA.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("Expected close 1001, got %v", err)
	}
}
