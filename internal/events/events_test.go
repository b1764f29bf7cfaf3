package events_test

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Tyrowin/resonance/internal/chat"
	"github.com/Tyrowin/resonance/internal/events"
)

func TestNopPublisher(t *testing.T) {
	var p events.Publisher = events.NopPublisher{}
	if err := p.Publish(context.Background(), chat.Message{ID: 1}); err != nil {
		t.Errorf("Publish() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNewNATSPublisherRequiresServers(t *testing.T) {
	if _, err := events.NewNATSPublisher(events.NATSConfig{}, nil); err == nil {
		t.Error("Expected error when no servers are configured")
	}
}

func TestNATSPublisherDeliversMessages(t *testing.T) {
	url := os.Getenv("RESONANCE_TEST_NATS_URL")
	if url == "" {
		t.Skip("RESONANCE_TEST_NATS_URL not set")
	}

	subject := "resonance.test." + strings.ReplaceAll(t.Name(), "/", ".")
	pub, err := events.NewNATSPublisher(events.NATSConfig{Servers: []string{url}, Subject: subject}, nil)
	if err != nil {
		t.Fatalf("NewNATSPublisher() error = %v", err)
	}
	defer func() { _ = pub.Close() }()

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("nats.Connect() error = %v", err)
	}
	defer nc.Close()

	sub, err := nc.SubscribeSync(subject)
	if err != nil {
		t.Fatalf("SubscribeSync() error = %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	want := chat.Message{
		ID:        7,
		Body:      "hello",
		Sender:    chat.Identity{ID: "u1", DisplayName: "alice", Color: "#fff"},
		CreatedAt: time.Now().UTC(),
	}
	if err := pub.Publish(context.Background(), want); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	got, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg() error = %v", err)
	}
	if sender := got.Header.Get("Resonance-Sender"); sender != "u1" {
		t.Errorf("Expected sender header u1, got %q", sender)
	}
	var decoded chat.Message
	if err := json.Unmarshal(got.Data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.ID != want.ID || decoded.Body != want.Body {
		t.Errorf("Expected %+v, got %+v", want, decoded)
	}
}
