// Package historytest holds the behaviour every history.Store backend must
// share, run from each backend's tests.
package historytest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/resonance/internal/chat"
	"github.com/Tyrowin/resonance/internal/history"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) history.Store

var (
	alice = chat.Identity{ID: "1", DisplayName: "alice", Color: "#ff0000", AvatarRef: "alice.png"}
	bob   = chat.Identity{ID: "2", DisplayName: "bob", Color: "#0000ff"}
)

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("empty store reads no messages", func(t *testing.T) {
		store := open(t, newStore)
		msgs, err := store.ReadAllOrdered(context.Background())
		if err != nil {
			t.Fatalf("ReadAllOrdered() error = %v", err)
		}
		if len(msgs) != 0 {
			t.Errorf("Expected empty history, got %d messages", len(msgs))
		}
	})

	t.Run("append assigns increasing ids", func(t *testing.T) {
		store := open(t, newStore)
		base := time.Now()

		var last int64
		for i := 0; i < 5; i++ {
			msg, err := store.Append(context.Background(), alice, fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Millisecond))
			if err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			if msg.ID <= last {
				t.Errorf("Expected id greater than %d, got %d", last, msg.ID)
			}
			last = msg.ID
		}
	})

	t.Run("read returns persisted order and sender snapshot", func(t *testing.T) {
		store := open(t, newStore)
		base := time.Now()

		first, err := store.Append(context.Background(), alice, "hi", base)
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		second, err := store.Append(context.Background(), bob, "yo", base.Add(time.Millisecond))
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}

		msgs, err := store.ReadAllOrdered(context.Background())
		if err != nil {
			t.Fatalf("ReadAllOrdered() error = %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("Expected 2 messages, got %d", len(msgs))
		}
		assertMessage(t, msgs[0], first)
		assertMessage(t, msgs[1], second)
		if msgs[0].Sender != alice {
			t.Errorf("Expected sender %+v, got %+v", alice, msgs[0].Sender)
		}
		if msgs[1].Sender != bob {
			t.Errorf("Expected sender %+v, got %+v", bob, msgs[1].Sender)
		}
	})

	t.Run("equal timestamps keep append order", func(t *testing.T) {
		store := open(t, newStore)
		ts := time.Now()

		var want []int64
		for i := 0; i < 3; i++ {
			msg, err := store.Append(context.Background(), bob, fmt.Sprintf("tie%d", i), ts)
			if err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			want = append(want, msg.ID)
		}

		msgs, err := store.ReadAllOrdered(context.Background())
		if err != nil {
			t.Fatalf("ReadAllOrdered() error = %v", err)
		}
		if len(msgs) != len(want) {
			t.Fatalf("Expected %d messages, got %d", len(want), len(msgs))
		}
		for i, msg := range msgs {
			if msg.ID != want[i] {
				t.Errorf("Position %d: expected id %d, got %d", i, want[i], msg.ID)
			}
		}
	})

	t.Run("concurrent appends get unique ids", func(t *testing.T) {
		store := open(t, newStore)
		const writers, perWriter = 4, 10

		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			ids = make(map[int64]bool)
		)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					msg, err := store.Append(context.Background(), alice, fmt.Sprintf("w%d-%d", w, i), time.Now())
					if err != nil {
						t.Errorf("Append() error = %v", err)
						return
					}
					mu.Lock()
					if ids[msg.ID] {
						t.Errorf("Duplicate id %d", msg.ID)
					}
					ids[msg.ID] = true
					mu.Unlock()
				}
			}(w)
		}
		wg.Wait()

		msgs, err := store.ReadAllOrdered(context.Background())
		if err != nil {
			t.Fatalf("ReadAllOrdered() error = %v", err)
		}
		if len(msgs) != writers*perWriter {
			t.Errorf("Expected %d messages, got %d", writers*perWriter, len(msgs))
		}
	})
}

func open(t *testing.T, newStore Factory) history.Store {
	t.Helper()
	store := newStore(t)
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Logf("Close() error: %v", err)
		}
	})
	return store
}

func assertMessage(t *testing.T, got, want chat.Message) {
	t.Helper()
	if got.ID != want.ID {
		t.Errorf("Expected id %d, got %d", want.ID, got.ID)
	}
	if got.Body != want.Body {
		t.Errorf("Expected body %q, got %q", want.Body, got.Body)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("Expected timestamp %v, got %v", want.CreatedAt, got.CreatedAt)
	}
}
