package server_test

import (
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/resonance/internal/server"
)

func TestTrackerTouchAndExpire(t *testing.T) {
	expired := make(chan server.TypingSignal, 4)
	tracker := server.NewTracker(30*time.Millisecond, func(sig server.TypingSignal) {
		expired <- sig
	})
	defer tracker.Stop()

	tracker.Touch(alice, "a")
	if typers := tracker.ActiveTypers(""); len(typers) != 1 || typers[0] != alice {
		t.Fatalf("Expected alice typing, got %+v", typers)
	}

	select {
	case sig := <-expired:
		if sig.Identity != alice || sig.ConnID != "a" {
			t.Errorf("Unexpected expiry signal %+v", sig)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for expiry")
	}
	if typers := tracker.ActiveTypers(""); len(typers) != 0 {
		t.Errorf("Expected no typers after expiry, got %+v", typers)
	}
}

func TestTrackerRenewalExtendsWindow(t *testing.T) {
	var (
		mu      sync.Mutex
		expires int
	)
	tracker := server.NewTracker(80*time.Millisecond, func(server.TypingSignal) {
		mu.Lock()
		expires++
		mu.Unlock()
	})
	defer tracker.Stop()

	for i := 0; i < 5; i++ {
		tracker.Touch(alice, "a")
		time.Sleep(20 * time.Millisecond)
	}
	if typers := tracker.ActiveTypers(""); len(typers) != 1 {
		t.Errorf("Expected alice still typing after renewals, got %+v", typers)
	}

	waitFor(t, "single expiry", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return expires == 1
	})
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if expires != 1 {
		t.Errorf("Expected exactly one expiry, got %d", expires)
	}
}

func TestTrackerIdentitiesAreIndependent(t *testing.T) {
	tracker := server.NewTracker(time.Second, nil)
	defer tracker.Stop()

	tracker.Touch(bob, "b")
	tracker.Touch(alice, "a")
	tracker.Touch(alice, "a2")

	typers := tracker.ActiveTypers("")
	if len(typers) != 2 || typers[0] != alice || typers[1] != bob {
		t.Errorf("Expected [alice bob], got %+v", typers)
	}
	if others := tracker.ActiveTypers(bob.ID); len(others) != 1 || others[0] != alice {
		t.Errorf("Expected [alice] excluding bob, got %+v", others)
	}
}

func TestTrackerStopCancelsTimers(t *testing.T) {
	fired := make(chan struct{}, 1)
	tracker := server.NewTracker(20*time.Millisecond, func(server.TypingSignal) {
		fired <- struct{}{}
	})

	tracker.Touch(alice, "a")
	tracker.Stop()
	tracker.Touch(bob, "b")

	select {
	case <-fired:
		t.Error("Expected no expiry after Stop")
	case <-time.After(80 * time.Millisecond):
	}
	if typers := tracker.ActiveTypers(""); len(typers) != 0 {
		t.Errorf("Expected no typers after Stop, got %+v", typers)
	}
}
