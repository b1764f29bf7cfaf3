package server

import (
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/resonance/internal/chat"
)

// TypingSignal is the latest typing notice from one identity.
type TypingSignal struct {
	Identity   chat.Identity
	ConnID     string
	ReceivedAt time.Time
}

type typingEntry struct {
	signal     TypingSignal
	timer      *time.Timer
	generation uint64
}

// Tracker remembers who is typing. Each identity has its own expiry timer
// that is restarted on every Touch; once it fires without renewal the entry
// is dropped and the expiry callback runs.
type Tracker struct {
	mu       sync.Mutex
	window   time.Duration
	entries  map[string]*typingEntry
	onExpire func(TypingSignal)
	now      func() time.Time
	stopped  bool
}

// NewTracker returns a tracker whose signals last window. onExpire may be
// nil; it is called without the tracker lock held.
func NewTracker(window time.Duration, onExpire func(TypingSignal)) *Tracker {
	if window <= 0 {
		window = defaultTypingWindow
	}
	return &Tracker{
		window:   window,
		entries:  make(map[string]*typingEntry),
		onExpire: onExpire,
		now:      time.Now,
	}
}

// Touch records that identity is typing on connID, replacing any earlier
// signal from the same identity.
func (t *Tracker) Touch(identity chat.Identity, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}

	entry, ok := t.entries[identity.ID]
	if !ok {
		entry = &typingEntry{}
		t.entries[identity.ID] = entry
	} else if entry.timer != nil {
		entry.timer.Stop()
	}

	entry.generation++
	entry.signal = TypingSignal{Identity: identity, ConnID: connID, ReceivedAt: t.now()}

	id, generation := identity.ID, entry.generation
	entry.timer = time.AfterFunc(t.window, func() {
		t.expire(id, generation)
	})
}

func (t *Tracker) expire(identityID string, generation uint64) {
	t.mu.Lock()
	entry, ok := t.entries[identityID]
	// a renewed entry has a newer generation and its own timer
	if !ok || entry.generation != generation || t.stopped {
		t.mu.Unlock()
		return
	}
	delete(t.entries, identityID)
	signal := entry.signal
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire(signal)
	}
}

// ActiveTypers lists the identities currently typing, ordered by ID,
// leaving out excludeID.
func (t *Tracker) ActiveTypers(excludeID string) []chat.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()

	typers := make([]chat.Identity, 0, len(t.entries))
	for id, entry := range t.entries {
		if id == excludeID {
			continue
		}
		typers = append(typers, entry.signal.Identity)
	}
	sort.Slice(typers, func(i, j int) bool { return typers[i].ID < typers[j].ID })
	return typers
}

// Stop cancels every pending timer. Later calls to Touch are ignored.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	for id, entry := range t.entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(t.entries, id)
	}
}
