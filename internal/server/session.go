package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/resonance/internal/chat"
)

// SessionState is the lifecycle position of a connection's session.
type SessionState int

const (
	// StateAuthenticated sessions are registered but their history replay
	// has not been queued yet. Broadcasts to them are held back.
	StateAuthenticated SessionState = iota + 1
	// StateActive sessions receive broadcasts directly.
	StateActive
	// StateClosed is terminal.
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "connecting"
	}
}

// pendingFrame is a broadcast held while the session awaits its replay.
// messageID is zero for frames that are not persisted messages.
type pendingFrame struct {
	messageID int64
	payload   []byte
}

// Session is the server-side state of one authenticated connection.
type Session struct {
	ConnID      string
	Identity    chat.Identity
	ConnectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      SessionState
	send       chan []byte
	pending    []pendingFrame
	queueSize  int
	closeCode  int
	closeText  string
	closedOnce sync.Once
}

func newSession(parent context.Context, connID string, identity chat.Identity, queueSize int, now time.Time) *Session {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ConnID:      connID,
		Identity:    identity,
		ConnectedAt: now,
		ctx:         ctx,
		cancel:      cancel,
		state:       StateAuthenticated,
		send:        make(chan []byte, queueSize),
		queueSize:   queueSize,
		closeCode:   websocket.CloseNormalClosure,
	}
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Outbound returns the session's queue of encoded frames. It is closed when
// the session closes.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// State reports the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CloseReason returns the WebSocket close code and text the transport should
// send once the outbound queue is closed.
func (s *Session) CloseReason() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeText
}

// deliver queues a broadcast frame. While the session is still awaiting its
// replay the frame is held in the pending buffer instead.
func (s *Session) deliver(payload []byte, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrSessionNotFound
	case StateAuthenticated:
		if len(s.pending) >= s.queueSize {
			return ErrSlowConsumer
		}
		s.pending = append(s.pending, pendingFrame{messageID: messageID, payload: payload})
		return nil
	default:
		return s.enqueueLocked(payload)
	}
}

// activate queues the history frame followed by every held broadcast that
// the replay does not already contain, then switches the session to
// StateActive.
func (s *Session) activate(historyFrame []byte, replay []chat.Message) error {
	var lastReplayed int64
	for _, msg := range replay {
		if msg.ID > lastReplayed {
			lastReplayed = msg.ID
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAuthenticated {
		return ErrSessionNotFound
	}
	if err := s.enqueueLocked(historyFrame); err != nil {
		return err
	}
	for _, frame := range s.pending {
		if frame.messageID != 0 && frame.messageID <= lastReplayed {
			continue
		}
		if err := s.enqueueLocked(frame.payload); err != nil {
			return err
		}
	}
	s.pending = nil
	s.state = StateActive
	return nil
}

func (s *Session) enqueueLocked(payload []byte) error {
	select {
	case s.send <- payload:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// close moves the session to StateClosed, cancels its context, and closes
// the outbound queue. Only the first call has any effect.
func (s *Session) close(code int, text string) bool {
	closed := false
	s.closedOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.closeCode = code
		s.closeText = text
		s.pending = nil
		close(s.send)
		s.mu.Unlock()
		s.cancel()
		closed = true
	})
	return closed
}
