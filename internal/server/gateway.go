package server

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/resonance/internal/auth"
	"github.com/Tyrowin/resonance/internal/chat"
	"github.com/Tyrowin/resonance/internal/events"
	"github.com/Tyrowin/resonance/internal/history"
)

const publishTimeout = 2 * time.Second

// GatewayOptions wires a Gateway to its collaborators. Verifier and Store
// are required.
type GatewayOptions struct {
	Verifier  auth.Verifier
	Store     history.Store
	Publisher events.Publisher
	Logger    *zap.Logger
	Metrics   *Metrics
	Config    Config

	// Now overrides the clock used to timestamp messages.
	Now func() time.Time
}

// sendRequest is a persisted-broadcast job for the sequencer.
type sendRequest struct {
	ctx       context.Context
	session   *Session
	body      string
	clientRef string
	result    chan error
}

// Gateway admits authenticated connections, replays history to them, and
// broadcasts messages and typing signals between sessions.
//
// All sends go through a single goroutine (Run) that appends to the store
// and fans the stored message out before taking the next one, so every
// session observes the same order, and that order is the store's.
type Gateway struct {
	verifier  auth.Verifier
	store     history.Store
	publisher events.Publisher
	logger    *zap.Logger
	metrics   *Metrics
	cfg       Config
	now       func() time.Time

	registry *Registry
	tracker  *Tracker

	requests chan sendRequest
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	started  sync.Once

	trackMu  sync.Mutex
	draining bool
	wg       sync.WaitGroup

	// lastStamp is only touched by the Run goroutine.
	lastStamp time.Time
}

// NewGateway validates opts and builds a gateway. Call Run before accepting
// sends.
func NewGateway(opts GatewayOptions) (*Gateway, error) {
	if opts.Verifier == nil {
		return nil, errors.New("gateway: verifier is required")
	}
	if opts.Store == nil {
		return nil, errors.New("gateway: store is required")
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		verifier:  opts.Verifier,
		store:     opts.Store,
		publisher: opts.Publisher,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		cfg:       sanitizeConfig(opts.Config),
		now:       opts.Now,
		registry:  NewRegistry(),
		requests:  make(chan sendRequest),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	g.tracker = NewTracker(g.cfg.TypingWindow, g.typingExpired)
	return g, nil
}

// Registry exposes the live session set.
func (g *Gateway) Registry() *Registry { return g.registry }

// Tracker exposes the typing tracker.
func (g *Gateway) Tracker() *Tracker { return g.tracker }

// Metrics returns the gateway's collectors.
func (g *Gateway) Metrics() *Metrics { return g.metrics }

// Store returns the history store the gateway persists to.
func (g *Gateway) Store() history.Store { return g.store }

// Verifier returns the credential verifier used on connect.
func (g *Gateway) Verifier() auth.Verifier { return g.verifier }

// Run is the sequencer loop. It returns after Shutdown.
func (g *Gateway) Run() {
	g.started.Do(func() {
		defer close(g.done)

		for {
			select {
			case <-g.ctx.Done():
				g.shutdownSessions()
				return
			case req := <-g.requests:
				req.result <- g.persistAndBroadcast(req)
			}
		}
	})
}

// Connect verifies credential and admits a session for connID. The returned
// session already has the history replay queued, followed by any broadcast
// that arrived meanwhile.
func (g *Gateway) Connect(ctx context.Context, connID, credential string) (*Session, error) {
	if g.ctx.Err() != nil {
		return nil, ErrGatewayClosed
	}

	identity, err := g.verifier.Verify(ctx, credential)
	if err != nil {
		g.metrics.connects.WithLabelValues("unauthenticated").Inc()
		g.logger.Info("connection rejected", zap.String("conn_id", connID), zap.Error(err))
		return nil, err
	}

	session := newSession(g.ctx, connID, identity, g.cfg.SendQueueSize, g.now())
	if err := g.registry.Add(session); err != nil {
		session.close(websocket.CloseGoingAway, "server shutting down")
		return nil, err
	}
	g.metrics.sessions.Inc()

	log := g.logger.With(zap.String("conn_id", connID), zap.String("user_id", identity.ID))

	replay, err := g.store.ReadAllOrdered(session.Context())
	if err != nil {
		g.metrics.storeFailures.Inc()
		g.metrics.connects.WithLabelValues("history_error").Inc()
		log.Error("history replay failed", zap.Error(err))
		g.disconnect(connID, websocket.CloseInternalServerErr, "history unavailable")
		return nil, err
	}

	frame, err := encodeHistory(replay)
	if err != nil {
		g.disconnect(connID, websocket.CloseInternalServerErr, "history unavailable")
		return nil, errors.Wrap(err, "encode history")
	}
	if err := session.activate(frame, replay); err != nil {
		if errors.Is(err, ErrSlowConsumer) {
			g.metrics.slowConsumers.Inc()
			g.disconnect(connID, websocket.CloseTryAgainLater, "slow consumer")
		}
		return nil, err
	}

	g.metrics.connects.WithLabelValues("accepted").Inc()
	log.Info("session active",
		zap.String("display_name", identity.DisplayName),
		zap.Int("replayed", len(replay)),
		zap.Int("sessions", g.registry.Len()))
	return session, nil
}

// Disconnect deregisters connID and closes its outbound queue. It is safe to
// call repeatedly and for unknown handles. Nothing is broadcast.
func (g *Gateway) Disconnect(connID string) {
	g.disconnect(connID, websocket.CloseNormalClosure, "")
}

func (g *Gateway) disconnect(connID string, code int, text string) {
	session, ok := g.registry.Remove(connID)
	if !ok {
		return
	}
	if session.close(code, text) {
		g.metrics.sessions.Dec()
		g.logger.Info("session closed",
			zap.String("conn_id", connID),
			zap.String("user_id", session.Identity.ID),
			zap.Int("code", code),
			zap.Int("sessions", g.registry.Len()))
	}
}

// SendMessage persists body on behalf of connID's identity and broadcasts
// it to every session, sender included. It blocks until the message has
// been handed to every queue or the attempt failed.
func (g *Gateway) SendMessage(ctx context.Context, connID, body, clientRef string) error {
	session, ok := g.registry.Get(connID)
	if !ok {
		g.metrics.dropped.WithLabelValues("unknown_session").Inc()
		g.logger.Debug("send from unknown session dropped", zap.String("conn_id", connID))
		return ErrSessionNotFound
	}
	if strings.TrimSpace(body) == "" {
		g.metrics.dropped.WithLabelValues("empty_body").Inc()
		return ErrValidationRejected
	}

	req := sendRequest{
		ctx:       ctx,
		session:   session,
		body:      body,
		clientRef: clientRef,
		result:    make(chan error, 1),
	}

	select {
	case g.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-g.ctx.Done():
		return ErrGatewayClosed
	}

	select {
	case err := <-req.result:
		return err
	case <-g.done:
		return ErrGatewayClosed
	}
}

// persistAndBroadcast runs on the Run goroutine only.
func (g *Gateway) persistAndBroadcast(req sendRequest) error {
	if err := req.ctx.Err(); err != nil {
		return err
	}
	log := g.logger.With(zap.String("conn_id", req.session.ConnID), zap.String("user_id", req.session.Identity.ID))

	// keep timestamp order equal to append order even if the wall clock steps back
	stamp := g.now()
	if stamp.Before(g.lastStamp) {
		stamp = g.lastStamp
	}

	started := time.Now()
	msg, err := g.store.Append(req.ctx, req.session.Identity, req.body, stamp)
	g.metrics.appendSeconds.Observe(time.Since(started).Seconds())
	if err != nil {
		g.metrics.storeFailures.Inc()
		log.Error("persist message failed", zap.Error(err))
		g.notifySendFailed(req.session, req.clientRef)
		if errors.Is(err, history.ErrStorage) {
			return err
		}
		return errors.Wrapf(history.ErrStorage, "append: %v", err)
	}
	g.lastStamp = msg.CreatedAt
	g.metrics.persisted.Inc()

	frame, err := encodeMessage(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	delivered := g.broadcast(frame, msg.ID, "")
	log.Debug("message broadcast", zap.Int64("message_id", msg.ID), zap.Int("recipients", delivered))

	g.publish(msg)
	return nil
}

func (g *Gateway) notifySendFailed(session *Session, clientRef string) {
	frame, err := encodeSendFailed(clientRef)
	if err != nil {
		return
	}
	if err := session.deliver(frame, 0); errors.Is(err, ErrSlowConsumer) {
		g.dropSlowConsumers([]*Session{session})
	}
}

func (g *Gateway) publish(msg chat.Message) {
	ctx, cancel := context.WithTimeout(g.ctx, publishTimeout)
	defer cancel()
	if err := g.publisher.Publish(ctx, msg); err != nil {
		g.logger.Warn("publish message failed", zap.Int64("message_id", msg.ID), zap.Error(err))
	}
}

// broadcast hands frame to every registered session except excludeConnID
// and returns how many accepted it. Sessions whose queue is full are
// disconnected afterwards.
func (g *Gateway) broadcast(frame []byte, messageID int64, excludeConnID string) int {
	sessions := g.registry.ListActive()

	delivered := 0
	var slow []*Session
	for _, s := range sessions {
		if excludeConnID != "" && s.ConnID == excludeConnID {
			continue
		}
		switch err := s.deliver(frame, messageID); {
		case err == nil:
			delivered++
		case errors.Is(err, ErrSlowConsumer):
			slow = append(slow, s)
		}
	}
	g.dropSlowConsumers(slow)
	return delivered
}

func (g *Gateway) dropSlowConsumers(sessions []*Session) {
	for _, s := range sessions {
		g.metrics.slowConsumers.Inc()
		g.logger.Warn("disconnecting slow consumer",
			zap.String("conn_id", s.ConnID),
			zap.String("user_id", s.Identity.ID))
		g.disconnect(s.ConnID, websocket.CloseTryAgainLater, "slow consumer")
	}
}

// Typing records a typing signal for connID's identity and relays it to
// every other session.
func (g *Gateway) Typing(connID string) error {
	session, ok := g.registry.Get(connID)
	if !ok {
		g.metrics.dropped.WithLabelValues("unknown_session").Inc()
		return ErrSessionNotFound
	}

	g.tracker.Touch(session.Identity, connID)

	frame, err := encodeTyping(eventTyping, session.Identity)
	if err != nil {
		return errors.Wrap(err, "encode typing")
	}
	g.broadcast(frame, 0, connID)
	return nil
}

func (g *Gateway) typingExpired(signal TypingSignal) {
	if !g.cfg.TypingStoppedEvents || g.ctx.Err() != nil {
		return
	}
	frame, err := encodeTyping(eventTypingStopped, signal.Identity)
	if err != nil {
		return
	}
	g.broadcast(frame, 0, signal.ConnID)
}

// track runs fn as a connection goroutine that Shutdown waits for.
func (g *Gateway) track(fn func()) {
	g.trackMu.Lock()
	defer g.trackMu.Unlock()
	if g.draining {
		// the session is already closed, so these pumps exit on their own
		go fn()
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

func (g *Gateway) shutdownSessions() {
	sessions := g.registry.Close()
	for _, s := range sessions {
		if s.close(websocket.CloseGoingAway, "server shutting down") {
			g.metrics.sessions.Dec()
		}
	}
	g.logger.Info("closed sessions", zap.Int("count", len(sessions)))
}

// Shutdown stops accepting work, closes every session, and waits up to
// timeout for connection goroutines to finish. Run must have been started.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	g.logger.Info("gateway shutting down")

	g.cancel()
	g.tracker.Stop()

	select {
	case <-g.done:
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}

	g.trackMu.Lock()
	g.draining = true
	g.trackMu.Unlock()

	finished := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		g.logger.Info("gateway shutdown completed")
		return nil
	case <-time.After(timeout):
		g.logger.Warn("gateway shutdown timed out, some connections may still be open")
		return context.DeadlineExceeded
	}
}
