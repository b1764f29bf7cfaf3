package server

import (
	"encoding/json"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/resonance/internal/history"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client pumps frames between one WebSocket connection and its session.
type Client struct {
	conn           *websocket.Conn
	session        *Session
	gateway        *Gateway
	addr           string
	logger         *zap.Logger
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
}

func newClient(conn *websocket.Conn, session *Session, g *Gateway, addr string) *Client {
	cfg := g.cfg
	conn.SetReadLimit(cfg.MaxMessageSize)

	return &Client{
		conn:    conn,
		session: session,
		gateway: g,
		addr:    addr,
		logger: g.logger.With(
			zap.String("conn_id", session.ConnID),
			zap.String("user_id", session.Identity.ID),
			zap.String("remote", addr)),
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
	}
}

// start launches the read and write pumps as gateway-tracked goroutines.
func (c *Client) start() {
	c.gateway.track(c.writePump)
	c.gateway.track(c.readPump)
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("set initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// logReadError classifies the error that ended the read loop.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("frame exceeded maximum size", zap.Int64("limit", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected websocket close", zap.Error(err))
	default:
		c.logger.Warn("websocket read error", zap.Error(err))
	}
}

// checkRateLimit reports whether the next frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter.allow() {
		return true
	}
	c.gateway.metrics.rateLimited.Inc()
	c.logger.Debug("rate limit exceeded; discarding frame",
		zap.Int("burst", c.rateLimit.Burst),
		zap.Duration("interval", c.rateLimit.RefillInterval))
	return false
}

// processFrame decodes one inbound frame and hands it to the gateway. It
// returns false when the connection should stop reading.
func (c *Client) processFrame(raw []byte) bool {
	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.gateway.metrics.dropped.WithLabelValues("malformed").Inc()
		c.logger.Debug("invalid frame", zap.Error(err))
		return true
	}

	var err error
	switch frame.Type {
	case frameSend:
		err = c.gateway.SendMessage(c.session.Context(), c.session.ConnID, frame.Body, frame.ClientRef)
	case frameTyping:
		err = c.gateway.Typing(c.session.ConnID)
	default:
		c.gateway.metrics.dropped.WithLabelValues("unknown_type").Inc()
		c.logger.Debug("unknown frame type", zap.String("type", frame.Type))
		return true
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrValidationRejected):
		c.logger.Debug("empty message dropped")
	case errors.Is(err, history.ErrStorage):
		// the sender already got send_failed
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrGatewayClosed):
		return false
	case c.session.Context().Err() != nil:
		return false
	default:
		c.logger.Warn("frame handling failed", zap.String("type", frame.Type), zap.Error(err))
	}
	return true
}

func (c *Client) readPump() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("recovered from panic in read pump", zap.Any("panic", r), zap.Stack("stack"))
		}
		c.gateway.Disconnect(c.session.ConnID)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("close connection in read pump", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		if !c.processFrame(raw) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-c.session.Outbound():
		if !ok {
			c.writeCloseMessage()
			return false
		}
		return c.writeFrame(frame)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("close connection in write pump", zap.Error(err))
	}
}

// writeCloseMessage sends the session's close reason to the peer.
func (c *Client) writeCloseMessage() {
	code, text := c.session.CloseReason()
	msg := websocket.FormatCloseMessage(code, text)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("write close message", zap.Error(err))
	}
}

// writeFrame writes one event as one text frame.
func (c *Client) writeFrame(frame []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("set write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug("write frame", zap.Error(err))
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("set write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("write ping", zap.Error(err))
		return false
	}
	return true
}
