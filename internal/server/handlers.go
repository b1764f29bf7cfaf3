package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/resonance/internal/auth"
	"github.com/Tyrowin/resonance/internal/chat"
	"github.com/Tyrowin/resonance/internal/history"
)

// bearerProtocol is the subprotocol a browser lists first when it carries
// its token in Sec-WebSocket-Protocol, as in "bearer, <token>".
const bearerProtocol = "bearer"

const identityKey = "resonance.identity"

// Handlers serves the WebSocket endpoint and the supporting HTTP API.
type Handlers struct {
	gateway  *Gateway
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandlers builds the handlers for g, applying its origin allow-list.
func NewHandlers(g *Gateway) *Handlers {
	policy := newOriginPolicy(g.cfg.AllowedOrigins, g.logger)
	return &Handlers{
		gateway: g,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{bearerProtocol},
			CheckOrigin:      policy.check,
		},
		logger: g.logger,
	}
}

// credentialFromRequest finds the token in the query string, the
// Authorization header, or the Sec-WebSocket-Protocol list, in that order.
func credentialFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	if token := auth.BearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	protocols := websocket.Subprotocols(r)
	for i, p := range protocols {
		if strings.EqualFold(p, bearerProtocol) && i+1 < len(protocols) {
			return protocols[i+1]
		}
	}
	return ""
}

// WebSocket upgrades the request, authenticates it, and starts the pumps.
// Authentication runs after the upgrade; a rejected client gets close code
// 1008.
func (h *Handlers) WebSocket(c *gin.Context) {
	r := c.Request
	credential := credentialFromRequest(r)

	conn, err := h.upgrader.Upgrade(c.Writer, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	connID := uuid.NewString()
	session, err := h.gateway.Connect(r.Context(), connID, credential)
	if err != nil {
		rejectConnection(conn, err)
		return
	}

	newClient(conn, session, h.gateway, r.RemoteAddr).start()
}

// rejectConnection closes conn with the code matching why Connect failed.
func rejectConnection(conn *websocket.Conn, err error) {
	code, text := websocket.CloseInternalServerErr, "internal error"
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		code, text = websocket.ClosePolicyViolation, "unauthenticated"
	case errors.Is(err, history.ErrStorage):
		code, text = websocket.CloseInternalServerErr, "history unavailable"
	case errors.Is(err, ErrGatewayClosed):
		code, text = websocket.CloseGoingAway, "server shutting down"
	case errors.Is(err, ErrSlowConsumer):
		code, text = websocket.CloseTryAgainLater, "slow consumer"
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	_ = conn.Close()
}

// Health provides a simple plain-text liveness check.
func (h *Handlers) Health(c *gin.Context) {
	c.String(http.StatusOK, "Resonance server is running!")
}

// Healthz reports liveness with the number of live sessions.
func (h *Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": h.gateway.registry.Len(),
	})
}

// RequireBearer rejects requests without a valid bearer token and stores the
// verified identity on the context.
func (h *Handlers) RequireBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"))
		identity, err := h.gateway.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

// Me returns the identity bound to the caller's token.
func (h *Handlers) Me(c *gin.Context) {
	identity, ok := c.Get(identityKey)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	c.JSON(http.StatusOK, identity.(chat.Identity))
}

// Messages returns the full ordered history in the replay shape.
func (h *Handlers) Messages(c *gin.Context) {
	msgs, err := h.gateway.store.ReadAllOrdered(c.Request.Context())
	if err != nil {
		h.gateway.metrics.storeFailures.Inc()
		h.logger.Error("read history for api failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": reasonStorageError})
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
