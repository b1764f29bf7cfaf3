package server

import (
	"encoding/json"
	"strings"

	"github.com/Tyrowin/resonance/internal/chat"
)

// Inbound frame types.
const (
	frameSend   = "send"
	frameTyping = "typing"
)

// Outbound frame types.
const (
	eventMessageHistory = "message_history"
	eventMessage        = "message"
	eventTyping         = "typing"
	eventTypingStopped  = "typing_stopped"
	eventSendFailed     = "send_failed"
)

// reasonStorageError is the send_failed reason for a persistence failure.
const reasonStorageError = "storage_error"

// clientFrame is the JSON frame a client sends. Identity fields are never
// read from it; the session's bound identity is used instead.
type clientFrame struct {
	Type      string `json:"type"`
	Body      string `json:"body,omitempty"`
	ClientRef string `json:"clientRef,omitempty"`
}

type historyEvent struct {
	Type     string         `json:"type"`
	Messages []chat.Message `json:"messages"`
}

type messageEvent struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

type typingEvent struct {
	Type     string        `json:"type"`
	Identity chat.Identity `json:"identity"`
}

type sendFailedEvent struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	ClientRef string `json:"clientRef,omitempty"`
}

func encodeHistory(msgs []chat.Message) ([]byte, error) {
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return json.Marshal(historyEvent{Type: eventMessageHistory, Messages: msgs})
}

func encodeMessage(msg chat.Message) ([]byte, error) {
	return json.Marshal(messageEvent{Type: eventMessage, Message: msg})
}

func encodeTyping(kind string, identity chat.Identity) ([]byte, error) {
	return json.Marshal(typingEvent{Type: kind, Identity: identity})
}

func encodeSendFailed(clientRef string) ([]byte, error) {
	return json.Marshal(sendFailedEvent{Type: eventSendFailed, Reason: reasonStorageError, ClientRef: clientRef})
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
