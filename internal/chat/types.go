// Package chat defines the identity and message values shared by the token
// verifier, the history stores and the gateway.
package chat

import "time"

// Identity is the read-only snapshot of an authenticated user that a session
// carries for the lifetime of its connection.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// Valid reports whether the identity has the key every other field hangs off.
func (i Identity) Valid() bool {
	return i.ID != ""
}

// Message is a persisted chat message. ID is assigned by the history store
// and increases with persistence order.
type Message struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	Sender    Identity  `json:"sender"`
	CreatedAt time.Time `json:"timestamp"`
}
