// Package server implements the Resonance broadcast gateway: admission of
// authenticated WebSocket connections, history replay, the single-writer
// message sequencer, typing relay, and the HTTP surface around them.
//
// The implementation is split into files for configuration, the session
// registry, the typing tracker, the gateway, per-connection clients, and
// HTTP handlers and routing.
package server
