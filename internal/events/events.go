// Package events publishes persisted chat messages to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/resonance/internal/chat"
)

// DefaultSubject is the NATS subject persisted messages go to.
const DefaultSubject = "resonance.messages"

// Publisher receives every message after it has been persisted.
type Publisher interface {
	Publish(ctx context.Context, msg chat.Message) error
	Close() error
}

// NopPublisher discards everything.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, chat.Message) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }

// NATSConfig configures NewNATSPublisher.
type NATSConfig struct {
	Servers       []string
	Subject       string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATSPublisher publishes messages as JSON on a core NATS subject.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSPublisher connects to the configured servers.
func NewNATSPublisher(cfg NATSConfig, logger *zap.Logger) (*NATSPublisher, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("events: nats servers missing")
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Name == "" {
		cfg.Name = "resonance"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "events: connect nats")
	}
	return &NATSPublisher{nc: nc, subject: cfg.Subject, logger: logger}, nil
}

// Subject returns the subject messages are published on.
func (p *NATSPublisher) Subject() string { return p.subject }

// Publish implements Publisher. Delivery is at most once.
func (p *NATSPublisher) Publish(ctx context.Context, msg chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "events: encode message")
	}
	out := nats.NewMsg(p.subject)
	out.Data = data
	out.Header.Set("Resonance-Sender", msg.Sender.ID)
	if err := p.nc.PublishMsg(out); err != nil {
		return errors.Wrapf(err, "events: publish message %d", msg.ID)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
