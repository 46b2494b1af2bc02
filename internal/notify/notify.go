// Package notify publishes sync events so other services can follow index
// changes without polling.
//
// Events are published to NATS subjects of the form:
//
//	{prefix}.entity.indexed
//	{prefix}.entity.removed
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// EventType is the kind of index change.
type EventType string

const (
	EventIndexed EventType = "indexed"
	EventRemoved EventType = "removed"
)

// Event describes one committed index change.
type Event struct {
	Type      EventType         `json:"type"`
	EntityID  string            `json:"entity_id"`
	RecordID  string            `json:"record_id"`
	Revisions map[string]string `json:"revisions,omitempty"`
	Time      time.Time         `json:"time"`
}

// Publisher sends events. Publish failures never affect the index.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// Config configures the NATS publisher.
type Config struct {
	URL           string
	SubjectPrefix string
	// Name identifies the connection on the server.
	Name string
}

// NATSPublisher publishes events over core NATS.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher connects to cfg.URL. The connection retries in the
// background, so a NATS outage at startup does not block syncing.
func NewNATSPublisher(cfg Config, logger *zap.Logger) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "rosterd"
	}
	if cfg.Name == "" {
		cfg.Name = "rosterd"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}

	logger.Info("nats publisher ready", zap.String("url", cfg.URL), zap.String("prefix", cfg.SubjectPrefix))
	return &NATSPublisher{conn: nc, prefix: cfg.SubjectPrefix, logger: logger}, nil
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(t EventType) string {
	return p.prefix + ".entity." + string(t)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(event.Type), data); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Type, err)
	}
	return nil
}

// Close flushes pending events and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

var (
	_ Publisher = Nop{}
	_ Publisher = (*NATSPublisher)(nil)
)
