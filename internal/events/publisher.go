package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/stockapp/crawlsync/internal/models"
)

// Publisher accepts job events.
type Publisher interface {
	Publish(ctx context.Context, event models.JobEvent) error
}

// Fanout publishes each event to every publisher in order. All publishers are
// attempted; their errors are joined.
type Fanout []Publisher

// Publish sends event to each publisher.
func (f Fanout) Publish(ctx context.Context, event models.JobEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Conn is the subset of *nats.Conn used for publishing.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Connect dials NATS with reconnect logging routed through slog.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("crawlsync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return nc, nil
}

// EventMessage is the wire format of a mirrored job event.
type EventMessage struct {
	Event     models.JobEvent      `json:"event"`
	Category  models.EventCategory `json:"category"`
	Timestamp time.Time            `json:"timestamp"`
	Source    string               `json:"source"`
	Version   string               `json:"version"`
}

// NATSPublisher mirrors job events to NATS subjects "<prefix>.jobs.<symbol>".
type NATSPublisher struct {
	conn   Conn
	prefix string
	now    func() time.Time
}

// NewNATSPublisher creates a mirror on conn.
func NewNATSPublisher(conn Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix, now: time.Now}
}

// Subject returns the subject an event for symbol is published on.
func (p *NATSPublisher) Subject(symbol string) string {
	return p.prefix + ".jobs." + SubjectToken(symbol)
}

// Publish marshals event and publishes it.
func (p *NATSPublisher) Publish(ctx context.Context, event models.JobEvent) error {
	message := EventMessage{
		Event:     event,
		Category:  event.Category(),
		Timestamp: p.now().UTC(),
		Source:    "crawlsync",
		Version:   "1.0",
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(event.Symbol), data); err != nil {
		return fmt.Errorf("failed to publish job event for %s: %w", event.Symbol, err)
	}
	return nil
}

// SubjectToken makes s safe to use as a single NATS subject token.
func SubjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
