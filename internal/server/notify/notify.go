// Package notify hands events such as password-reset mails and form
// submissions to the message bus.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

const (
	SubjectPasswordReset = "mail.password_reset"
	SubjectContactForm   = "forms.contact"
	SubjectJoinForm      = "forms.join"
)

// Publisher sends an event to subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// NATSPublisher publishes JSON-encoded events on a core NATS connection.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url string, opts ...nats.Option) (*NATSPublisher, error) {
	opts = append([]nats.Option{nats.Name("naturecms-server")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	slog.Info("connected to NATS", "url", nc.ConnectedUrlRedacted())
	return &NATSPublisher{conn: nc}, nil
}

// Publish encodes v as JSON and publishes it, then flushes so delivery
// errors surface to the caller.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, v any) error {
	if p == nil || p.conn == nil {
		return errors.New("nil publisher")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

// LogPublisher logs events instead of sending them. It is used when no
// NATS server is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher returns a LogPublisher writing to logger, or to the
// default logger when nil.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	p.logger.InfoContext(ctx, "event published", "subject", subject, "payload_bytes", len(data))
	return nil
}
