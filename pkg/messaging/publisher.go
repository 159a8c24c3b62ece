// Package messaging publishes domain events over NATS. Publishing is
// best effort: a nil Publisher (no NATS configured) drops events
// silently so callers never need to branch.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Publisher wraps a NATS connection.
type Publisher struct {
	conn *nats.Conn
	log  *logrus.Logger
}

// Connect dials NATS. An empty URL returns a nil Publisher, which is
// valid to use.
func Connect(url string, log *logrus.Logger) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}

	conn, err := nats.Connect(url,
		nats.Name("fundtrace"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Publisher{conn: conn, log: log}, nil
}

// Publish marshals data and publishes it to subject. Failures are
// logged, never returned: event delivery must not fail API requests.
func (p *Publisher) Publish(ctx context.Context, subject string, data interface{}) {
	if p == nil || p.conn == nil {
		return
	}

	payload, err := json.Marshal(data)
	if err != nil {
		p.log.WithError(err).WithField("subject", subject).Warn("failed to marshal event")
		return
	}

	if err := p.conn.Publish(subject, payload); err != nil {
		p.log.WithError(err).WithField("subject", subject).Warn("failed to publish event")
	}
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
