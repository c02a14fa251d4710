package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the subject prefix used when none is configured.
const DefaultSubject = "stagextract.progress"

// NATS publishes events to a NATS server.
type NATS struct {
	conn    *nats.Conn
	subject string
	owned   bool
}

// DialNATS connects to url and returns a publisher that owns the connection.
func DialNATS(url, subject string, opts ...nats.Option) (*NATS, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	opts = append([]nats.Option{
		nats.Name("stagextract"),
		nats.Timeout(5 * time.Second),
	}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	p := NewNATS(nc, subject)
	p.owned = true
	return p, nil
}

// NewNATS returns a publisher on an existing connection.
func NewNATS(nc *nats.Conn, subject string) *NATS {
	subject = strings.Trim(subject, ".")
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{conn: nc, subject: subject}
}

// Subject returns the subject an event is published to.
func (p *NATS) Subject(ev Event) string {
	kind := ev.Kind
	if kind == "" {
		kind = KindChunk
	}
	return fmt.Sprintf("%s.%s.%s", p.subject, ev.RunID, kind)
}

// Report implements Reporter.
func (p *NATS) Report(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev), data); err != nil {
		return fmt.Errorf("publish progress event: %w", err)
	}
	if ev.Kind != KindChunk && ev.Kind != "" {
		return p.conn.Flush()
	}
	return nil
}

// Close drains the connection if the publisher opened it.
func (p *NATS) Close() error {
	if !p.owned {
		return nil
	}
	return p.conn.Drain()
}

var _ Reporter = (*NATS)(nil)
