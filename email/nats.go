package email

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the subject email jobs are published on.
const DefaultSubject = "linkbilling.email"

// NATSPublisher is the subset of *nats.Conn used by NATSMailer.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSMailer hands messages to a mail worker over NATS. The worker renders
// and delivers them.
type NATSMailer struct {
	conn    NATSPublisher
	subject string
}

// NewNATSMailer creates a NATSMailer publishing on subject.
func NewNATSMailer(conn NATSPublisher, subject string) *NATSMailer {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSMailer{conn: conn, subject: subject}
}

// ConnectNATS opens a named NATS connection with unlimited reconnects.
func ConnectNATS(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("linkbilling"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}

func (m *NATSMailer) Send(_ context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	if _, err := Render(msg); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("email: marshal: %w", err)
	}
	if err := m.conn.Publish(m.subject, data); err != nil {
		return fmt.Errorf("email: publish %s: %w", m.subject, err)
	}
	return nil
}

var (
	_ Mailer        = (*NATSMailer)(nil)
	_ Mailer        = (*ResendMailer)(nil)
	_ Mailer        = (*LogMailer)(nil)
	_ NATSPublisher = (*nats.Conn)(nil)
)
