package apns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/takimoto3/apns-binary/certificate"
)

// Sender fans messages out to per-certificate connections. Connections are
// created lazily through the gateway factory, keyed by certificate
// fingerprint, and held for the sender's lifetime: two certificates with the
// same fingerprint share a connection.
//
// Like Connection, a Sender is not safe for concurrent use.
type Sender struct {
	defaultCert *certificate.Certificate
	factory     GatewayFactory
	logger      *slog.Logger

	connections  map[string]*Connection
	fingerprints []string // creation order, for deterministic flushes
}

// SenderOption configures a Sender at construction time.
type SenderOption func(*Sender)

// WithGatewayFactory replaces the factory that builds per-certificate
// connections.
func WithGatewayFactory(factory GatewayFactory) SenderOption {
	return func(s *Sender) {
		s.factory = factory
	}
}

// WithSenderLogger sets the logger the sender writes through.
func WithSenderLogger(logger *slog.Logger) SenderOption {
	return func(s *Sender) {
		s.logger = logger
	}
}

// NewSender creates a sender whose messages route over cert unless they
// carry their own certificate.
func NewSender(cert *certificate.Certificate, opts ...SenderOption) *Sender {
	s := &Sender{
		defaultCert: cert,
		factory:     &ConnectionFactory{},
		logger:      slog.Default(),
		connections: make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "apns.Sender")
	return s
}

// Send queues the message on its certificate's connection and flushes that
// connection immediately. The envelope records the outcome; a non-nil error
// is a structural transport failure, not a message rejection.
func (s *Sender) Send(ctx context.Context, m *Message) (*Envelope, error) {
	conn, err := s.connection(m)
	if err != nil {
		return nil, err
	}
	env := conn.Queue(m)
	if err := conn.Flush(ctx); err != nil {
		return env, err
	}
	return env, nil
}

// Queue places the message on its certificate's connection without flushing.
func (s *Sender) Queue(m *Message) (*Envelope, error) {
	conn, err := s.connection(m)
	if err != nil {
		return nil, err
	}
	return conn.Queue(m), nil
}

// Flush drains every known connection. Structural failures are collected
// per connection; one gateway's failure does not stop the others.
func (s *Sender) Flush(ctx context.Context) error {
	var errs []error
	for _, fingerprint := range s.fingerprints {
		if err := s.connections[fingerprint].Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", fingerprint, err))
		}
	}
	return errors.Join(errs...)
}

// QueueLength returns the number of unflushed envelopes across all
// connections.
func (s *Sender) QueueLength() int {
	total := 0
	for _, conn := range s.connections {
		total += conn.QueueLength()
	}
	return total
}

// Disconnect closes every connection's socket. Queued envelopes survive and
// a later flush reconnects.
func (s *Sender) Disconnect() {
	for _, conn := range s.connections {
		conn.Disconnect()
	}
}

// Connection returns the pooled connection that messages for cert route
// over, creating it if needed.
func (s *Sender) Connection(cert *certificate.Certificate) *Connection {
	fingerprint := cert.Fingerprint()
	if conn, ok := s.connections[fingerprint]; ok {
		return conn
	}
	conn := s.factory.Build(cert)
	s.connections[fingerprint] = conn
	s.fingerprints = append(s.fingerprints, fingerprint)
	s.logger.Debug("created gateway connection", "fingerprint", fingerprint)
	return conn
}

func (s *Sender) connection(m *Message) (*Connection, error) {
	cert := m.Certificate
	if cert == nil {
		cert = s.defaultCert
	}
	if cert == nil {
		return nil, errors.New("message has no certificate and sender has no default")
	}
	return s.Connection(cert), nil
}
