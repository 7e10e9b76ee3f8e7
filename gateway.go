package apns

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/takimoto3/apns-binary/certificate"
)

// Dialer opens a transport to the certificate's gateway endpoint.
// Connections use it lazily on the first write; tests substitute one that
// returns a scripted in-memory connection.
type Dialer func(ctx context.Context, cert *certificate.Certificate, timeout time.Duration) (net.Conn, error)

// DialGateway is the production dialer: a TCP connection to the
// certificate's gateway endpoint followed by a TLS handshake with the
// certificate material.
func DialGateway(ctx context.Context, cert *certificate.Certificate, timeout time.Duration) (net.Conn, error) {
	endpoint := cert.Endpoint(certificate.Gateway)
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway endpoint %q: %w", endpoint, err)
	}

	dialer := &net.Dialer{Timeout: timeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}

	conf := &tls.Config{
		Certificates: []tls.Certificate{cert.TLSCertificate()},
		ServerName:   host,
		MinVersion:   tls.VersionTLS12,
	}
	tlsConn := tls.Client(tcpConn, conf)
	tlsConn.SetDeadline(time.Now().Add(timeout))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tcpConn.Close()
		// The gateway drops the handshake rather than reporting a reason, so
		// bad certificate material and a wrong passphrase both surface here.
		return nil, fmt.Errorf("tls handshake with %s failed (check certificate and passphrase): %w", endpoint, err)
	}
	// Clear the handshake deadline so it cannot fail later writes.
	tlsConn.SetDeadline(time.Time{})

	return tlsConn, nil
}

// GatewayFactory produces the connection for a certificate. The sender pool
// calls it once per fingerprint; tests substitute a factory whose
// connections carry a scripted transport.
type GatewayFactory interface {
	Build(cert *certificate.Certificate) *Connection
}

// ConnectionFactory is the production GatewayFactory.
type ConnectionFactory struct {
	// Options are applied to every connection built.
	Options []Option
}

// Build implements GatewayFactory.
func (f *ConnectionFactory) Build(cert *certificate.Certificate) *Connection {
	return NewConnection(cert, f.Options...)
}
