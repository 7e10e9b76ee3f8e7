// Package certificate loads APNs provider certificates and resolves the
// gateway endpoints they are valid for.
package certificate

import (
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"
)

// Environment selects between the production and sandbox APNs gateways.
type Environment string

const (
	// Production is the live APNs environment.
	Production Environment = "production"
	// Sandbox is the development APNs environment.
	Sandbox Environment = "sandbox"
)

// EndpointType selects which APNs service of an environment to address.
type EndpointType string

const (
	// Gateway is the push gateway that accepts binary notification frames.
	Gateway EndpointType = "gateway"
	// Feedback is the feedback service that reports invalidated tokens.
	Feedback EndpointType = "feedback"
)

// endpoints is the host:port table keyed by environment and endpoint type.
var endpoints = map[Environment]map[EndpointType]string{
	Production: {
		Gateway:  "gateway.push.apple.com:2195",
		Feedback: "feedback.push.apple.com:2196",
	},
	Sandbox: {
		Gateway:  "gateway.sandbox.push.apple.com:2195",
		Feedback: "feedback.sandbox.push.apple.com:2196",
	},
}

// Certificate is a provider identity for one app and environment. It is
// immutable after loading; two certificates with the same Fingerprint are
// interchangeable for connection pooling.
type Certificate struct {
	tlsCert     tls.Certificate
	leaf        *x509.Certificate
	environment Environment
	passphrase  string
	fingerprint string
}

// LoadP12File loads a provider certificate from a PKCS#12 file.
//
// path: Path to the .p12 file.
// passphrase: Passphrase protecting the file; empty if none.
// env: Environment the certificate was issued for.
func LoadP12File(path, passphrase string, env Environment) (*Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read p12 file %q: %w", path, err)
	}
	return LoadP12(data, passphrase, env)
}

// LoadP12 loads a provider certificate from raw PKCS#12 data.
// It extracts the private key, the leaf certificate, and any intermediate CA
// certificates, and computes the pooling fingerprint.
func LoadP12(data []byte, passphrase string, env Environment) (*Certificate, error) {
	prikey, cert, caCerts, err := pkcs12.DecodeChain(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to decode p12 data: %w", err)
	}

	// The leaf certificate goes first; APNs usually needs nothing more, but
	// intermediates are included for gateways that verify the full chain.
	tlsCert := tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  prikey,
		Leaf:        cert,
	}
	for _, caCert := range caCerts {
		tlsCert.Certificate = append(tlsCert.Certificate, caCert.Raw)
	}

	return FromTLS(tlsCert, passphrase, env)
}

// FromTLS wraps an already assembled tls.Certificate. The first entry of
// tlsCert.Certificate must be the DER-encoded leaf.
func FromTLS(tlsCert tls.Certificate, passphrase string, env Environment) (*Certificate, error) {
	if len(tlsCert.Certificate) == 0 || tlsCert.PrivateKey == nil {
		return nil, fmt.Errorf("invalid certificate: empty certificate or private key")
	}
	if _, ok := endpoints[env]; !ok {
		return nil, fmt.Errorf("unknown environment %q", env)
	}
	leaf := tlsCert.Leaf
	if leaf == nil {
		var err error
		leaf, err = x509.ParseCertificate(tlsCert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse leaf certificate: %w", err)
		}
		tlsCert.Leaf = leaf
	}

	return &Certificate{
		tlsCert:     tlsCert,
		leaf:        leaf,
		environment: env,
		passphrase:  passphrase,
		fingerprint: fingerprint(leaf.Raw, env),
	}, nil
}

// fingerprint hashes the leaf DER together with the environment, so the same
// p12 loaded for production and sandbox yields two distinct pool identities.
func fingerprint(leafDER []byte, env Environment) string {
	h := sha1.New()
	h.Write(leafDER)
	h.Write([]byte(env))
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint returns the stable identity of this certificate and
// environment. Connections are pooled by this value.
func (c *Certificate) Fingerprint() string {
	return c.fingerprint
}

// Environment returns the environment the certificate was loaded for.
func (c *Certificate) Environment() Environment {
	return c.environment
}

// Endpoint returns the host:port of the requested APNs service for this
// certificate's environment.
func (c *Certificate) Endpoint(t EndpointType) string {
	return endpoints[c.environment][t]
}

// TLSCertificate returns the certificate material for the TLS handshake.
func (c *Certificate) TLSCertificate() tls.Certificate {
	return c.tlsCert
}

// Passphrase returns the passphrase the certificate was loaded with.
func (c *Certificate) Passphrase() string {
	return c.passphrase
}

// HasPassphrase reports whether the certificate material was protected by a
// passphrase.
func (c *Certificate) HasPassphrase() bool {
	return c.passphrase != ""
}
