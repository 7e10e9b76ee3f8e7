package apns

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takimoto3/apns-binary/certificate"
	"github.com/takimoto3/apns-binary/status"
)

// countingFactory builds script-backed connections and counts builds.
type countingFactory struct {
	dialer *scriptDialer
	built  int
}

func (f *countingFactory) Build(cert *certificate.Certificate) *Connection {
	f.built++
	return NewConnection(cert,
		WithDialer(f.dialer.dial),
		WithSendInterval(time.Millisecond),
		WithDrainTimeout(10*time.Millisecond),
	)
}

func TestSender_MultiCertificateBatch(t *testing.T) {
	certA := testCertificate(t, "cert-a")
	certB := testCertificate(t, "cert-b")
	certC := testCertificate(t, "cert-c")

	factory := &countingFactory{dialer: &scriptDialer{}}
	sender := NewSender(certA, WithGatewayFactory(factory))

	for round := 1; round <= 5; round++ {
		for _, cert := range []*certificate.Certificate{certA, certB, certC} {
			m := validMessage()
			m.Certificate = cert
			_, err := sender.Queue(m)
			require.NoError(t, err)
		}
		assert.Equal(t, round*3, sender.QueueLength())
	}

	require.NoError(t, sender.Flush(context.Background()))
	assert.Equal(t, 0, sender.QueueLength())
	assert.Equal(t, 3, factory.built, "one connection per fingerprint")
	assert.Equal(t, 3, factory.dialer.dials)
}

func TestSender_SameFingerprintSharesConnection(t *testing.T) {
	cert := testCertificate(t, "cert-shared")

	factory := &countingFactory{dialer: &scriptDialer{}}
	sender := NewSender(nil, WithGatewayFactory(factory))

	first := sender.Connection(cert)
	second := sender.Connection(cert)

	assert.Same(t, first, second)
	assert.Equal(t, 1, factory.built)
}

func TestSender_SendUsesDefaultCertificate(t *testing.T) {
	cert := testCertificate(t, "cert-default")
	factory := &countingFactory{dialer: &scriptDialer{}}
	sender := NewSender(cert, WithGatewayFactory(factory))

	env, err := sender.Send(context.Background(), validMessage())
	require.NoError(t, err)
	assert.Equal(t, status.NoErrors, env.Status)
	assert.Equal(t, 0, sender.QueueLength())
	assert.Equal(t, 1, factory.built)
}

func TestSender_MessageCertificateOverridesDefault(t *testing.T) {
	defaultCert := testCertificate(t, "cert-default")
	override := testCertificate(t, "cert-override")
	factory := &countingFactory{dialer: &scriptDialer{}}
	sender := NewSender(defaultCert, WithGatewayFactory(factory))

	m := validMessage()
	m.Certificate = override
	_, err := sender.Queue(m)
	require.NoError(t, err)

	assert.Equal(t, 1, sender.Connection(override).QueueLength())
	assert.Equal(t, 0, sender.Connection(defaultCert).QueueLength())
}

func TestSender_NoCertificateAnywhere(t *testing.T) {
	sender := NewSender(nil)

	_, err := sender.Queue(validMessage())
	require.Error(t, err)
	if !strings.Contains(err.Error(), "no certificate") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSender_SendRecordsRejectedPayload(t *testing.T) {
	cert := testCertificate(t, "cert-default")
	factory := &countingFactory{dialer: &scriptDialer{}}
	sender := NewSender(cert, WithGatewayFactory(factory))

	m := validMessage()
	m.Payload = make([]byte, MaxPayloadSize+1)
	env, err := sender.Send(context.Background(), m)

	require.NoError(t, err)
	assert.Equal(t, status.PayloadTooLong, env.Status)
	assert.Equal(t, 0, factory.dialer.dials)
}

func TestSender_DisconnectClosesAllConnections(t *testing.T) {
	certA := testCertificate(t, "cert-a")
	certB := testCertificate(t, "cert-b")
	factory := &countingFactory{dialer: &scriptDialer{}}
	sender := NewSender(certA, WithGatewayFactory(factory))

	for _, cert := range []*certificate.Certificate{certA, certB} {
		m := validMessage()
		m.Certificate = cert
		_, err := sender.Queue(m)
		require.NoError(t, err)
	}
	require.NoError(t, sender.Flush(context.Background()))

	sender.Disconnect()
	for _, conn := range factory.dialer.conns {
		assert.True(t, conn.closed)
	}
}
