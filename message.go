package apns

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/takimoto3/apns-binary/certificate"
)

const (
	// TokenSize is the length in bytes of a binary device token.
	TokenSize = 32

	// MaxPayloadSize is the payload byte limit of the legacy binary protocol.
	MaxPayloadSize = 256

	// pushCommand identifies a notification frame on the wire.
	pushCommand = 1
)

// ExpirationOnce is a special expiration value (epoch time 0) that tells APNs
// not to store the notification at all. APNs will make one attempt to deliver
// the notification, and if it cannot be delivered immediately, it will be
// discarded.
var ExpirationOnce = NewEpochTime(time.Time{})

// EpochTime represents a UNIX timestamp carried in the 4-byte expiration
// field of a notification frame.
type EpochTime uint32

// NewEpochTime creates a new EpochTime from a time.Time object.
// It returns a pointer to the EpochTime value.
func NewEpochTime(t time.Time) *EpochTime {
	if t.IsZero() {
		v := EpochTime(0)
		return &v
	}
	v := EpochTime(t.UTC().Unix())
	return &v
}

// String returns the string representation of the UNIX timestamp.
func (e EpochTime) String() string {
	return strconv.FormatUint(uint64(e), 10)
}

// Message is one push notification destined for one device. It is assembled
// once and never mutated after queueing; delivery state lives on the
// Envelope, not here, so the same message can be requeued during recovery.
type Message struct {
	// DeviceToken is the destination device token as a 64-character hex string.
	DeviceToken string

	// Payload is the JSON payload to deliver.
	Payload []byte

	// Expiration tells APNs how long to store the notification for a device
	// that is offline. Nil writes 0 to the frame field, the same value as
	// ExpirationOnce.
	Expiration *EpochTime

	// Certificate, if set, routes the message over the connection for this
	// certificate instead of the sender's default.
	Certificate *certificate.Certificate
}

// SetPayload marshals p and installs it as the message payload.
func (m *Message) SetPayload(p *Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("fail to marshal json: %w", err)
	}
	m.Payload = data
	return nil
}

// ValidateLength reports whether the payload fits the legacy protocol limit.
func (m *Message) ValidateLength() bool {
	return len(m.Payload) <= MaxPayloadSize
}

// BinaryEncode produces the on-wire notification frame for this message
// under the given identifier: command byte 1, big-endian identifier and
// expiration, length-prefixed token and payload.
func (m *Message) BinaryEncode(identifier uint32) ([]byte, error) {
	token, err := hex.DecodeString(m.DeviceToken)
	if err != nil {
		return nil, fmt.Errorf("device token is not valid hex: %w", err)
	}
	if len(token) != TokenSize {
		return nil, fmt.Errorf("invalid device token length: %d bytes, want %d", len(token), TokenSize)
	}

	var expiry uint32
	if m.Expiration != nil {
		expiry = uint32(*m.Expiration)
	}

	buffer := bytes.NewBuffer(make([]byte, 0, 1+4+4+2+len(token)+2+len(m.Payload)))
	binary.Write(buffer, binary.BigEndian, uint8(pushCommand))
	binary.Write(buffer, binary.BigEndian, identifier)
	binary.Write(buffer, binary.BigEndian, expiry)
	binary.Write(buffer, binary.BigEndian, uint16(len(token)))
	buffer.Write(token)
	binary.Write(buffer, binary.BigEndian, uint16(len(m.Payload)))
	buffer.Write(m.Payload)

	return buffer.Bytes(), nil
}

// MessageFactory produces messages bound to a default certificate.
type MessageFactory struct {
	// DefaultCertificate is attached to every created message unless
	// overridden per call.
	DefaultCertificate *certificate.Certificate
}

// NewMessageFactory creates a factory whose messages route over cert by
// default. A nil cert leaves routing to the sender's default certificate.
func NewMessageFactory(cert *certificate.Certificate) *MessageFactory {
	return &MessageFactory{DefaultCertificate: cert}
}

// CreateMessage creates a message for the given device token, bound to the
// factory's default certificate.
func (f *MessageFactory) CreateMessage(deviceToken string) *Message {
	return f.CreateMessageTo(deviceToken, f.DefaultCertificate)
}

// CreateMessageTo creates a message for the given device token, routed over
// the given certificate.
func (f *MessageFactory) CreateMessageTo(deviceToken string, cert *certificate.Certificate) *Message {
	return &Message{
		DeviceToken: deviceToken,
		Certificate: cert,
	}
}
