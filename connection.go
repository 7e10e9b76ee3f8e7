// Package apns sends push notifications over the legacy APNs binary
// provider protocol. It maintains one long-lived TLS connection per provider
// certificate and recovers from the gateway's failure protocol, in which the
// gateway reports the first bad frame, closes the connection, and silently
// drops everything sent after it.
package apns

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/takimoto3/apns-binary/certificate"
	"github.com/takimoto3/apns-binary/status"
)

const (
	// errorResponseCommand identifies an error-response frame from the gateway.
	errorResponseCommand = 8
	// errorResponseLength is the fixed size of an error-response frame.
	errorResponseLength = 6
)

// Defaults for the connection timing knobs.
const (
	// DefaultConnectTimeout bounds the TCP dial plus TLS handshake.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 30 * time.Second
	// DefaultSendInterval is the pause between frame writes. It gives the
	// kernel buffer a chance to drain and an error response a chance to land
	// while the batch is still in progress.
	DefaultSendInterval = 10 * time.Millisecond
	// DefaultDrainTimeout is how long a flush listens for a trailing error
	// response after the queue empties. The gateway reports failures
	// asynchronously, so a quiet period is the only available completion
	// signal.
	DefaultDrainTimeout = time.Second
)

// pollTimeout bounds the opportunistic error-response read between sends.
const pollTimeout = time.Millisecond

// ProtocolError is returned when the gateway sends bytes that are not a
// well-formed error-response frame. The connection is closed and no envelope
// status is touched; the stream can no longer be trusted.
type ProtocolError struct {
	// Frame holds the offending bytes as read.
	Frame []byte
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed error response frame: % x", e.Frame)
}

// Connection is a stateful sender for one provider certificate. It owns the
// TLS socket, assigns frame identifiers, and keeps every envelope it ever
// issued so that a gateway rejection can be mapped back to the batch tail
// that the gateway silently dropped.
//
// A Connection is not safe for concurrent use; callers serialize access.
type Connection struct {
	cert   *certificate.Certificate
	dial   Dialer
	conn   net.Conn
	logger *slog.Logger

	// lastIdentifier is the most recently issued frame identifier.
	// Identifiers are dense: every value in 1..lastIdentifier is a key in
	// inFlight, which is what lets recovery walk the table in order.
	lastIdentifier uint32
	inFlight       map[uint32]*Envelope
	sendQueue      []*Envelope

	connectTimeout time.Duration
	writeTimeout   time.Duration
	sendInterval   time.Duration
	drainTimeout   time.Duration

	// yield is called once per flush iteration so hosts can dispatch
	// asynchronous signals during a long drain.
	yield func()
}

// NewConnection creates a connection for the certificate's gateway endpoint.
// The socket is opened lazily on the first flush that has frames to write.
func NewConnection(cert *certificate.Certificate, opts ...Option) *Connection {
	c := &Connection{
		cert:           cert,
		dial:           DialGateway,
		logger:         slog.Default(),
		inFlight:       make(map[uint32]*Envelope),
		connectTimeout: DefaultConnectTimeout,
		writeTimeout:   DefaultWriteTimeout,
		sendInterval:   DefaultSendInterval,
		drainTimeout:   DefaultDrainTimeout,
		yield:          func() {},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(
		"component", "apns.Connection",
		"connection_id", uuid.NewString(),
		"fingerprint", cert.Fingerprint(),
	)
	return c
}

// Certificate returns the identity this connection sends for.
func (c *Connection) Certificate() *certificate.Certificate {
	return c.cert
}

// Queue assigns the next identifier to the message and tracks it in the
// in-flight table. Messages that fail length validation are marked
// PayloadTooLong and never enter the send queue; the envelope is returned in
// either case.
func (c *Connection) Queue(m *Message) *Envelope {
	c.lastIdentifier++
	env := &Envelope{
		Identifier: c.lastIdentifier,
		Message:    m,
		Status:     status.Pending,
	}
	c.inFlight[env.Identifier] = env

	if !m.ValidateLength() {
		env.Status = status.PayloadTooLong
		c.logger.Warn("payload exceeds legacy limit, not queued",
			"identifier", env.Identifier, "size", len(m.Payload), "limit", MaxPayloadSize)
		return env
	}

	c.sendQueue = append(c.sendQueue, env)
	return env
}

// QueueLength returns the number of envelopes awaiting write.
func (c *Connection) QueueLength() int {
	return len(c.sendQueue)
}

// Envelope returns the envelope issued under the given identifier, or nil.
func (c *Connection) Envelope(identifier uint32) *Envelope {
	return c.inFlight[identifier]
}

// Flush drains the send queue. Each frame write is followed by a short pause
// and an opportunistic check for an error response; after the queue empties,
// the flush listens for a trailing error response for the drain timeout. A
// gateway rejection closes the socket, requeues the dropped tail under new
// identifiers, and the loop re-enters until the queue is empty and the
// post-drain window is quiet.
//
// Message outcomes are recorded on their envelopes, not returned. A
// structural failure (connect failure, malformed frame from the gateway,
// transport error while reading) is returned as an error; the connection is
// left disconnected and the in-flight table preserved for inspection. Flush
// also returns an error, with the socket left as it is, when ctx is done
// before the next write and when the message at the head of the queue
// cannot be encoded; that envelope stays queued.
func (c *Connection) Flush(ctx context.Context) error {
	if len(c.sendQueue) == 0 {
		return nil
	}

	for {
		for len(c.sendQueue) > 0 {
			c.yield()
			if err := ctx.Err(); err != nil {
				return err
			}

			if c.conn == nil {
				if err := c.connect(ctx); err != nil {
					return err
				}
			}

			env := c.sendQueue[0]
			frame, err := env.Message.BinaryEncode(env.Identifier)
			if err != nil {
				// Unencodable message; leave it queued so the caller sees a
				// consistent queue after fixing it or tearing the connection down.
				return fmt.Errorf("encode frame %d: %w", env.Identifier, err)
			}
			c.sendQueue = c.sendQueue[1:]

			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			n, werr := c.conn.Write(frame)
			if werr != nil || n < len(frame) {
				// A partial frame poisons the stream; drop the socket and
				// requeue the message under a fresh identifier.
				c.logger.Warn("frame write failed, requeueing",
					"identifier", env.Identifier, "written", n, "frame_size", len(frame), "error", werr)
				c.disconnect()
				env.Status = status.SendFailed
				env.Retry = c.Queue(env.Message)
				continue
			}
			env.Status = status.NoErrors

			c.sleep(ctx, c.sendInterval)
			if _, err := c.pollErrorResponse(pollTimeout); err != nil {
				return err
			}
			// Recovery may have extended the queue; the loop picks it up.
		}

		if c.conn == nil {
			// Recovery closed the socket and requeued nothing further;
			// there is nothing left to listen on.
			return nil
		}
		handled, err := c.pollErrorResponse(c.drainTimeout)
		if err != nil {
			return err
		}
		if !handled && len(c.sendQueue) == 0 {
			return nil
		}
	}
}

// Disconnect closes the socket if present. It is always safe to call; queued
// and in-flight envelopes are untouched.
func (c *Connection) Disconnect() {
	c.disconnect()
}

func (c *Connection) disconnect() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Connection) connect(ctx context.Context) error {
	endpoint := c.cert.Endpoint(certificate.Gateway)
	conn, err := c.dial(ctx, c.cert, c.connectTimeout)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", endpoint, err)
	}
	c.conn = conn
	c.logger.Debug("connected", "gateway", endpoint)
	return nil
}

// pollErrorResponse waits up to timeout for an error-response frame and
// handles it. It reports whether a frame was consumed. Absence of a frame
// within the window is the success path.
func (c *Connection) pollErrorResponse(timeout time.Duration) (bool, error) {
	if c.conn == nil {
		return false, nil
	}

	c.conn.SetReadDeadline(time.Now().Add(timeout))
	buffer := make([]byte, errorResponseLength)
	n, err := io.ReadFull(c.conn, buffer)
	if err != nil {
		var nerr net.Error
		if n == 0 && errors.As(err, &nerr) && nerr.Timeout() {
			// Window elapsed with nothing pending.
			return false, nil
		}
		c.disconnect()
		if n > 0 {
			// The gateway started a frame and the stream broke mid-way.
			return false, &ProtocolError{Frame: buffer[:n]}
		}
		return false, fmt.Errorf("read error response: %w", err)
	}

	if buffer[0] != errorResponseCommand {
		c.disconnect()
		return false, &ProtocolError{Frame: buffer}
	}

	c.handleErrorResponse(status.FromGateway(buffer[1]), binary.BigEndian.Uint32(buffer[2:]))
	return true, nil
}

// handleErrorResponse applies the gateway's verdict: the identified envelope
// gets the reported status and is not retried; every envelope written after
// it on this connection was silently dropped and is requeued under a new
// identifier, in original order. The socket is closed first since the
// gateway has already half-closed its side.
func (c *Connection) handleErrorResponse(st status.Status, failed uint32) {
	c.disconnect()

	if env, ok := c.inFlight[failed]; ok {
		env.Status = st
	} else {
		c.logger.Warn("gateway rejected unknown identifier", "identifier", failed, "status", st)
	}

	// Identifiers are dense, so walking upward from the rejected frame
	// visits the dropped tail in the order it was originally sent. The
	// bound is snapshotted because requeueing grows the table as we walk.
	last := c.lastIdentifier
	resent := 0
	for next := failed + 1; next <= last; next++ {
		env, ok := c.inFlight[next]
		if !ok {
			break
		}
		if env.Status != status.NoErrors {
			// The rejected frame itself, or an earlier local failure.
			continue
		}
		env.Status = status.EarlierError
		env.Retry = c.Queue(env.Message)
		resent++
	}

	c.logger.Info("recovered from gateway error",
		"identifier", failed, "status", st, "resent", resent)
}

// sleep pauses for the inter-send interval, returning early on cancellation.
func (c *Connection) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
