package apns

import (
	"github.com/takimoto3/apns-binary/status"
)

// Envelope tracks one queueing of a message on a connection. The connection
// that issued it is the only mutator; callers poll the exported fields after
// a flush.
//
// When a message had to be requeued (short write, or it was in the dropped
// tail after a gateway rejection), Retry points at the replacement envelope.
// Replacements can themselves be replaced, so the chain may be several links
// long; FinalEnvelope follows it to the end.
type Envelope struct {
	// Identifier is the frame identifier, unique within the connection.
	Identifier uint32

	// Message is the queued message.
	Message *Message

	// Status is the current delivery state.
	Status status.Status

	// Retry is the replacement envelope, set only when Status is
	// SendFailed or EarlierError.
	Retry *Envelope
}

// FinalEnvelope follows the retry chain and returns the envelope that
// carries the definitive outcome for the underlying message.
func (e *Envelope) FinalEnvelope() *Envelope {
	env := e
	for env.Retry != nil {
		env = env.Retry
	}
	return env
}

// FinalStatus returns the status of the envelope at the end of the retry
// chain.
func (e *Envelope) FinalStatus() status.Status {
	return e.FinalEnvelope().Status
}
