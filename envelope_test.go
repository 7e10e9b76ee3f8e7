package apns_test

import (
	"testing"

	apns "github.com/takimoto3/apns-binary"
	"github.com/takimoto3/apns-binary/status"
)

func TestEnvelope_FinalEnvelope(t *testing.T) {
	m := &apns.Message{DeviceToken: testToken, Payload: []byte(`{}`)}

	terminal := &apns.Envelope{Identifier: 3, Message: m, Status: status.NoErrors}
	middle := &apns.Envelope{Identifier: 2, Message: m, Status: status.EarlierError, Retry: terminal}
	first := &apns.Envelope{Identifier: 1, Message: m, Status: status.SendFailed, Retry: middle}

	if got := first.FinalEnvelope(); got != terminal {
		t.Errorf("FinalEnvelope() = %v, want the terminal envelope", got)
	}
	if got := first.FinalStatus(); got != status.NoErrors {
		t.Errorf("FinalStatus() = %v, want %v", got, status.NoErrors)
	}
	if got := terminal.FinalEnvelope(); got != terminal {
		t.Errorf("FinalEnvelope() on a terminal envelope must return itself")
	}
}
