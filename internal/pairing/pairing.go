// Package pairing runs the seeker side of the key-based pairing handshake.
//
// A Session is a pure state machine: it consumes Events and returns the
// Commands the caller must execute. The Driver owns many sessions, executes
// their commands against a Transport, runs timers, applies the retry
// policy, and stores the account key once a session reaches Paired.
package pairing

import (
	"errors"
	"fmt"
)

// State is a session's position in the handshake.
type State int

const (
	StateDiscovered State = iota
	StateKeyExchangeSent
	StateKeyExchangeConfirmed
	StateAccountKeyWriteSent
	StatePaired
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "Discovered"
	case StateKeyExchangeSent:
		return "KeyExchangeSent"
	case StateKeyExchangeConfirmed:
		return "KeyExchangeConfirmed"
	case StateAccountKeyWriteSent:
		return "AccountKeyWriteSent"
	case StatePaired:
		return "Paired"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StatePaired || s == StateFailed
}

// Reason classifies a session failure.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonTimeout
	ReasonTransportLost
	ReasonAuthenticationFailed
	ReasonProtocolError
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonTimeout:
		return "Timeout"
	case ReasonTransportLost:
		return "TransportLost"
	case ReasonAuthenticationFailed:
		return "AuthenticationFailed"
	case ReasonProtocolError:
		return "ProtocolError"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Retryable reports whether the driver may restart a session that failed
// for this reason.
func (r Reason) Retryable() bool {
	return r == ReasonTimeout || r == ReasonTransportLost
}

// Sentinel errors wrapped by Failure.Err.
var (
	ErrTimeout        = errors.New("pairing: timed out waiting for peer")
	ErrTransportLost  = errors.New("pairing: transport lost")
	ErrOutOfOrder     = errors.New("pairing: unexpected message for state")
	ErrInvalidCommand = errors.New("pairing: invalid command for state")
	ErrNonceReflected = errors.New("pairing: peer reflected seeker nonce")
	ErrAckMismatch    = errors.New("pairing: account key ack does not match")
	ErrTagMismatch    = errors.New("pairing: peer authentication tag mismatch")
)

// Failure is the classified cause of a failed session.
type Failure struct {
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return "pairing: " + f.Reason.String()
	}
	return fmt.Sprintf("pairing: %s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// ReasonOf extracts the failure reason from err, or ReasonNone.
func ReasonOf(err error) Reason {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return ReasonNone
}

func fail(reason Reason, err error) *Failure {
	return &Failure{Reason: reason, Err: err}
}
