package pairing

import (
	"time"

	"github.com/kidfromjupiter/nearby/internal/ble/protocol"
)

// Event is an input to Session.Handle.
type Event interface{ isEvent() }

// Begin starts the handshake from Discovered.
type Begin struct{}

// BytesReceived is a notification from the peer on a characteristic.
type BytesReceived struct {
	Characteristic protocol.Characteristic
	Data           []byte
}

// TimerFired reports that the timer armed as Seq during Attempt elapsed.
type TimerFired struct {
	Attempt int
	Seq     uint64
}

// ProvisionAccountKey asks a confirmed session to write its account key.
type ProvisionAccountKey struct{}

// Abort fails the session with TransportLost. Err, when set, is wrapped.
type Abort struct {
	Err error
}

func (Begin) isEvent()               {}
func (BytesReceived) isEvent()       {}
func (TimerFired) isEvent()          {}
func (ProvisionAccountKey) isEvent() {}
func (Abort) isEvent()               {}

// Command is a side effect requested by a session.
type Command interface{ isCommand() }

// SendBytes writes Data to the peer on Characteristic.
type SendBytes struct {
	Characteristic protocol.Characteristic
	Data           []byte
}

// ArmTimer schedules TimerFired{Attempt, Seq} after the given duration,
// replacing any timer already armed for the session. Seq increases with
// every timer a session arms, across phases and attempts.
type ArmTimer struct {
	Attempt int
	Seq     uint64
	After   time.Duration
}

// CancelTimer stops the timer armed as Seq.
type CancelTimer struct {
	Attempt int
	Seq     uint64
}

func (SendBytes) isCommand()   {}
func (ArmTimer) isCommand()    {}
func (CancelTimer) isCommand() {}
