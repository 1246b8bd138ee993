// Package protocol implements the binary wire formats of the Fast Pair seeker:
// the service-data advertisement broadcast by pairable devices and the GATT
// messages exchanged on the key-based pairing and account key characteristics.
//
// Every multi-byte integer is big-endian. The layouts below are frozen per
// version; a decoder never guesses at an unknown version.
package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed reports input that is truncated, oversized, or violates a
	// reserved-bit or length constraint.
	ErrMalformed = errors.New("protocol: malformed payload")
	// ErrUnsupportedVersion reports a well-framed payload with a version this
	// codec does not speak.
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
)

// Version1 is the only protocol version understood by this codec.
const Version1 byte = 0x01

// AdvertisementMagic leads every advertisement service-data payload.
const AdvertisementMagic byte = 0xFA

// Field sizes shared by the advertisement and GATT formats.
const (
	ModelIDSize      = 3
	NonceSize        = 16
	PublicKeySize    = 33 // SEC1 compressed P-256
	PersistentIDSize = 6
	TagSize          = 16
	IVSize           = 12
	AccountKeySize   = 16
	GCMTagSize       = 16

	MaxFilterSize = 32
	MaxSaltSize   = 16
)

// Advertisement flag bits.
const (
	FlagPairingMode      uint8 = 0x01
	FlagAccountKeyFilter uint8 = 0x02

	advertisementReservedFlags uint8 = 0xFC
)

// Key exchange request flag bits.
const (
	RequestFlagRepair          uint8 = 0x01
	RequestFlagInitiateBonding uint8 = 0x02

	requestReservedFlags uint8 = 0xFC
)

// MessageType identifies a GATT message.
type MessageType uint8

const (
	MessageKeyExchangeRequest  MessageType = 0x10
	MessageKeyExchangeResponse MessageType = 0x11
	MessageAccountKeyWrite     MessageType = 0x20
	MessageAccountKeyAck       MessageType = 0x21
)

// String returns the message name.
func (t MessageType) String() string {
	switch t {
	case MessageKeyExchangeRequest:
		return "KeyExchangeRequest"
	case MessageKeyExchangeResponse:
		return "KeyExchangeResponse"
	case MessageAccountKeyWrite:
		return "AccountKeyWrite"
	case MessageAccountKeyAck:
		return "AccountKeyAck"
	default:
		return fmt.Sprintf("MessageType(0x%02x)", uint8(t))
	}
}

// Characteristic names one of the GATT characteristics used by the handshake.
type Characteristic uint8

const (
	CharKeyBasedPairing Characteristic = iota + 1
	CharAccountKey
)

// String returns the characteristic name.
func (c Characteristic) String() string {
	switch c {
	case CharKeyBasedPairing:
		return "KeyBasedPairing"
	case CharAccountKey:
		return "AccountKey"
	default:
		return "Unknown"
	}
}

// malformed wraps ErrMalformed with detail.
func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
