// Package device defines the identity of a Fast Pair peer and the account
// key provisioned onto it.
package device

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// AccountKeySize is the length of an account key.
const AccountKeySize = 16

// AccountKeyType marks the first byte of every account key.
const AccountKeyType byte = 0x04

// AccountKey is the long-lived credential written to a device on a
// successful pairing.
type AccountKey [AccountKeySize]byte

// NewAccountKey generates a random account key. A nil random source uses
// crypto/rand.
func NewAccountKey(random io.Reader) (AccountKey, error) {
	if random == nil {
		random = rand.Reader
	}
	var k AccountKey
	if _, err := io.ReadFull(random, k[:]); err != nil {
		return AccountKey{}, fmt.Errorf("device: generate account key: %w", err)
	}
	k[0] = AccountKeyType
	return k, nil
}

// ParseAccountKey decodes a hex account key.
func ParseAccountKey(s string) (AccountKey, error) {
	var k AccountKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("device: account key: %w", err)
	}
	if len(b) != AccountKeySize {
		return k, fmt.Errorf("device: account key: want %d bytes, got %d", AccountKeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// String returns the key as hex.
func (k AccountKey) String() string {
	return hex.EncodeToString(k[:])
}

// MarshalText implements encoding.TextMarshaler.
func (k AccountKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *AccountKey) UnmarshalText(text []byte) error {
	parsed, err := ParseAccountKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// IsZero reports whether k is unset.
func (k AccountKey) IsZero() bool {
	return k == AccountKey{}
}

// Identity is a stable handle for a physical peer. Address is the BLE
// address it was seen at and may rotate; PersistentID is assigned by the
// manufacturer and learned during the handshake.
type Identity struct {
	Address      string `json:"address"`
	PersistentID string `json:"persistent_id,omitempty"`
}

// FromAddress returns a provisional identity for a freshly discovered peer.
func FromAddress(addr string) Identity {
	return Identity{Address: NormalizeAddress(addr)}
}

// Equal compares persistent ids when both sides have one, addresses otherwise.
func (id Identity) Equal(other Identity) bool {
	if id.PersistentID != "" && other.PersistentID != "" {
		return id.PersistentID == other.PersistentID
	}
	return NormalizeAddress(id.Address) == NormalizeAddress(other.Address)
}

// Key returns the canonical storage key: the persistent id when known,
// otherwise the address.
func (id Identity) Key() string {
	if id.PersistentID != "" {
		return id.PersistentID
	}
	return "addr:" + NormalizeAddress(id.Address)
}

// String returns a human-readable form for logs.
func (id Identity) String() string {
	if id.PersistentID != "" {
		return fmt.Sprintf("%s (%s)", id.Address, id.PersistentID)
	}
	return id.Address
}

// PersistentIDFromBytes formats a wire persistent id.
func PersistentIDFromBytes(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// NormalizeAddress upper-cases a BLE address so lookups are case-insensitive.
func NormalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}

// Sighting is one advertisement observed by the scanner.
type Sighting struct {
	Address     string
	ServiceData []byte // service data for the pairing service UUID
	RSSI        int
}
