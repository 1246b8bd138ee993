// Package keystore persists the account keys provisioned onto paired
// devices. A Store is opened by its owner, handed to the pairing driver,
// and closed by the owner at shutdown.
package keystore

import (
	"context"
	"errors"
	"time"

	"github.com/kidfromjupiter/nearby/internal/device"
)

// ErrNotFound indicates no account key is stored for the identity.
var ErrNotFound = errors.New("keystore: not found")

// Record is one stored account key.
type Record struct {
	Identity  device.Identity   `json:"identity"`
	Key       device.AccountKey `json:"key"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store maps device identities to account keys.
//
// Lookups follow device.Identity equality: a persistent id is matched first,
// then the address. Put is atomic per device: it either stores the new key
// and drops every previous mapping for the same persistent id or address,
// or leaves the store unchanged.
type Store interface {
	Get(ctx context.Context, id device.Identity) (device.AccountKey, error)
	Put(ctx context.Context, id device.Identity, key device.AccountKey) error
	// Remove deletes the mapping for id. Removing a missing identity is not
	// an error.
	Remove(ctx context.Context, id device.Identity) error
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// ErrInvalidIdentity rejects identities with neither address nor persistent id.
var ErrInvalidIdentity = errors.New("keystore: identity has no address or persistent id")

// Validate checks id can be used as a store key.
func Validate(id device.Identity) error {
	if id.PersistentID == "" && device.NormalizeAddress(id.Address) == "" {
		return ErrInvalidIdentity
	}
	return nil
}

// Supersedes reports whether storing next must drop the existing record:
// the same persistent id, or the same address.
func Supersedes(next device.Identity, existing Record) bool {
	if next.PersistentID != "" && next.PersistentID == existing.Identity.PersistentID {
		return true
	}
	addr := device.NormalizeAddress(next.Address)
	return addr != "" && addr == device.NormalizeAddress(existing.Identity.Address)
}

// CheckContext returns ctx.Err() if ctx is already done.
func CheckContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
