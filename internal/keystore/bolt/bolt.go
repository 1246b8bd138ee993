// Package bolt is a BoltDB-backed account key store.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kidfromjupiter/nearby/internal/device"
	"github.com/kidfromjupiter/nearby/internal/keystore"
)

var _ keystore.Store = (*Store)(nil)

var (
	bucketKeys      = []byte("account_keys") // Identity.Key() -> Record JSON
	bucketAddresses = []byte("addresses")    // normalized address -> Identity.Key()
)

// Store is a BoltDB-backed keystore.Store. Every Put runs in a single
// read-write transaction, so a crash mid-write leaves the previous mapping.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// New opens (creating if needed) the Bolt database at path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("keystore/bolt: create dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("keystore/bolt: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketKeys); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketAddresses)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("keystore/bolt: init buckets: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying Bolt DB.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the account key stored for id.
func (s *Store) Get(ctx context.Context, id device.Identity) (device.AccountKey, error) {
	if err := keystore.CheckContext(ctx); err != nil {
		return device.AccountKey{}, err
	}
	var rec *keystore.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = lookup(tx, id)
		return err
	})
	if err != nil {
		return device.AccountKey{}, err
	}
	if rec == nil {
		return device.AccountKey{}, keystore.ErrNotFound
	}
	return rec.Key, nil
}

// Put stores key for id, superseding older mappings of the same device.
func (s *Store) Put(ctx context.Context, id device.Identity, key device.AccountKey) error {
	if err := keystore.CheckContext(ctx); err != nil {
		return err
	}
	if err := keystore.Validate(id); err != nil {
		return err
	}
	id.Address = device.NormalizeAddress(id.Address)
	rec := keystore.Record{Identity: id, Key: key, UpdatedAt: s.now().UTC()}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		keys := tx.Bucket(bucketKeys)
		addrs := tx.Bucket(bucketAddresses)

		// Drop the record sharing the address, then the one sharing the key.
		if id.Address != "" {
			if old := addrs.Get([]byte(id.Address)); old != nil {
				if err := deleteRecord(tx, append([]byte(nil), old...)); err != nil {
					return err
				}
			}
		}
		if err := deleteRecord(tx, []byte(id.Key())); err != nil {
			return err
		}

		if err := keys.Put([]byte(id.Key()), payload); err != nil {
			return err
		}
		if id.Address != "" {
			return addrs.Put([]byte(id.Address), []byte(id.Key()))
		}
		return nil
	})
}

// Remove deletes the mapping for id.
func (s *Store) Remove(ctx context.Context, id device.Identity) error {
	if err := keystore.CheckContext(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		rec, err := lookup(tx, id)
		if err != nil || rec == nil {
			return err
		}
		return deleteRecord(tx, []byte(rec.Identity.Key()))
	})
}

// List returns every record ordered by storage key.
func (s *Store) List(ctx context.Context) ([]keystore.Record, error) {
	if err := keystore.CheckContext(ctx); err != nil {
		return nil, err
	}
	var out []keystore.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).ForEach(func(_, v []byte) error {
			var rec keystore.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func lookup(tx *bolt.Tx, id device.Identity) (*keystore.Record, error) {
	keys := tx.Bucket(bucketKeys)
	if id.PersistentID != "" {
		if v := keys.Get([]byte(id.PersistentID)); v != nil {
			return decode(v)
		}
	}
	addr := device.NormalizeAddress(id.Address)
	if addr == "" {
		return nil, nil
	}
	primary := tx.Bucket(bucketAddresses).Get([]byte(addr))
	if primary == nil {
		return nil, nil
	}
	v := keys.Get(primary)
	if v == nil {
		return nil, nil
	}
	rec, err := decode(v)
	if err != nil {
		return nil, err
	}
	if !rec.Identity.Equal(id) {
		return nil, nil
	}
	return rec, nil
}

// deleteRecord removes a record and its address index entry.
func deleteRecord(tx *bolt.Tx, primary []byte) error {
	keys := tx.Bucket(bucketKeys)
	v := keys.Get(primary)
	if v == nil {
		return nil
	}
	rec, err := decode(v)
	if err != nil {
		return err
	}
	if rec.Identity.Address != "" {
		addrs := tx.Bucket(bucketAddresses)
		if cur := addrs.Get([]byte(rec.Identity.Address)); string(cur) == string(primary) {
			if err := addrs.Delete([]byte(rec.Identity.Address)); err != nil {
				return err
			}
		}
	}
	return keys.Delete(primary)
}

func decode(v []byte) (*keystore.Record, error) {
	var rec keystore.Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("keystore/bolt: decode record: %w", err)
	}
	return &rec, nil
}
