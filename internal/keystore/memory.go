package keystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kidfromjupiter/nearby/internal/device"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store. Its contents are lost on exit.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record // keyed by Identity.Key()
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// Get returns the account key stored for id.
func (s *MemoryStore) Get(ctx context.Context, id device.Identity) (device.AccountKey, error) {
	if err := CheckContext(ctx); err != nil {
		return device.AccountKey{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.lookup(id)
	if !ok {
		return device.AccountKey{}, ErrNotFound
	}
	return rec.Key, nil
}

// Put stores key for id, superseding older mappings of the same device.
func (s *MemoryStore) Put(ctx context.Context, id device.Identity, key device.AccountKey) error {
	if err := CheckContext(ctx); err != nil {
		return err
	}
	if err := Validate(id); err != nil {
		return err
	}
	id.Address = device.NormalizeAddress(id.Address)

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, rec := range s.records {
		if Supersedes(id, rec) {
			delete(s.records, k)
		}
	}
	s.records[id.Key()] = Record{Identity: id, Key: key, UpdatedAt: s.now().UTC()}
	return nil
}

// Remove deletes the mapping for id.
func (s *MemoryStore) Remove(ctx context.Context, id device.Identity) error {
	if err := CheckContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.lookup(id); ok {
		delete(s.records, rec.Identity.Key())
	}
	return nil
}

// List returns every record ordered by storage key.
func (s *MemoryStore) List(ctx context.Context) ([]Record, error) {
	if err := CheckContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.Key() < out[j].Identity.Key() })
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// lookup finds the record equal to id (caller must hold mu).
func (s *MemoryStore) lookup(id device.Identity) (Record, bool) {
	if id.PersistentID != "" {
		if rec, ok := s.records[id.PersistentID]; ok {
			return rec, true
		}
	}
	addr := device.NormalizeAddress(id.Address)
	if addr == "" {
		return Record{}, false
	}
	for _, rec := range s.records {
		if rec.Identity.Address == addr && rec.Identity.Equal(id) {
			return rec, true
		}
	}
	return Record{}, false
}
