// Package keystoretest holds the behaviour every keystore.Store backend must
// share.
package keystoretest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidfromjupiter/nearby/internal/device"
	"github.com/kidfromjupiter/nearby/internal/keystore"
)

// Factory opens a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) keystore.Store

// Run exercises newStore against the keystore.Store contract.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s keystore.Store)
	}{
		{"GetMissing", testGetMissing},
		{"PutGet", testPutGet},
		{"AddressCaseInsensitive", testAddressCaseInsensitive},
		{"OverwriteSameAddress", testOverwriteSameAddress},
		{"PersistentIDFollowsAddressRotation", testPersistentIDRotation},
		{"PersistentIDSupersedesAddressOnly", testPersistentIDSupersedesAddressOnly},
		{"DifferentPersistentIDMismatch", testDifferentPersistentID},
		{"Remove", testRemove},
		{"RemoveMissing", testRemoveMissing},
		{"List", testList},
		{"InvalidIdentity", testInvalidIdentity},
		{"ConcurrentPut", testConcurrentPut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func key(b byte) device.AccountKey {
	var k device.AccountKey
	k[0] = device.AccountKeyType
	for i := 1; i < len(k); i++ {
		k[i] = b
	}
	return k
}

func testGetMissing(t *testing.T, s keystore.Store) {
	_, err := s.Get(context.Background(), device.FromAddress("AA:BB:CC:DD:EE:FF"))
	assert.ErrorIs(t, err, keystore.ErrNotFound)
}

func testPutGet(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	id := device.FromAddress("AA:BB:CC:DD:EE:01")
	require.NoError(t, s.Put(ctx, id, key(1)))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, key(1), got)
}

func testAddressCaseInsensitive(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, device.Identity{Address: "aa:bb:cc:dd:ee:02"}, key(2)))

	got, err := s.Get(ctx, device.Identity{Address: "AA:BB:CC:DD:EE:02"})
	require.NoError(t, err)
	assert.Equal(t, key(2), got)
}

func testOverwriteSameAddress(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	id := device.FromAddress("AA:BB:CC:DD:EE:03")
	require.NoError(t, s.Put(ctx, id, key(3)))
	require.NoError(t, s.Put(ctx, id, key(4)))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, key(4), got)

	recs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func testPersistentIDRotation(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	first := device.Identity{Address: "AA:BB:CC:DD:EE:04", PersistentID: "0102030405A6"}
	require.NoError(t, s.Put(ctx, first, key(5)))

	rotated := device.Identity{Address: "11:22:33:44:55:66", PersistentID: "0102030405A6"}
	got, err := s.Get(ctx, rotated)
	require.NoError(t, err)
	assert.Equal(t, key(5), got)

	require.NoError(t, s.Put(ctx, rotated, key(6)))
	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "11:22:33:44:55:66", recs[0].Identity.Address)
	assert.Equal(t, key(6), recs[0].Key)

	_, err = s.Get(ctx, device.FromAddress("AA:BB:CC:DD:EE:04"))
	assert.ErrorIs(t, err, keystore.ErrNotFound)
}

func testPersistentIDSupersedesAddressOnly(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	addr := "AA:BB:CC:DD:EE:05"
	require.NoError(t, s.Put(ctx, device.FromAddress(addr), key(7)))
	require.NoError(t, s.Put(ctx, device.Identity{Address: addr, PersistentID: "A1A2A3A4A5A6"}, key(8)))

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "A1A2A3A4A5A6", recs[0].Identity.PersistentID)

	got, err := s.Get(ctx, device.FromAddress(addr))
	require.NoError(t, err)
	assert.Equal(t, key(8), got)
}

func testDifferentPersistentID(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	addr := "AA:BB:CC:DD:EE:06"
	require.NoError(t, s.Put(ctx, device.Identity{Address: addr, PersistentID: "B1B2B3B4B5B6"}, key(9)))

	_, err := s.Get(ctx, device.Identity{Address: addr, PersistentID: "C1C2C3C4C5C6"})
	assert.ErrorIs(t, err, keystore.ErrNotFound)
}

func testRemove(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	id := device.Identity{Address: "AA:BB:CC:DD:EE:07", PersistentID: "D1D2D3D4D5D6"}
	require.NoError(t, s.Put(ctx, id, key(10)))
	require.NoError(t, s.Remove(ctx, device.Identity{PersistentID: "D1D2D3D4D5D6"}))

	_, err := s.Get(ctx, id)
	assert.ErrorIs(t, err, keystore.ErrNotFound)
	_, err = s.Get(ctx, device.FromAddress("AA:BB:CC:DD:EE:07"))
	assert.ErrorIs(t, err, keystore.ErrNotFound)
}

func testRemoveMissing(t *testing.T, s keystore.Store) {
	assert.NoError(t, s.Remove(context.Background(), device.FromAddress("AA:BB:CC:DD:EE:08")))
}

func testList(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	recs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, s.Put(ctx, device.FromAddress("AA:BB:CC:DD:EE:09"), key(11)))
	require.NoError(t, s.Put(ctx, device.Identity{Address: "AA:BB:CC:DD:EE:0A", PersistentID: "E1E2E3E4E5E6"}, key(12)))

	recs, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.False(t, rec.UpdatedAt.IsZero(), "UpdatedAt unset for %s", rec.Identity)
	}
}

func testInvalidIdentity(t *testing.T, s keystore.Store) {
	err := s.Put(context.Background(), device.Identity{}, key(13))
	assert.ErrorIs(t, err, keystore.ErrInvalidIdentity)
}

func testConcurrentPut(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	id := device.FromAddress("AA:BB:CC:DD:EE:0B")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			assert.NoError(t, s.Put(ctx, id, key(b)))
		}(byte(i + 20))
	}
	wg.Wait()

	recs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
