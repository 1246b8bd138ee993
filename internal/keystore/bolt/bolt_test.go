package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidfromjupiter/nearby/internal/device"
	"github.com/kidfromjupiter/nearby/internal/keystore"
	"github.com/kidfromjupiter/nearby/internal/keystore/keystoretest"
)

func TestStore(t *testing.T) {
	keystoretest.Run(t, func(t *testing.T) keystore.Store {
		s, err := New(filepath.Join(t.TempDir(), "keys.db"))
		require.NoError(t, err)
		return s
	})
}

func TestStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "keys.db")
	ctx := context.Background()
	id := device.Identity{Address: "AA:BB:CC:DD:EE:FF", PersistentID: "0A0B0C0D0E0F"}
	k := device.AccountKey{0x04, 1, 2, 3}

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, id, k))
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, device.FromAddress("aa:bb:cc:dd:ee:ff"))
	require.NoError(t, err)
	assert.Equal(t, k, got)
}
