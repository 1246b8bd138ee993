package sqlite

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
		s, err := New(filepath.Join(t.TempDir(), "keys.sqlite"))
		require.NoError(t, err)
		return s
	})
}

func TestStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.sqlite")
	ctx := context.Background()
	id := device.Identity{Address: "AA:BB:CC:DD:EE:FF", PersistentID: "0A0B0C0D0E0F"}
	k := device.AccountKey{0x04, 9, 8, 7}

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, id, k))
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].Identity)
	assert.Equal(t, k, recs[0].Key)
}
