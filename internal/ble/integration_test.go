package ble

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidfromjupiter/nearby/internal/ble/protocol"
	"github.com/kidfromjupiter/nearby/internal/device"
	"github.com/kidfromjupiter/nearby/internal/keystore"
	"github.com/kidfromjupiter/nearby/internal/pairing"
	"github.com/kidfromjupiter/nearby/internal/pairing/peertest"
)

var (
	integrationModel  = protocol.ModelID{0x0A, 0x0B, 0x0C}
	integrationSecret = []byte("integration-model-secret")
)

// wirePeer answers GATT writes on the mock adapter the way peer would.
func wirePeer(adapter *mockAdapter, peer *peertest.Peer) {
	uuids := map[string]protocol.Characteristic{
		KeyBasedPairingUUID: protocol.CharKeyBasedPairing,
		AccountKeyCharUUID:  protocol.CharAccountKey,
	}
	adapter.onWrite = func(conn *mockConnection, uuid string, data []byte) {
		replyChar, reply, err := peer.Handle(uuids[uuid], data)
		if err != nil {
			return
		}
		replyUUID, err := CharacteristicUUID(replyChar)
		if err != nil {
			return
		}
		conn.char(replyUUID).SimulateNotification(reply)
	}
}

func TestDriverPairsOverGATT(t *testing.T) {
	peer := peertest.New(integrationModel, integrationSecret, [protocol.PersistentIDSize]byte{1, 2, 3, 4, 5, 6})
	adapter := newMockAdapter([]device.Sighting{
		{Address: "aa:bb:cc:dd:ee:ff", ServiceData: peer.Advertisement(true), RSSI: -40},
	})
	wirePeer(adapter, peer)

	models := pairing.NewStaticModels()
	models.Add(integrationModel, integrationSecret)
	store := keystore.NewMemoryStore()
	defer store.Close()

	cfg := pairing.DefaultDriverConfig()
	cfg.ResponseTimeout = 2 * time.Second
	cfg.AckTimeout = 2 * time.Second

	tr := NewGATTTransport(adapter)
	driver := pairing.NewDriver(cfg, tr, store, models)
	tr.SetHandler(driver)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- driver.Run(ctx, adapter) }()

	var ev pairing.Outcome
	select {
	case ev = <-driver.Events():
	case <-time.After(3 * time.Second):
		t.Fatal("no pairing event")
	}
	require.Equal(t, pairing.EventPaired, ev.Kind, "event: %+v", ev)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", ev.Identity.Address)

	keys := peer.AccountKeys()
	require.Len(t, keys, 1)
	assert.Equal(t, ev.AccountKey, keys[0])

	stored, err := store.Get(context.Background(), ev.Identity)
	require.NoError(t, err)
	assert.Equal(t, keys[0], stored)

	assert.Equal(t, 1, adapter.connectCount())
	conn := adapter.latestConnection()
	assert.Equal(t, 1, conn.char(KeyBasedPairingUUID).writeCount())
	assert.Equal(t, 1, conn.char(AccountKeyCharUUID).writeCount())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.NoError(t, tr.Close())
}
