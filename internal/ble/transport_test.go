package ble

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kidfromjupiter/nearby/internal/ble/protocol"
)

type recordedBytes struct {
	addr string
	char protocol.Characteristic
	data []byte
}

// recordingHandler captures transport callbacks.
type recordingHandler struct {
	mu           sync.Mutex
	bytes        []recordedBytes
	disconnected []string
}

func (h *recordingHandler) OnBytes(addr string, char protocol.Characteristic, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bytes = append(h.bytes, recordedBytes{addr, char, data})
}

func (h *recordingHandler) OnDisconnected(addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = append(h.disconnected, addr)
}

func (h *recordingHandler) received() []recordedBytes {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]recordedBytes(nil), h.bytes...)
}

func (h *recordingHandler) drops() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.disconnected...)
}

func newTestTransport(adapter *mockAdapter) (*GATTTransport, *recordingHandler) {
	h := &recordingHandler{}
	tr := NewGATTTransport(adapter)
	tr.SetHandler(h)
	return tr, h
}

const testAddr = "AA:BB:CC:DD:EE:FF"

func TestCharacteristicUUID(t *testing.T) {
	tests := []struct {
		char protocol.Characteristic
		want string
	}{
		{protocol.CharKeyBasedPairing, KeyBasedPairingUUID},
		{protocol.CharAccountKey, AccountKeyCharUUID},
	}
	for _, tt := range tests {
		got, err := CharacteristicUUID(tt.char)
		if err != nil {
			t.Fatalf("CharacteristicUUID(%s) error = %v", tt.char, err)
		}
		if got != tt.want {
			t.Errorf("CharacteristicUUID(%s) = %q, want %q", tt.char, got, tt.want)
		}
	}
	if _, err := CharacteristicUUID(protocol.Characteristic(99)); err == nil {
		t.Error("CharacteristicUUID(99) error = nil, want error")
	}
}

func TestTransportSendConnectsOnce(t *testing.T) {
	adapter := newMockAdapter(nil)
	tr, _ := newTestTransport(adapter)
	ctx := context.Background()

	if err := tr.Send(ctx, testAddr, protocol.CharKeyBasedPairing, []byte{1}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := tr.Send(ctx, "aa:bb:cc:dd:ee:ff", protocol.CharAccountKey, []byte{2}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if n := adapter.connectCount(); n != 1 {
		t.Errorf("connects = %d, want 1", n)
	}
	conn := adapter.latestConnection()
	if n := conn.char(KeyBasedPairingUUID).writeCount(); n != 1 {
		t.Errorf("KeyBasedPairing writes = %d, want 1", n)
	}
	if n := conn.char(AccountKeyCharUUID).writeCount(); n != 1 {
		t.Errorf("AccountKey writes = %d, want 1", n)
	}
}

func TestTransportNotificationsReachHandler(t *testing.T) {
	adapter := newMockAdapter(nil)
	tr, h := newTestTransport(adapter)
	if err := tr.Send(context.Background(), testAddr, protocol.CharKeyBasedPairing, []byte{1}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	conn := adapter.latestConnection()
	conn.char(AccountKeyCharUUID).SimulateNotification([]byte{0xAB})

	got := h.received()
	if len(got) != 1 {
		t.Fatalf("received %d notifications, want 1", len(got))
	}
	if got[0].char != protocol.CharAccountKey || !bytes.Equal(got[0].data, []byte{0xAB}) {
		t.Errorf("notification = %+v", got[0])
	}
	if got[0].addr != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("address = %q", got[0].addr)
	}
}

func TestTransportReportsDrop(t *testing.T) {
	adapter := newMockAdapter(nil)
	tr, h := newTestTransport(adapter)
	if err := tr.Send(context.Background(), testAddr, protocol.CharKeyBasedPairing, []byte{1}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	adapter.latestConnection().SimulateDisconnect()

	if drops := h.drops(); len(drops) != 1 || drops[0] != testAddr {
		t.Fatalf("drops = %v, want [%s]", drops, testAddr)
	}

	// The next send dials again.
	if err := tr.Send(context.Background(), testAddr, protocol.CharKeyBasedPairing, []byte{1}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if n := adapter.connectCount(); n != 2 {
		t.Errorf("connects = %d, want 2", n)
	}
}

func TestTransportReleaseIsSilent(t *testing.T) {
	adapter := newMockAdapter(nil)
	tr, h := newTestTransport(adapter)
	if err := tr.Send(context.Background(), testAddr, protocol.CharKeyBasedPairing, []byte{1}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	conn := adapter.latestConnection()

	tr.Release(testAddr)
	conn.SimulateDisconnect()

	if !conn.isDisconnected() {
		t.Error("Release() did not disconnect")
	}
	if drops := h.drops(); len(drops) != 0 {
		t.Errorf("drops = %v after Release, want none", drops)
	}
	tr.Release(testAddr)
}

func TestTransportConnectError(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectErr = errors.New("radio off")
	tr, _ := newTestTransport(adapter)

	if err := tr.Send(context.Background(), testAddr, protocol.CharKeyBasedPairing, []byte{1}); err == nil {
		t.Fatal("Send() error = nil, want error")
	}
}

func TestTransportWriteError(t *testing.T) {
	adapter := newMockAdapter(nil)
	tr, _ := newTestTransport(adapter)
	if err := tr.Send(context.Background(), testAddr, protocol.CharKeyBasedPairing, []byte{1}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	adapter.latestConnection().char(KeyBasedPairingUUID).writeErr = errors.New("gatt busy")

	if err := tr.Send(context.Background(), testAddr, protocol.CharKeyBasedPairing, []byte{1}); err == nil {
		t.Fatal("Send() error = nil, want error")
	}
}

func TestTransportWithoutHandler(t *testing.T) {
	tr := NewGATTTransport(newMockAdapter(nil))
	err := tr.Send(context.Background(), testAddr, protocol.CharKeyBasedPairing, []byte{1})
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("Send() error = %v, want ErrNoHandler", err)
	}
}

func TestTransportCanceledContext(t *testing.T) {
	tr, _ := newTestTransport(newMockAdapter(nil))
	tr.SetConnectTimeout(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.Send(ctx, testAddr, protocol.CharKeyBasedPairing, []byte{1}); err == nil {
		t.Fatal("Send() error = nil, want error")
	}
}

func TestTransportClose(t *testing.T) {
	adapter := newMockAdapter(nil)
	tr, h := newTestTransport(adapter)
	ctx := context.Background()
	if err := tr.Send(ctx, testAddr, protocol.CharKeyBasedPairing, []byte{1}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	first := adapter.latestConnection()
	if err := tr.Send(ctx, "11:22:33:44:55:66", protocol.CharKeyBasedPairing, []byte{1}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	second := adapter.latestConnection()

	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !first.isDisconnected() || !second.isDisconnected() {
		t.Error("Close() left a connection open")
	}
	if drops := h.drops(); len(drops) != 0 {
		t.Errorf("drops = %v after Close, want none", drops)
	}
}
