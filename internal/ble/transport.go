package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kidfromjupiter/nearby/internal/ble/protocol"
	"github.com/kidfromjupiter/nearby/internal/device"
)

// Handler receives inbound traffic from a GATTTransport.
type Handler interface {
	OnBytes(addr string, char protocol.Characteristic, data []byte)
	OnDisconnected(addr string)
}

// ErrNoHandler is returned by Send before SetHandler is called.
var ErrNoHandler = errors.New("ble: transport has no handler")

// DefaultConnectTimeout bounds connection setup in Send.
const DefaultConnectTimeout = 10 * time.Second

// link is one connected device with its handshake characteristics.
type link struct {
	conn  Connection
	chars map[protocol.Characteristic]Characteristic
}

// GATTTransport carries handshake messages over GATT. It connects to a
// device on first Send, subscribes to notifications on both handshake
// characteristics, and reports drops to its Handler.
type GATTTransport struct {
	adapter        Adapter
	connectTimeout time.Duration

	mu      sync.Mutex
	handler Handler
	links   map[string]*link
	dialing map[string]chan struct{}
}

// NewGATTTransport returns a transport over adapter. The adapter must
// already be enabled.
func NewGATTTransport(adapter Adapter) *GATTTransport {
	return &GATTTransport{
		adapter:        adapter,
		connectTimeout: DefaultConnectTimeout,
		links:          make(map[string]*link),
		dialing:        make(map[string]chan struct{}),
	}
}

// SetConnectTimeout overrides DefaultConnectTimeout.
func (t *GATTTransport) SetConnectTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectTimeout = d
}

// SetHandler sets the receiver of notifications and disconnects.
func (t *GATTTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Send writes data to char on the device at addr, connecting if needed.
func (t *GATTTransport) Send(ctx context.Context, addr string, char protocol.Characteristic, data []byte) error {
	addr = device.NormalizeAddress(addr)
	l, err := t.connect(ctx, addr)
	if err != nil {
		return err
	}
	c, ok := l.chars[char]
	if !ok {
		return fmt.Errorf("ble: characteristic %s not available on %s", char, addr)
	}
	if err := c.Write(data); err != nil {
		return fmt.Errorf("ble: write %s to %s: %w", char, addr, err)
	}
	return nil
}

// Release disconnects addr. The drop is not reported to the handler.
func (t *GATTTransport) Release(addr string) {
	addr = device.NormalizeAddress(addr)
	t.mu.Lock()
	l, ok := t.links[addr]
	delete(t.links, addr)
	t.mu.Unlock()
	if !ok {
		return
	}
	if err := l.conn.Disconnect(); err != nil {
		slog.Debug("[BLE] disconnect", "address", addr, "error", err)
	}
}

// Close releases every connection.
func (t *GATTTransport) Close() error {
	t.mu.Lock()
	addrs := make([]string, 0, len(t.links))
	for addr := range t.links {
		addrs = append(addrs, addr)
	}
	t.mu.Unlock()
	for _, addr := range addrs {
		t.Release(addr)
	}
	return nil
}

// connect returns the link for addr, dialing at most once at a time per
// address.
func (t *GATTTransport) connect(ctx context.Context, addr string) (*link, error) {
	for {
		t.mu.Lock()
		if t.handler == nil {
			t.mu.Unlock()
			return nil, ErrNoHandler
		}
		if l, ok := t.links[addr]; ok {
			t.mu.Unlock()
			return l, nil
		}
		wait, busy := t.dialing[addr]
		if !busy {
			done := make(chan struct{})
			t.dialing[addr] = done
			timeout := t.connectTimeout
			t.mu.Unlock()

			l, err := t.dial(ctx, addr, timeout)

			t.mu.Lock()
			delete(t.dialing, addr)
			if err == nil {
				t.links[addr] = l
			}
			t.mu.Unlock()
			close(done)
			return l, err
		}
		t.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (t *GATTTransport) dial(ctx context.Context, addr string, timeout time.Duration) (*link, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := t.adapter.Connect(cctx, addr)
	if err != nil {
		return nil, err
	}
	l := &link{conn: conn, chars: make(map[protocol.Characteristic]Characteristic, 2)}

	for _, char := range []protocol.Characteristic{protocol.CharKeyBasedPairing, protocol.CharAccountKey} {
		uuid, err := CharacteristicUUID(char)
		if err != nil {
			_ = conn.Disconnect()
			return nil, err
		}
		c, err := conn.DiscoverCharacteristic(ServiceUUID, uuid)
		if err != nil {
			_ = conn.Disconnect()
			return nil, fmt.Errorf("ble: discover %s on %s: %w", char, addr, err)
		}
		if err := c.Subscribe(t.notify(addr, char)); err != nil {
			_ = conn.Disconnect()
			return nil, fmt.Errorf("ble: subscribe %s on %s: %w", char, addr, err)
		}
		l.chars[char] = c
	}

	conn.OnDisconnect(func() {
		t.mu.Lock()
		cur, ok := t.links[addr]
		if ok && cur == l {
			delete(t.links, addr)
		}
		h := t.handler
		t.mu.Unlock()
		// Drops after Release belong to nobody.
		if !ok || cur != l {
			return
		}
		slog.Warn("[BLE] disconnected", "address", addr)
		h.OnDisconnected(addr)
	})

	slog.Info("[BLE] connected", "address", addr)
	return l, nil
}

func (t *GATTTransport) notify(addr string, char protocol.Characteristic) func([]byte) {
	return func(data []byte) {
		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			h.OnBytes(addr, char, data)
		}
	}
}
