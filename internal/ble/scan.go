package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kidfromjupiter/nearby/internal/ble/protocol"
	"github.com/kidfromjupiter/nearby/internal/device"
)

// Device is a Fast Pair provider seen during a scan.
type Device struct {
	Address       string
	RSSI          int
	Advertisement protocol.Advertisement
}

// ScanForDevices scans for timeout and returns every provider with a
// well-formed advertisement, strongest first. A device seen more than once
// keeps its latest advertisement and strongest signal.
func ScanForDevices(ctx context.Context, adapter Adapter, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu    sync.Mutex
		seen  = make(map[string]*Device)
		order []string
	)
	err := adapter.Scan(ctx, func(s device.Sighting) {
		adv, err := protocol.DecodeAdvertisement(s.ServiceData)
		if err != nil {
			slog.Debug("[BLE] skipping advertisement", "address", s.Address, "error", err)
			return
		}
		addr := device.NormalizeAddress(s.Address)

		mu.Lock()
		defer mu.Unlock()
		d, ok := seen[addr]
		if !ok {
			seen[addr] = &Device{Address: addr, RSSI: s.RSSI, Advertisement: adv}
			order = append(order, addr)
			return
		}
		d.Advertisement = adv
		if s.RSSI > d.RSSI {
			d.RSSI = s.RSSI
		}
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	devices := make([]Device, 0, len(order))
	for _, addr := range order {
		devices = append(devices, *seen[addr])
	}
	sort.SliceStable(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })
	return devices, nil
}
