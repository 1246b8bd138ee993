// Package ble connects the pairing engine to Bluetooth Low Energy: it scans
// for Fast Pair advertisements and carries handshake messages over the
// KeyBasedPairing and AccountKey GATT characteristics.
package ble

import (
	"context"
	"fmt"

	"github.com/kidfromjupiter/nearby/internal/ble/protocol"
	"github.com/kidfromjupiter/nearby/internal/device"
)

// Fast Pair BLE UUIDs
const (
	ServiceUUID         = "0000fe2c-0000-1000-8000-00805f9b34fb"
	KeyBasedPairingUUID = "fe2c1234-8366-4814-8eb0-01de32100bea"
	AccountKeyCharUUID  = "fe2c1236-8366-4814-8eb0-01de32100bea"
)

// serviceUUID16 is the 16-bit form of ServiceUUID used in service data.
const serviceUUID16 uint16 = 0xFE2C

// CharacteristicUUID maps a handshake characteristic to its GATT UUID.
func CharacteristicUUID(c protocol.Characteristic) (string, error) {
	switch c {
	case protocol.CharKeyBasedPairing:
		return KeyBasedPairingUUID, nil
	case protocol.CharAccountKey:
		return AccountKeyCharUUID, nil
	default:
		return "", fmt.Errorf("ble: no UUID for characteristic %s", c)
	}
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports every advertisement carrying Fast Pair service data
	// until ctx is done.
	Scan(ctx context.Context, fn func(device.Sighting)) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
