package pairing

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/kidfromjupiter/nearby/internal/ble/protocol"
)

// ModelRegistry resolves the manufacturer secret of a device model.
type ModelRegistry interface {
	// ModelSecret returns the secret for id, or false for unknown models.
	ModelSecret(id protocol.ModelID) ([]byte, bool)
}

// StaticModels is a ModelRegistry backed by a map.
type StaticModels struct {
	mu      sync.RWMutex
	secrets map[protocol.ModelID][]byte
}

var _ ModelRegistry = (*StaticModels)(nil)

// NewStaticModels returns an empty registry.
func NewStaticModels() *StaticModels {
	return &StaticModels{secrets: make(map[protocol.ModelID][]byte)}
}

// Add registers secret for id, replacing any previous secret.
func (m *StaticModels) Add(id protocol.ModelID, secret []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[id] = append([]byte(nil), secret...)
}

// AddHex registers a model from its textual id and hex secret.
func (m *StaticModels) AddHex(id, secretHex string) error {
	mid, err := protocol.ParseModelID(id)
	if err != nil {
		return err
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return fmt.Errorf("pairing: model %s secret: %w", mid, err)
	}
	if len(secret) == 0 {
		return fmt.Errorf("pairing: model %s secret is empty", mid)
	}
	m.Add(mid, secret)
	return nil
}

// ModelSecret implements ModelRegistry.
func (m *StaticModels) ModelSecret(id protocol.ModelID) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.secrets[id]
	return s, ok
}

// Len returns the number of registered models.
func (m *StaticModels) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.secrets)
}
