// Package identity tracks device identities and their pairing state.
//
// A device becomes usable as a node only after it is paired: a valid
// signature from an unpaired device is still rejected at the handshake.
package identity

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DeviceState is the pairing lifecycle state of a device.
type DeviceState string

const (
	// StatePending means the device has announced itself but has not been
	// approved.
	StatePending DeviceState = "pending"
	// StatePaired means the device is approved for node connections.
	StatePaired DeviceState = "paired"
	// StateRevoked means the device's approval was withdrawn.
	StateRevoked DeviceState = "revoked"
)

// Device is a known device identity.
type Device struct {
	// ID is the stable device identifier.
	ID string

	// DisplayName is a human-readable name.
	DisplayName string

	// PublicKey is the device's base64-encoded ed25519 public key.
	PublicKey string

	// State is the pairing state.
	State DeviceState

	// CreatedAt is when the device was first seen.
	CreatedAt time.Time

	// PairedAt is when the device was approved, zero if never.
	PairedAt time.Time
}

// Store defines device identity persistence.
type Store interface {
	// Get retrieves a device by ID.
	Get(ctx context.Context, deviceID string) (*Device, error)

	// Put creates or replaces a device record.
	Put(ctx context.Context, device *Device) error

	// SetState transitions a device's pairing state.
	SetState(ctx context.Context, deviceID string, state DeviceState) error

	// List returns all known devices.
	List(ctx context.Context) ([]*Device, error)
}

// ErrNotFound is returned for unknown device IDs.
var ErrNotFound = fmt.Errorf("device not found")

// MemoryStore is an in-memory device store.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewMemoryStore creates an empty in-memory device store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]*Device)}
}

// Get retrieves a device by ID.
func (s *MemoryStore) Get(ctx context.Context, deviceID string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	copied := *device
	return &copied, nil
}

// Put creates or replaces a device record.
func (s *MemoryStore) Put(ctx context.Context, device *Device) error {
	if device == nil || device.ID == "" {
		return fmt.Errorf("device id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *device
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	if copied.State == "" {
		copied.State = StatePending
	}
	s.devices[copied.ID] = &copied
	return nil
}

// SetState transitions a device's pairing state.
func (s *MemoryStore) SetState(ctx context.Context, deviceID string, state DeviceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	device.State = state
	if state == StatePaired && device.PairedAt.IsZero() {
		device.PairedAt = time.Now()
	}
	return nil
}

// List returns all known devices.
func (s *MemoryStore) List(ctx context.Context) ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Device, 0, len(s.devices))
	for _, device := range s.devices {
		copied := *device
		out = append(out, &copied)
	}
	return out, nil
}
