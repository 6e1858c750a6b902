// Package registry maps transport wireless IDs to stable SC-XXXXXXXX
// short IDs and maintains the device roster.
package registry

import (
	"crypto/sha256"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sidecharge/orchestrator/internal/storage"
)

// Registry resolves devices on the uplink path and enrolls unknown ones
// on first contact.
type Registry struct {
	db *storage.DB
}

// New creates a registry backed by the given store.
func New(db *storage.DB) *Registry {
	return &Registry{db: db}
}

// ShortID derives the stable device ID from a transport wireless ID:
// SC- followed by the first four bytes of SHA-256 of the lowercased UUID,
// upper-hex. Deterministic, so re-enrollment after a store wipe lands on
// the same ID.
func ShortID(wirelessID string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(wirelessID)))
	return fmt.Sprintf("SC-%02X%02X%02X%02X", sum[0], sum[1], sum[2], sum[3])
}

// GetOrCreate resolves the device for an uplink, enrolling it with
// active status on first contact.
func (r *Registry) GetOrCreate(wirelessID string, seenAt time.Time) (*storage.Device, error) {
	shortID := ShortID(wirelessID)

	dev, err := r.db.GetDevice(shortID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up device %s: %w", shortID, err)
	}
	if dev != nil {
		return dev, nil
	}

	dev = &storage.Device{
		ShortID:    shortID,
		WirelessID: wirelessID,
		Status:     storage.DeviceStatusActive,
		LastSeen:   seenAt,
		CreatedAt:  seenAt.UTC(),
	}
	if err := r.db.InsertDevice(dev); err != nil {
		// Lost a race with a concurrent uplink for the same device.
		if existing, lookupErr := r.db.GetDevice(shortID); lookupErr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to enroll device %s: %w", shortID, err)
	}

	log.Printf("[registry] Enrolled new device %s (wireless %s)", shortID, wirelessID)
	return dev, nil
}

// Touch updates last-seen and, when the uplink reported one, the app
// version.
func (r *Registry) Touch(shortID string, seenAt time.Time, appVersion int) error {
	return r.db.TouchDevice(shortID, seenAt, appVersion)
}

// ActiveDevices lists the enrolled fleet for the scheduler and digest.
func (r *Registry) ActiveDevices() ([]*storage.Device, error) {
	return r.db.GetActiveDevices()
}
