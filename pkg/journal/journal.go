// Package journal records delivery outcomes worth keeping: permanent
// failures reported by the gateway and stale devices from the feedback
// service. It is operator forensics, not device-token storage — token
// lifecycle stays with the caller.
package journal

import (
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("journal is closed")

// Failure is one permanent delivery failure.
type Failure struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id,omitempty"`
	Token     string    `json:"token"`
	Status    uint8     `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// StaleDevice is one feedback record: the service stopped reaching the
// device at When.
type StaleDevice struct {
	ID         string    `json:"id"`
	Token      string    `json:"token"`
	When       time.Time `json:"when"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store is the journal persistence interface.
type Store interface {
	// SaveFailure records a permanent delivery failure.
	SaveFailure(f *Failure) error

	// SaveStaleDevice records a feedback tuple.
	SaveStaleDevice(s *StaleDevice) error

	// Failures returns the most recent failures, newest first.
	Failures(limit int) ([]*Failure, error)

	// StaleDevices returns the most recent feedback records, newest
	// first.
	StaleDevices(limit int) ([]*StaleDevice, error)

	// Close releases the store.
	Close() error
}
