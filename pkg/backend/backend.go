// Package backend abstracts the concurrency model that drives gateway
// connections. A backend owns N connection workers, pumps the shared
// queue into them and delivers permanent failures to the caller's
// handler. The handler and dialer are injected at construction; no
// global state.
package backend

import (
	"context"
	"time"

	"github.com/commatea/APNS-Bridge/pkg/apns"
	"github.com/commatea/APNS-Bridge/pkg/conn"
	"github.com/commatea/APNS-Bridge/pkg/transport"
)

// Backend is the capability set every concurrency backend implements.
// The permanent-failure handler is supplied at construction and is
// invoked on a backend-owned goroutine, never the caller's.
type Backend interface {
	// Start brings up the configured connection workers.
	Start() error

	// Stop signals shutdown, waits for queued work to settle until ctx
	// expires, then abandons in-flight connections. Notifications that
	// were never written to any connection are returned rather than
	// dropped.
	Stop(ctx context.Context) ([]*apns.Notification, error)
}

// Dialer opens gateway connections. *transport.Dialer satisfies it;
// tests substitute in-memory implementations.
type Dialer interface {
	Dial(ctx context.Context) (transport.Conn, error)
}

// ReconnectPolicy controls backoff between connection attempts.
type ReconnectPolicy struct {
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay caps the backoff.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier grows the delay after every consecutive failure.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
}

// DefaultReconnectPolicy returns a sensible default policy.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

func (p ReconnectPolicy) next(current time.Duration) time.Duration {
	if current <= 0 {
		return p.InitialDelay
	}
	next := time.Duration(float64(current) * p.Multiplier)
	if next > p.MaxDelay {
		next = p.MaxDelay
	}
	return next
}

// Config holds backend configuration.
type Config struct {
	// Connections is the number of parallel gateway connections.
	// Ordering across connections is not guaranteed; replay-before-
	// fresh holds at the queue level only.
	Connections int `yaml:"connections" json:"connections" validate:"min=0,max=64"`

	// Conn tunes each connection's replay window.
	Conn conn.Config `yaml:"conn" json:"conn"`

	// Reconnect is the backoff policy for transient failures.
	Reconnect ReconnectPolicy `yaml:"reconnect" json:"reconnect"`
}

// DefaultConfig returns backend defaults.
func DefaultConfig() Config {
	return Config{
		Connections: 1,
		Reconnect:   DefaultReconnectPolicy(),
	}
}
