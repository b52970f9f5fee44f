// Package storage persists the delivery log: one entry per message the relay
// accepted. Backends are a JSON Lines file and SQLite.
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": append-only JSON Lines file
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeliveryEntry records one successful delivery.
type DeliveryEntry struct {
	At       time.Time `json:"at"`
	ID       string    `json:"id"`
	To       string    `json:"to"`
	Subject  string    `json:"subject"`
	Category string    `json:"category"`
	Attempts int       `json:"attempts"`
	RelayID  string    `json:"relay_id,omitempty"`
}

// Store is the delivery log API the dispatcher and retention job use.
type Store interface {
	AppendDelivery(ctx context.Context, e DeliveryEntry) error
	// Recent returns up to n entries, newest first.
	Recent(ctx context.Context, n int) ([]DeliveryEntry, error)
	// Prune removes entries older than before and reports how many went.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}
