package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file next to Path
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry is one audit record. Keep it compact and schema-stable.
type Entry struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`   // event type, e.g. "upload.accepted"
	Flow   string    `json:"flow"`   // flow id
	Target string    `json:"target"` // sink name or uploaded filename
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	TookMS int64     `json:"took_ms,omitempty"`
	Meta   string    `json:"meta,omitempty"`
}

// Store is the persistence API used by the recorder and the HTTP API.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}
