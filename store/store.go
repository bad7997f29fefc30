// Package store persists serialized records at the Local and Network
// locations. It frames each record with a small header carrying a content
// hash so copies can be compared without decoding them.
package store

import (
	"context"
	"errors"

	"github.com/wolfeidau/replicache"
	"github.com/wolfeidau/replicache/backend"
)

// ErrNotFound is returned when a record does not exist at a location.
var ErrNotFound = backend.ErrNotFound

// ErrCorrupted is returned when a record's content hash does not match its header.
var ErrCorrupted = errors.New("record content hash mismatch")

// Location names one of the two places a record is stored.
type Location int

const (
	// Local is the per-installation store. It is assumed always writable.
	Local Location = iota
	// Network is the shared store. Its availability must be checked before use.
	Network
)

// String returns the metric and log label of the location.
func (l Location) String() string {
	switch l {
	case Local:
		return "local"
	case Network:
		return "network"
	default:
		return "unknown"
	}
}

// RecordStore reads and writes one serialized record per key and location.
// Implementations must be safe for concurrent use.
type RecordStore interface {
	// Read returns the record payload. Returns ErrNotFound if absent.
	Read(ctx context.Context, loc Location, key replicache.Key) ([]byte, error)

	// Write replaces the record payload atomically. When backup is set the
	// prior content is preserved first.
	Write(ctx context.Context, loc Location, key replicache.Key, data []byte, backup bool) error

	// Delete removes the record. Missing records are not an error.
	Delete(ctx context.Context, loc Location, key replicache.Key) error

	// List returns the keys of every record owned by owner at loc.
	List(ctx context.Context, loc Location, owner string) ([]replicache.Key, error)

	// Hash returns the content hash of the record payload.
	// Returns ErrNotFound if absent.
	Hash(ctx context.Context, loc Location, key replicache.Key) (replicache.Hash, error)
}
