// Package backend provides the byte-level storage locations that records are
// persisted to. Local and Network stores are both Backends rooted at
// different directories.
package backend

import (
	"context"
	"errors"
	"io"
)

// BackupSuffix is appended to a key to name the backup of its prior content.
const BackupSuffix = ".bak"

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key.
	// If the key already exists, it is replaced atomically: a concurrent
	// reader observes either the old or the new content, never a mix.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	// The prefix should use "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}

// BackupBackend extends Backend with the ability to preserve the current
// content of a key before it is overwritten.
type BackupBackend interface {
	Backend

	// Backup copies the content at key to key+BackupSuffix.
	// Returns nil if the key does not exist.
	Backup(ctx context.Context, key string) error
}

// Backup preserves the content at key using b's native Backup when it has
// one, falling back to a read and re-write through the Backend interface.
func Backup(ctx context.Context, b Backend, key string) error {
	if bb, ok := b.(BackupBackend); ok {
		return bb.Backup(ctx, key)
	}
	rc, err := b.Read(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	defer func() { _ = rc.Close() }()
	return b.Write(ctx, key+BackupSuffix, rc)
}
