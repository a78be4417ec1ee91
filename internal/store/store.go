// Package store provides the shared state store agents use to exchange
// artifacts. The production implementation is file-backed under a workspace
// root; tests use the in-memory variant.
package store

import "errors"

// ErrNotFound is returned when the requested key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store is a flat keyspace of named byte blobs. Keys are relative file
// names; implementations reject keys that escape the store root.
type Store interface {
	// Read returns the full contents for key, or ErrNotFound.
	Read(key string) ([]byte, error)

	// Write replaces the contents for key, creating it if absent.
	// Writes are atomic: readers never observe a partial write.
	Write(key string, data []byte) error

	// Append adds data to the end of key's contents, creating the key
	// if absent. Each call is a single atomic append.
	Append(key string, data []byte) error

	// Delete removes key. Deleting a missing key returns ErrNotFound.
	Delete(key string) error

	// Exists reports whether key is present.
	Exists(key string) (bool, error)
}
