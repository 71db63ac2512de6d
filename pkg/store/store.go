// Package store abstracts the persistent key-value collaborator. Keys hold
// hash-shaped structures (field -> serialized text value), mirroring the
// redis layout the runtime was originally built on.
package store

import (
	"context"
	"errors"
)

// ErrUnavailable reports that the store cannot be reached. The affected
// operation fails and is logged; retrying is the backend's business.
var ErrUnavailable = errors.New("store unavailable")

// Store is the external key-value collaborator.
type Store interface {
	// GetAll returns every field of a hash key. Missing keys yield an
	// empty map, not an error.
	GetAll(ctx context.Context, key string) (map[string]string, error)

	// GetField returns one field's value; ok is false when absent.
	GetField(ctx context.Context, key, field string) (value string, ok bool, err error)

	// SetField writes one field of a hash key, creating the key if needed.
	SetField(ctx context.Context, key, field, value string) error

	// DeleteFields removes the named fields; missing fields are ignored.
	DeleteFields(ctx context.Context, key string, fields ...string) error

	// DeleteKey removes an entire hash key.
	DeleteKey(ctx context.Context, key string) error

	// FlushAll removes everything. Used by the administrative reset.
	FlushAll(ctx context.Context) error

	Close() error
}
