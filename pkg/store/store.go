// Package store persists application state as a hierarchical key/value tree.
//
// Paths are slash-separated, e.g. "trades/u1/9f2c..." or
// "trading_settings/u1". Values are JSON documents.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned when no value exists at the requested path.
	ErrNotFound = errors.New("store: not found")
	// ErrExists is returned by Create when the path is already taken.
	ErrExists = errors.New("store: already exists")
)

// Store is the persistence contract used by the trading core.
type Store interface {
	// Get unmarshals the value at path into out.
	Get(ctx context.Context, path string, out any) error
	// Set writes the value at path, overwriting any existing value.
	Set(ctx context.Context, path string, value any) error
	// Create writes the value only if the path is vacant; returns ErrExists
	// otherwise. The check and write are atomic.
	Create(ctx context.Context, path string, value any) error
	// Update merges fields into the JSON object at path inside a transaction.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Delete removes the value at path. Deleting a vacant path is not an error.
	Delete(ctx context.Context, path string) error
	// List returns the direct children of prefix keyed by child name.
	List(ctx context.Context, prefix string) (map[string]json.RawMessage, error)
	// QueryByChild returns the children of prefix whose named field equals value.
	QueryByChild(ctx context.Context, prefix, field string, value any) (map[string]json.RawMessage, error)

	Close() error
}
