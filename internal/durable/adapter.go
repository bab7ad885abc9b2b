package durable

import (
	"context"
	"errors"
	"fmt"
)

var errClosed = errors.New("adapter closed")

// Adapter persists opaque values by key. All operations are batched and
// idempotent: setting the same entries twice or evicting missing keys is not
// an error.
type Adapter interface {
	// GetAll returns the values of the keys that exist. Missing keys are
	// absent from the result.
	GetAll(ctx context.Context, keys []string) (map[string][]byte, error)
	// SetAll writes every entry, replacing existing values.
	SetAll(ctx context.Context, entries map[string][]byte) error
	// EvictAll removes keys.
	EvictAll(ctx context.Context, keys []string) error
	// Close releases the underlying resources.
	Close() error
}

// Lister is implemented by adapters that can enumerate their keys.
type Lister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// StoreError reports a failed durable operation. In-memory cache state is
// never affected by a StoreError.
type StoreError struct {
	Op      string // "get", "set", "evict", "open", "decode"
	Backend string
	Keys    int
	Err     error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Keys > 0 {
		return fmt.Sprintf("durable %s %s (%d keys): %v", e.Backend, e.Op, e.Keys, e.Err)
	}
	return fmt.Sprintf("durable %s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the backend error.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsStoreError reports whether err wraps a *StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

func storeErr(backend, op string, keys int, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Backend: backend, Keys: keys, Err: err}
}
