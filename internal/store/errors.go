package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/untoldecay/vstore/internal/predicate"
)

// Precondition and concurrency errors (spec.md §4.5.2, §7). Callers test
// for these with errors.Is; StorageError and AggregateError wrap an
// underlying cause and are tested with errors.As.
var (
	ErrEntityAlreadyExists  = errors.New("store: entity already exists and is not deleted")
	ErrConcurrency          = errors.New("store: version conflict or target deleted")
	ErrUnsupportedPredicate = predicate.ErrUnsupportedPredicate
	ErrValidationFailed     = errors.New("store: validation failed")
	ErrCancelled            = errors.New("store: operation cancelled")
)

// StorageError wraps an engine-level failure (IO, integrity, busy-after-
// timeout) with the operation and key that triggered it, per §7's
// "user-visible" requirement that every failure carry the entity key, the
// triggering operation, and the underlying engine message.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// AggregateError bundles multiple failures, notably a rollback that itself
// fails alongside the original commit error (§7, §4.6 step 4).
type AggregateError struct {
	Errors []error
}

func (e *AggregateError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("store: %d error(s): %s", len(e.Errors), strings.Join(parts, "; "))
}

// Unwrap exposes every bundled error, so errors.Is/As match through an
// AggregateError against any one of them.
func (e *AggregateError) Unwrap() []error { return e.Errors }

func wrapStorage(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Key: key, Err: err}
}
