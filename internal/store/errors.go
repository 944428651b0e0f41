package store

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrIssueNotFound is returned when an issue id does not resolve.
	ErrIssueNotFound = errors.New("issue not found")
	// ErrIssueClosed is returned when mutating a closed issue.
	ErrIssueClosed = errors.New("cannot-update-closed")
	// ErrAlreadyClaimed is returned when claiming a task that is not open.
	ErrAlreadyClaimed = errors.New("already claimed")
	// ErrSelfDependency is returned when an issue would depend on itself.
	ErrSelfDependency = errors.New("self-dependency is not allowed")
	// ErrEmptyTitle is returned when creating an issue without a title.
	ErrEmptyTitle = errors.New("title is required")
	// ErrInvalidStatus is returned when a status is illegal for the issue type.
	ErrInvalidStatus = errors.New("invalid status for issue type")
	// ErrInvalidScope is returned for an unrecognized scope value.
	ErrInvalidScope = errors.New("invalid scope")
	// ErrInvalidType is returned for an unrecognized issue type.
	ErrInvalidType = errors.New("invalid issue type")
	// ErrStoreIO wraps disk failures on read, write, or rename.
	ErrStoreIO = errors.New("store-io")
	// ErrEmptyBatch is returned when createBatch receives no entries.
	ErrEmptyBatch = errors.New("batch is empty")
	// ErrDuplicateKey is returned when a batch reuses a key.
	ErrDuplicateKey = errors.New("duplicate batch key")
	// ErrCircularDependency is returned when a batch contains a cycle.
	ErrCircularDependency = errors.New("circular dependency")
	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// notFound builds the canonical not-found error for an id.
func notFound(id string) error {
	return fmt.Errorf("Issue not found: %s: %w", id, ErrIssueNotFound)
}

// storeIO wraps a disk failure with the store-io category.
func storeIO(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrStoreIO)
}
