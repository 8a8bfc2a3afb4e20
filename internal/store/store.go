// Package store defines the remote-store contract the whiteboard engine runs
// against: a hierarchical key/value tree with read-once, live watches,
// push-generated ordered keys and optimistic compare-and-swap transactions.
// MemStore is the reference engine; the wire package speaks the same contract
// to a hub over websocket.
package store

import (
	"context"
	"errors"
)

// ErrTooManyConflicts is returned when a transaction keeps losing the
// compare-and-swap race past the retry cap.
var ErrTooManyConflicts = errors.New("store: transaction exceeded conflict retry cap")

// Value is one node of the tree as seen by a reader: nil when absent, a
// scalar (bool, float64, string), or map[string]Value for a node with
// children. Values round-trip through JSON, so numbers are float64.
type Value = any

// ChildEvent is one child-added notification.
type ChildEvent struct {
	Key   string
	Value Value
}

// CancelFunc tears down a watch. Safe to call more than once.
type CancelFunc func()

// TxFunc computes the new value for a transaction from the current one.
// Returning ok=false aborts the transaction, leaving the node untouched.
type TxFunc func(current Value) (next Value, ok bool)

// Store is the capability contract of the remote store. Paths are
// slash-separated; writing a subtree replaces whatever was there, scalar or
// not. Implementations must be safe for concurrent use.
type Store interface {
	// ReadOnce returns the node at path, nil if absent.
	ReadOnce(ctx context.Context, path string) (Value, error)

	// WatchValue emits the current node immediately and then on every
	// change under path, including the node becoming absent (nil).
	WatchValue(ctx context.Context, path string) (<-chan Value, CancelFunc, error)

	// WatchChildAdded emits every child key that appears under path,
	// existing children first.
	WatchChildAdded(ctx context.Context, path string) (<-chan ChildEvent, CancelFunc, error)

	// Write sets the node at path. Writing nil is equivalent to Delete.
	Write(ctx context.Context, path string, v Value) error

	// Delete removes the node at path. Deleting an absent node is a no-op.
	Delete(ctx context.Context, path string) error

	// PushKey mints a new lexicographically-sortable, time-biased child
	// key. It does not write anything.
	PushKey() string

	// Transaction runs fn against the current node and commits its result
	// atomically. fn is re-invoked when a concurrent write races the
	// commit; past a bounded number of conflicts the transaction fails
	// with ErrTooManyConflicts. Returns the node the transaction settled
	// on and whether fn's result was committed (false means fn aborted).
	Transaction(ctx context.Context, path string, fn TxFunc) (Value, bool, error)
}
