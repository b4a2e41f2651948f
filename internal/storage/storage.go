// Package storage defines the remote store interface and its reference
// implementations. The engine itself only consumes narrow slices of it.
package storage

import (
	"context"
	"errors"
	"time"

	"ephemera/internal/model"
)

// ErrNotFound is returned when an item does not exist (or no longer does).
var ErrNotFound = errors.New("item not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Store is the interface for all remote store operations.
type Store interface {
	CreateItem(ctx context.Context, item *model.ContentItem) error
	GetItem(ctx context.Context, id string) (*model.ContentItem, error)
	ListItems(ctx context.Context, feedID, viewerID string) ([]model.ContentItem, error)

	// DeleteItems deletes each id independently. The map holds one entry
	// per id; ErrNotFound marks ids that were already gone. The error is
	// non-nil only if the whole call failed.
	DeleteItems(ctx context.Context, caller string, ids []string, scope model.Scope) (map[string]error, error)

	// Increment counts key at most once. It reports whether this call
	// applied the increment.
	Increment(ctx context.Context, key model.EngagementKey, at time.Time) (bool, error)

	// DeleteExpired is the backend sweep: it removes every item whose
	// stored expiry is at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// Subscribe pushes a fresh snapshot of the feed, as seen by viewerID,
	// after every change. The channel closes when ctx is cancelled or the
	// subscription drops.
	Subscribe(ctx context.Context, feedID, viewerID string) (<-chan model.Snapshot, error)

	Close() error
}

// Option configures a reference store.
type Option func(*options)

type options struct {
	viewGrace time.Duration
}

// WithViewGrace makes the first view of view-triggered content by someone
// other than its author also set the item's expiry to view time plus d,
// so DeleteExpired removes viewed items without waiting for a client.
func WithViewGrace(d time.Duration) Option {
	return func(o *options) { o.viewGrace = d }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
