// Package engagement counts views and likes at most once per viewer.
package engagement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ephemera/internal/model"
)

// Incrementer is the slice of the remote store the counter needs.
type Incrementer interface {
	Increment(ctx context.Context, key model.EngagementKey, at time.Time) (bool, error)
}

// Counter deduplicates engagements locally and issues at most one
// increment request per (item, viewer, kind). Concurrent calls for the
// same key share a single request.
type Counter struct {
	store Incrementer
	now   func() time.Time
	group singleflight.Group

	mu   sync.Mutex
	seen map[string]map[model.EngagementKey]struct{}
}

// NewCounter creates a Counter. now may be nil to use time.Now.
func NewCounter(store Incrementer, now func() time.Time) *Counter {
	if now == nil {
		now = time.Now
	}
	return &Counter{
		store: store,
		now:   now,
		seen:  make(map[string]map[model.EngagementKey]struct{}),
	}
}

// RecordView counts viewerID's view of itemID. It reports whether the
// store applied an increment; callers that joined an in-flight request
// for the same pair see that request's result.
func (c *Counter) RecordView(ctx context.Context, itemID, viewerID string) (bool, error) {
	return c.record(ctx, model.EngagementKey{ItemID: itemID, ViewerID: viewerID, Kind: model.EngagementView})
}

// RecordLike counts viewerID's like of itemID.
func (c *Counter) RecordLike(ctx context.Context, itemID, viewerID string) (bool, error) {
	return c.record(ctx, model.EngagementKey{ItemID: itemID, ViewerID: viewerID, Kind: model.EngagementLike})
}

func (c *Counter) record(ctx context.Context, key model.EngagementKey) (bool, error) {
	if c.Seen(key) {
		return false, nil
	}

	// Other callers may join this request, so the first caller's
	// cancellation must not fail it for them.
	shared := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		if c.Seen(key) {
			return false, nil
		}
		applied, err := c.store.Increment(shared, key, c.now())
		if err != nil {
			return false, err
		}
		c.mark(key)
		return applied, nil
	})
	if err != nil {
		return false, fmt.Errorf("record %s: %w", key.Kind, err)
	}
	return v.(bool), nil
}

// Seen reports whether key has already been counted by this process.
func (c *Counter) Seen(key model.EngagementKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[key.ItemID][key]
	return ok
}

// MarkSeen records pairs that the store already counted, e.g. viewers
// listed on an incoming snapshot.
func (c *Counter) MarkSeen(itemID string, viewers []string) {
	for _, v := range viewers {
		c.mark(model.EngagementKey{ItemID: itemID, ViewerID: v, Kind: model.EngagementView})
	}
}

func (c *Counter) mark(key model.EngagementKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.seen[key.ItemID]
	if m == nil {
		m = make(map[model.EngagementKey]struct{})
		c.seen[key.ItemID] = m
	}
	m[key] = struct{}{}
}

// Forget drops local state for itemID.
func (c *Counter) Forget(itemID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, itemID)
}
