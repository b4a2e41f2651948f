package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"ephemera/internal/model"
	"ephemera/internal/policy"
)

// runStream keeps a snapshot subscription open until ctx is cancelled,
// resubscribing with exponential backoff whenever it drops.
func (f *Feed) runStream(ctx context.Context) {
	b := &backoff.ExponentialBackOff{
		InitialInterval: f.opts.RetryInitial,
		Multiplier:      2,
		MaxInterval:     f.opts.RetryMax,
	}
	b.Reset()

	for {
		received, err := f.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if received {
			b.Reset()
		}
		f.markStale()

		delay := b.NextBackOff()
		f.log.Warn("subscription dropped", "retry_in", delay, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// consume applies snapshots from one subscription until it ends. It
// reports whether any snapshot arrived.
func (f *Feed) consume(ctx context.Context) (bool, error) {
	ch, err := f.store.Subscribe(ctx, f.feedID, f.viewerID)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrSubscriptionDropped, err)
	}
	var received bool
	for snap := range ch {
		received = true
		f.apply(snap)
	}
	return received, ErrSubscriptionDropped
}

func (f *Feed) markStale() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stale = true
	f.notifyLocked()
}

// apply reconciles the local item set with an authoritative snapshot.
//
// Items the snapshot no longer lists were deleted upstream: their delete
// records are released and they are forgotten. Forgotten ids stay
// tombstoned, so an older snapshot cannot bring them back; the same id
// with a later creation time is treated as a new item. Expiry instants
// only ever move earlier.
func (f *Feed) apply(snap model.Snapshot) {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	listed := make(map[string]struct{}, len(snap.Items))
	for _, it := range snap.Items {
		if created, ok := f.tombstones.Peek(it.ID); ok {
			if !it.CreatedAt.After(created) {
				continue
			}
			f.tombstones.Remove(it.ID)
		}
		listed[it.ID] = struct{}{}

		stamp, err := f.resolver.Effective(it)
		misconfigured := err != nil
		if misconfigured && !f.reported[it.ID] {
			f.reported[it.ID] = true
			f.log.Error("resolve expiry", "item_id", it.ID, "kind", it.Kind, "error", err)
		}
		if misconfigured {
			stamp = policy.Stamp{Mode: model.ModeNone}
		}
		it.Mode = stamp.Mode

		if e, ok := f.items[it.ID]; ok {
			if !misconfigured {
				stamp.ExpiresAt = policy.Earliest(e.stamp.ExpiresAt, stamp.ExpiresAt)
			}
			if e.item.FirstViewedAt != nil && it.FirstViewedAt == nil {
				it.FirstViewedAt = e.item.FirstViewedAt
			}
			e.item = it
			e.stamp = stamp
			e.misconfigured = misconfigured
			continue
		}

		e := &entry{
			item:          it,
			stamp:         stamp,
			state:         StateActive,
			scope:         f.opts.ExpiryScope,
			misconfigured: misconfigured,
		}
		// Already expired on arrival: never shown, and the sweep deletes
		// it remotely in case the backend sweep has not yet.
		if !misconfigured && stamp.Expired(now) {
			e.state = StateHidden
			f.stats.Expired++
		}
		f.items[it.ID] = e
		f.counter.MarkSeen(it.ID, it.ViewedBy)
	}

	for id := range f.items {
		if _, ok := listed[id]; ok {
			continue
		}
		f.tracker.Release(id)
		f.forgetLocked(id)
	}

	f.stale = false
	f.notifyLocked()
}
