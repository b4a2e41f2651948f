package feed

import (
	"context"
	"time"
)

// sweep hides items whose expiry has passed and queues their remote
// deletion. Hidden items whose earlier delete failed are queued again
// once the tracker's backoff allows it. Watchers are notified on every
// tick so remaining-time displays stay current. Expiry is judged by the
// feed's clock, not the tick time.
func (f *Feed) sweep(_ context.Context, _ time.Time) {
	now := f.now()

	var due []job
	f.mu.Lock()
	for id, e := range f.items {
		if len(due) >= f.opts.MaxPerTick {
			break
		}
		switch e.state {
		case StateActive:
			if e.misconfigured || !e.stamp.Expired(now) {
				continue
			}
			if !f.tracker.TryBegin(id) {
				continue
			}
			e.state = StateHidden
			e.scope = f.opts.ExpiryScope
			f.stats.Expired++
		case StateHidden:
			if !f.tracker.TryBegin(id) {
				continue
			}
		default:
			continue
		}
		due = append(due, job{id: id, scope: e.scope})
	}
	f.mu.Unlock()

	for _, j := range due {
		select {
		case f.jobs <- j:
		default:
			// Queue full: give the gate back and try again next tick.
			f.tracker.Release(j.id)
			f.log.Warn("delete queue full", "item_id", j.id)
		}
	}
	if len(due) > 0 {
		f.log.Debug("sweep queued deletes", "count", len(due))
	}
	f.notify()
}
