package feed

import (
	"context"
	"fmt"

	"ephemera/internal/gateway"
	"ephemera/internal/model"
)

// runDispatcher sends queued deletes to the gateway until ctx is done.
func (f *Feed) runDispatcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-f.jobs:
			f.flush(ctx, j)
		}
	}
}

// flush dispatches the given jobs together with whatever else is queued.
func (f *Feed) flush(ctx context.Context, first ...job) {
	batch := append([]job(nil), first...)
drain:
	for {
		select {
		case j := <-f.jobs:
			batch = append(batch, j)
		default:
			break drain
		}
	}
	if len(batch) == 0 {
		return
	}

	byScope := make(map[model.Scope][]string)
	var order []model.Scope
	for _, j := range batch {
		if !f.tracker.InFlight(j.id) {
			// Released while queued: deleted upstream or feed closing.
			continue
		}
		if _, ok := byScope[j.scope]; !ok {
			order = append(order, j.scope)
		}
		byScope[j.scope] = append(byScope[j.scope], j.id)
	}
	for _, scope := range order {
		f.settle(f.gw.Delete(ctx, f.viewerID, byScope[scope], scope))
	}
}

// settle applies gateway outcomes: confirmed deletes are forgotten, the
// rest stay hidden and back off before the sweep retries them.
func (f *Feed) settle(outcomes []gateway.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, o := range outcomes {
		if o.Err == nil {
			f.tracker.Complete(o.ID)
			f.forgetLocked(o.ID)
			continue
		}
		if f.closing {
			// Close releases the record.
			continue
		}
		rec, _ := f.tracker.Record(o.ID)
		delay, ok := f.tracker.Fail(o.ID)
		if !ok {
			continue
		}
		f.stats.DeleteFailures++
		f.log.Warn("delete item failed", "item_id", o.ID, "attempt", rec.Attempts, "retry_in", delay, "error", o.Err)
	}
}

// Delete removes id on the viewer's request. Only items the viewer can
// still see are accepted; hidden or expired items already have a delete
// under way with the scope they were hidden with. It goes through the same
// gate as expiry. A transient failure is not returned: the item stays
// hidden and the sweep retries it with the requested scope.
func (f *Feed) Delete(ctx context.Context, id string, scope model.Scope) error {
	now := f.now()

	f.mu.Lock()
	e, ok := f.items[id]
	if !ok || e.state != StateActive || (!e.misconfigured && e.stamp.Expired(now)) {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}
	if f.closing || f.tracker.InFlight(id) {
		f.mu.Unlock()
		return nil
	}
	begun := f.tracker.TryBegin(id)
	if begun {
		e.state = StateHidden
		e.scope = scope
		f.notifyLocked()
	}
	f.mu.Unlock()

	if !begun {
		return nil
	}
	f.settle(f.gw.Delete(ctx, f.viewerID, []string{id}, scope))
	return nil
}
