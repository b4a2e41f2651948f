// Package tracker gates item deletion so that at most one delete per item
// is in flight, and spaces out retries of failed deletes.
package tracker

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"ephemera/internal/model"
)

type retryState struct {
	attempts  int
	firstAt   time.Time
	notBefore time.Time
	backoff   *backoff.ExponentialBackOff
}

// Tracker is the registry of item IDs currently being deleted. It is safe
// for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	inflight map[string]*model.DeletionRecord
	retry    map[string]*retryState

	initial time.Duration
	max     time.Duration
	now     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithBackoff sets the first retry delay and its upper bound.
func WithBackoff(initial, max time.Duration) Option {
	return func(t *Tracker) {
		t.initial = initial
		t.max = max
	}
}

// New creates an empty Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		inflight: make(map[string]*model.DeletionRecord),
		retry:    make(map[string]*retryState),
		initial:  500 * time.Millisecond,
		max:      time.Minute,
		now:      time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// TryBegin registers id as being deleted. It returns false if a delete
// for id is already in flight or a previous failure is still backing off.
func (t *Tracker) TryBegin(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.inflight[id]; ok {
		return false
	}
	now := t.now()
	rec := &model.DeletionRecord{ItemID: id, Attempts: 1, FirstAttemptAt: now}
	if rs, ok := t.retry[id]; ok {
		if now.Before(rs.notBefore) {
			return false
		}
		rec.Attempts = rs.attempts + 1
		rec.FirstAttemptAt = rs.firstAt
	}
	t.inflight[id] = rec
	return true
}

// Complete forgets id after a confirmed remote deletion.
func (t *Tracker) Complete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, id)
	delete(t.retry, id)
}

// Fail ends the in-flight delete for id and makes it eligible again after
// a backoff delay, which is returned. The second value is false if id was
// not in flight (released or completed meanwhile).
func (t *Tracker) Fail(id string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.inflight[id]
	if !ok {
		return 0, false
	}
	delete(t.inflight, id)

	rs, ok := t.retry[id]
	if !ok {
		b := &backoff.ExponentialBackOff{
			InitialInterval: t.initial,
			Multiplier:      2,
			MaxInterval:     t.max,
		}
		b.Reset()
		rs = &retryState{firstAt: rec.FirstAttemptAt, backoff: b}
		t.retry[id] = rs
	}
	rs.attempts = rec.Attempts
	delay := rs.backoff.NextBackOff()
	if delay > t.max {
		delay = t.max
	}
	rs.notBefore = t.now().Add(delay)
	return delay, true
}

// Release drops all bookkeeping for id without counting a failure.
func (t *Tracker) Release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, id)
	delete(t.retry, id)
}

// ReleaseAll drops every record and returns the IDs that were in flight.
func (t *Tracker) ReleaseAll() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.inflight))
	for id := range t.inflight {
		ids = append(ids, id)
	}
	clear(t.inflight)
	clear(t.retry)
	return ids
}

// Record returns a copy of the in-flight record for id.
func (t *Tracker) Record(id string) (model.DeletionRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.inflight[id]
	if !ok {
		return model.DeletionRecord{}, false
	}
	return *rec, true
}

// InFlight reports whether a delete for id is in flight.
func (t *Tracker) InFlight(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inflight[id]
	return ok
}

// Len returns the number of in-flight deletes.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}
