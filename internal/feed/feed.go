// Package feed keeps a local, expiry-aware view of one feed for one viewer
// and drives deletion of expired items against the remote store.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"ephemera/internal/engagement"
	"ephemera/internal/gateway"
	"ephemera/internal/model"
	"ephemera/internal/policy"
	"ephemera/internal/scheduler"
	"ephemera/internal/tracker"
)

var (
	// ErrSubscriptionDropped is reported while the snapshot stream is
	// being re-established.
	ErrSubscriptionDropped = errors.New("subscription dropped")

	// ErrUnknownItem is returned for ids the feed does not hold.
	ErrUnknownItem = errors.New("unknown item")
)

// Store is the slice of the remote store a feed consumes.
type Store interface {
	Subscribe(ctx context.Context, feedID, viewerID string) (<-chan model.Snapshot, error)
	engagement.Incrementer
}

// Deleter issues remote deletes; *gateway.Gateway implements it.
type Deleter interface {
	Delete(ctx context.Context, caller string, ids []string, scope model.Scope) []gateway.Outcome
}

// State is the lifecycle state of an item in a feed.
type State int

// Item states. An item moves Active → Hidden → Forgotten and never back.
const (
	StateUnknown State = iota
	StateActive
	StateHidden
	StateForgotten
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateHidden:
		return "hidden"
	case StateForgotten:
		return "forgotten"
	}
	return "unknown"
}

// Options tunes a feed. Zero values fall back to defaults.
type Options struct {
	SweepInterval time.Duration
	MaxPerTick    int
	ExpiryScope   model.Scope
	RetryInitial  time.Duration
	RetryMax      time.Duration
	Tombstones    int
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Second
	}
	if o.MaxPerTick <= 0 {
		o.MaxPerTick = 100
	}
	if o.ExpiryScope == "" {
		o.ExpiryScope = model.ScopeEveryone
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 500 * time.Millisecond
	}
	if o.RetryMax < o.RetryInitial {
		o.RetryMax = max(time.Minute, o.RetryInitial)
	}
	if o.Tombstones <= 0 {
		o.Tombstones = 1024
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Deps are the collaborators a feed needs.
type Deps struct {
	Store    Store
	Gateway  Deleter
	Resolver *policy.Resolver
	Log      *slog.Logger
}

// View is an item as presented to the viewer.
type View struct {
	Item      model.ContentItem
	ExpiresAt *time.Time
	Remaining time.Duration
	HasExpiry bool
}

// Stats are cumulative counters for one feed.
type Stats struct {
	Expired        int64
	Forgotten      int64
	DeleteFailures int64
}

type entry struct {
	item  model.ContentItem
	stamp policy.Stamp
	state State
	// scope used when the item is (re)sent to the gateway
	scope model.Scope
	// no expiry rule: never expired automatically
	misconfigured bool
}

type job struct {
	id    string
	scope model.Scope
}

// Feed is the engine for one (feed, viewer) pair.
type Feed struct {
	feedID   string
	viewerID string

	store    Store
	gw       Deleter
	resolver *policy.Resolver
	counter  *engagement.Counter
	tracker  *tracker.Tracker
	log      *slog.Logger
	opts     Options
	now      func() time.Time

	jobs chan job

	mu         sync.Mutex
	items      map[string]*entry
	tombstones *lru.Cache[string, time.Time]
	reported   map[string]bool
	stale      bool
	closing    bool
	stats      Stats
	watchers   map[chan struct{}]struct{}

	closeOnce sync.Once
	tasks     []*scheduler.Task
}

// New creates a feed. It does nothing until Start is called.
func New(feedID, viewerID string, deps Deps, opts Options) *Feed {
	opts = opts.withDefaults()
	tombstones, err := lru.New[string, time.Time](opts.Tombstones)
	if err != nil {
		// Only returned for a non-positive size, which withDefaults rules out.
		panic(err)
	}
	return &Feed{
		feedID:     feedID,
		viewerID:   viewerID,
		store:      deps.Store,
		gw:         deps.Gateway,
		resolver:   deps.Resolver,
		counter:    engagement.NewCounter(deps.Store, opts.Now),
		tracker:    tracker.New(tracker.WithClock(opts.Now), tracker.WithBackoff(opts.RetryInitial, opts.RetryMax)),
		log:        deps.Log.With("feed_id", feedID, "viewer_id", viewerID),
		opts:       opts,
		now:        opts.Now,
		jobs:       make(chan job, opts.MaxPerTick*2),
		items:      make(map[string]*entry),
		tombstones: tombstones,
		reported:   make(map[string]bool),
		watchers:   make(map[chan struct{}]struct{}),
	}
}

// FeedID returns the feed this view belongs to.
func (f *Feed) FeedID() string { return f.feedID }

// ViewerID returns the viewer this view belongs to.
func (f *Feed) ViewerID() string { return f.viewerID }

// Start launches the sweep, stream and dispatcher tasks.
func (f *Feed) Start(ctx context.Context) {
	f.tasks = []*scheduler.Task{
		scheduler.Go(ctx, "dispatch", f.log, f.runDispatcher),
		scheduler.Go(ctx, "stream", f.log, f.runStream),
		scheduler.Every(ctx, "sweep", f.opts.SweepInterval, f.log, f.sweep),
	}
}

// Close stops all tasks and drops every in-flight delete record without
// counting it as a failure. It is safe to call more than once.
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closing = true
		f.mu.Unlock()

		for _, t := range f.tasks {
			t.Stop()
		}
		if ids := f.tracker.ReleaseAll(); len(ids) > 0 {
			f.log.Debug("released in-flight deletes", "count", len(ids))
		}
	})
}

// Visible returns the items the viewer may see right now, oldest first.
// Expired items are filtered at read time even if the sweep has not run.
func (f *Feed) Visible() []View {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	views := make([]View, 0, len(f.items))
	for _, e := range f.items {
		if e.state != StateActive {
			continue
		}
		if !e.misconfigured && e.stamp.Expired(now) {
			continue
		}
		v := View{Item: e.item}
		if rem, ok := e.stamp.Remaining(now); ok && !e.misconfigured {
			at := *e.stamp.ExpiresAt
			v.ExpiresAt = &at
			v.Remaining = rem
			v.HasExpiry = true
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool {
		a, b := views[i].Item, views[j].Item
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return views
}

// State returns the lifecycle state of id.
func (f *Feed) State(id string) State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.items[id]; ok {
		return e.state
	}
	if f.tombstones.Contains(id) {
		return StateForgotten
	}
	return StateUnknown
}

// Stale reports whether the snapshot stream is currently down.
func (f *Feed) Stale() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale
}

// Stats returns a copy of the feed's counters.
func (f *Feed) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Watch returns a channel that receives a signal whenever the visible set
// may have changed, including on every sweep tick. Call the returned
// function to stop watching.
func (f *Feed) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.watchers[ch] = struct{}{}
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		delete(f.watchers, ch)
		f.mu.Unlock()
	}
}

func (f *Feed) notify() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyLocked()
}

func (f *Feed) notifyLocked() {
	for ch := range f.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// RecordView counts the viewer's view of id. The first view of
// view-triggered content by someone other than its author starts the
// grace window locally.
func (f *Feed) RecordView(ctx context.Context, id string) error {
	if err := f.checkVisible(id); err != nil {
		return err
	}
	applied, err := f.counter.RecordView(ctx, id, f.viewerID)
	if err != nil {
		return fmt.Errorf("record view: %w", err)
	}
	if !applied {
		return nil
	}

	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.items[id]
	if !ok {
		return nil
	}
	e.item.Views++
	if !e.item.ViewedByUser(f.viewerID) {
		e.item.ViewedBy = append(e.item.ViewedBy, f.viewerID)
	}
	if e.stamp.Mode == model.ModeViewTriggered && e.item.AuthorID != f.viewerID && e.item.FirstViewedAt == nil {
		e.item.FirstViewedAt = &now
		at := f.resolver.AfterView(now)
		e.stamp.ExpiresAt = policy.Earliest(e.stamp.ExpiresAt, &at)
	}
	f.notifyLocked()
	return nil
}

// RecordLike counts the viewer's like of id.
func (f *Feed) RecordLike(ctx context.Context, id string) error {
	if err := f.checkVisible(id); err != nil {
		return err
	}
	applied, err := f.counter.RecordLike(ctx, id, f.viewerID)
	if err != nil {
		return fmt.Errorf("record like: %w", err)
	}
	if !applied {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.items[id]; ok {
		e.item.Likes++
		f.notifyLocked()
	}
	return nil
}

func (f *Feed) checkVisible(id string) error {
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.items[id]
	if !ok || e.state != StateActive || (!e.misconfigured && e.stamp.Expired(now)) {
		return fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}
	return nil
}

// forgetLocked drops id from the feed and tombstones it so a stale
// snapshot cannot bring it back. Callers hold f.mu.
func (f *Feed) forgetLocked(id string) {
	e, ok := f.items[id]
	if !ok {
		return
	}
	delete(f.items, id)
	delete(f.reported, id)
	f.tombstones.Add(id, e.item.CreatedAt)
	f.counter.Forget(id)
	f.stats.Forgotten++
	f.notifyLocked()
}
