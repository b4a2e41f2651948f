package feed

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ephemera/internal/gateway"
	"ephemera/internal/model"
	"ephemera/internal/policy"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeStore hands out subscriptions the test feeds by hand and counts
// engagements once per key.
type fakeStore struct {
	mu         sync.Mutex
	subs       chan chan model.Snapshot
	increments []model.EngagementKey
	counted    map[model.EngagementKey]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subs:    make(chan chan model.Snapshot, 8),
		counted: make(map[model.EngagementKey]bool),
	}
}

func (s *fakeStore) Subscribe(ctx context.Context, feedID, viewerID string) (<-chan model.Snapshot, error) {
	in := make(chan model.Snapshot)
	out := make(chan model.Snapshot)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	s.subs <- in
	return out, nil
}

func (s *fakeStore) Increment(ctx context.Context, key model.EngagementKey, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.increments = append(s.increments, key)
	if s.counted[key] {
		return false, nil
	}
	s.counted[key] = true
	return true, nil
}

func (s *fakeStore) getIncrements() []model.EngagementKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.EngagementKey(nil), s.increments...)
}

// nextSub waits for the feed to subscribe and returns the channel that
// drives that subscription.
func (s *fakeStore) nextSub(t *testing.T) chan model.Snapshot {
	t.Helper()
	select {
	case in := <-s.subs:
		return in
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for subscribe")
	}
	return nil
}

type gwCall struct {
	IDs   []string
	Scope model.Scope
}

type fakeGateway struct {
	mu      sync.Mutex
	calls   []gwCall
	fails   map[string]int
	block   chan struct{}
	started chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{fails: make(map[string]int), started: make(chan struct{}, 16)}
}

func (g *fakeGateway) Delete(ctx context.Context, caller string, ids []string, scope model.Scope) []gateway.Outcome {
	g.mu.Lock()
	g.calls = append(g.calls, gwCall{IDs: append([]string(nil), ids...), Scope: scope})
	block := g.block
	g.mu.Unlock()

	select {
	case g.started <- struct{}{}:
	default:
	}
	if block != nil {
		<-block
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]gateway.Outcome, len(ids))
	for i, id := range ids {
		out[i] = gateway.Outcome{ID: id}
		if g.fails[id] > 0 {
			g.fails[id]--
			out[i].Err = errors.Join(gateway.ErrTransient, errors.New("store unavailable"))
		}
	}
	return out
}

func (g *fakeGateway) getCalls() []gwCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gwCall(nil), g.calls...)
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	feed  *Feed
	store *fakeStore
	gw    *fakeGateway
	clock *fakeClock
	logs  *syncBuffer
}

func testResolver() *policy.Resolver {
	return policy.New(map[model.Kind]policy.Rule{
		model.KindStory:   {Mode: model.ModeFixedTTL, TTL: 24 * time.Hour},
		model.KindMessage: {Mode: model.ModeFixedTTL, TTL: time.Hour},
		model.KindSnap:    {Mode: model.ModeViewTriggered},
		model.KindPinned:  {Mode: model.ModeNone},
	}, 10*time.Second)
}

func newHarness(t *testing.T, viewerID string, opts Options) *harness {
	t.Helper()
	h := &harness{
		store: newFakeStore(),
		gw:    newFakeGateway(),
		clock: &fakeClock{t: t0},
		logs:  &syncBuffer{},
	}
	opts.Now = h.clock.Now
	if opts.RetryInitial == 0 {
		opts.RetryInitial = 500 * time.Millisecond
		opts.RetryMax = 8 * time.Second
	}
	log := slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h.feed = New("chat-1", viewerID, Deps{
		Store:    h.store,
		Gateway:  h.gw,
		Resolver: testResolver(),
		Log:      log,
	}, opts)
	t.Cleanup(h.feed.Close)
	return h
}

// tick runs one sweep and dispatches whatever it queued.
func (h *harness) tick() {
	ctx := context.Background()
	h.feed.sweep(ctx, h.clock.Now())
	h.feed.flush(ctx)
}

func (h *harness) snapshot(items ...model.ContentItem) {
	h.feed.apply(model.Snapshot{FeedID: "chat-1", Items: items, TakenAt: h.clock.Now()})
}

func item(id string, kind model.Kind, created time.Time) model.ContentItem {
	return model.ContentItem{ID: id, FeedID: "chat-1", AuthorID: "alice", Kind: kind, CreatedAt: created}
}

func visibleIDs(views []View) []string {
	ids := make([]string, len(views))
	for i, v := range views {
		ids[i] = v.Item.ID
	}
	return ids
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
