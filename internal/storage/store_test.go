package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"ephemera/internal/model"
)

var ignoreCounters = cmpopts.IgnoreFields(model.ContentItem{}, "Views", "Likes", "ViewedBy", "FirstViewedAt")

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr(t time.Time) *time.Time { return &t }

// runStoreTests exercises the behaviour every Store implementation shares.
func runStoreTests(t *testing.T, newStore func(t *testing.T, opts ...Option) Store) {
	t.Run("create and get", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("list hides caller-only deletes", func(t *testing.T) { testListHidden(t, newStore(t)) })
	t.Run("delete is idempotent", func(t *testing.T) { testDeleteIdempotent(t, newStore(t)) })
	t.Run("increment counts once", func(t *testing.T) { testIncrementOnce(t, newStore(t)) })
	t.Run("increment missing item", func(t *testing.T) { testIncrementMissing(t, newStore(t)) })
	t.Run("delete expired", func(t *testing.T) { testDeleteExpired(t, newStore(t)) })
	t.Run("subscribe pushes changes", func(t *testing.T) { testSubscribe(t, newStore(t)) })
	t.Run("first view starts backend expiry", func(t *testing.T) {
		testViewStartsExpiry(t, newStore(t, WithViewGrace(10*time.Second)))
	})
}

func mustCreate(t *testing.T, s Store, item model.ContentItem) model.ContentItem {
	t.Helper()
	if err := s.CreateItem(context.Background(), &item); err != nil {
		t.Fatalf("create item: %v", err)
	}
	if item.ID == "" {
		t.Fatal("expected store-assigned ID")
	}
	return item
}

func ids(items []model.ContentItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func testCreateGet(t *testing.T, s Store) {
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	item := mustCreate(t, s, model.ContentItem{
		FeedID:    "chat-1",
		AuthorID:  "alice",
		Kind:      model.KindStory,
		Mode:      model.ModeFixedTTL,
		CreatedAt: created,
		ExpiresAt: ptr(created.Add(24 * time.Hour)),
		Payload:   []byte(`{"media":"dog.jpg"}`),
	})

	got, err := s.GetItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(item, *got, ignoreCounters); diff != "" {
		t.Errorf("GetItem mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.GetItem(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetItem(missing) error = %v, want ErrNotFound", err)
	}
}

func testListHidden(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var created []model.ContentItem
	for i := range 3 {
		created = append(created, mustCreate(t, s, model.ContentItem{
			FeedID: "chat-1", AuthorID: "alice", Kind: model.KindMessage,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	mustCreate(t, s, model.ContentItem{FeedID: "chat-2", AuthorID: "alice", Kind: model.KindMessage, CreatedAt: base})

	res, err := s.DeleteItems(ctx, "bob", []string{created[1].ID}, model.ScopeCallerOnly)
	if err != nil {
		t.Fatalf("delete for bob: %v", err)
	}
	if res[created[1].ID] != nil {
		t.Fatalf("delete for bob: %v", res[created[1].ID])
	}

	bob, err := s.ListItems(ctx, "chat-1", "bob")
	if err != nil {
		t.Fatalf("list bob: %v", err)
	}
	if diff := cmp.Diff([]string{created[0].ID, created[2].ID}, ids(bob)); diff != "" {
		t.Errorf("bob's items mismatch (-want +got):\n%s", diff)
	}

	alice, err := s.ListItems(ctx, "chat-1", "alice")
	if err != nil {
		t.Fatalf("list alice: %v", err)
	}
	if diff := cmp.Diff(ids(created), ids(alice)); diff != "" {
		t.Errorf("alice's items mismatch (-want +got):\n%s", diff)
	}
}

func testDeleteIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	a := mustCreate(t, s, model.ContentItem{FeedID: "chat-1", AuthorID: "alice", Kind: model.KindMessage})
	b := mustCreate(t, s, model.ContentItem{FeedID: "chat-1", AuthorID: "alice", Kind: model.KindMessage})

	res, err := s.DeleteItems(ctx, "alice", []string{a.ID}, model.ScopeEveryone)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res[a.ID] != nil {
		t.Fatalf("first delete: %v", res[a.ID])
	}

	res, err = s.DeleteItems(ctx, "alice", []string{a.ID, b.ID}, model.ScopeEveryone)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if !errors.Is(res[a.ID], ErrNotFound) {
		t.Errorf("repeat delete of a = %v, want ErrNotFound", res[a.ID])
	}
	if res[b.ID] != nil {
		t.Errorf("delete of b = %v, want nil", res[b.ID])
	}

	left, err := s.ListItems(ctx, "chat-1", "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("expected empty feed, got %v", ids(left))
	}
}

func testIncrementOnce(t *testing.T, s Store) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	snap := mustCreate(t, s, model.ContentItem{FeedID: "chat-1", AuthorID: "alice", Kind: model.KindSnap})

	steps := []struct {
		key  model.EngagementKey
		want bool
	}{
		{model.EngagementKey{ItemID: snap.ID, ViewerID: "alice", Kind: model.EngagementView}, true},
		{model.EngagementKey{ItemID: snap.ID, ViewerID: "bob", Kind: model.EngagementView}, true},
		{model.EngagementKey{ItemID: snap.ID, ViewerID: "bob", Kind: model.EngagementView}, false},
		{model.EngagementKey{ItemID: snap.ID, ViewerID: "bob", Kind: model.EngagementLike}, true},
		{model.EngagementKey{ItemID: snap.ID, ViewerID: "bob", Kind: model.EngagementLike}, false},
	}
	for i, st := range steps {
		got, err := s.Increment(ctx, st.key, at.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got != st.want {
			t.Errorf("step %d (%s): applied = %v, want %v", i, st.key, got, st.want)
		}
	}

	got, err := s.GetItem(ctx, snap.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Views != 2 || got.Likes != 1 {
		t.Errorf("views/likes = %d/%d, want 2/1", got.Views, got.Likes)
	}
	viewers := append([]string(nil), got.ViewedBy...)
	sort.Strings(viewers)
	if diff := cmp.Diff([]string{"alice", "bob"}, viewers); diff != "" {
		t.Errorf("ViewedBy mismatch (-want +got):\n%s", diff)
	}
	// The author's own view does not start the clock; bob's (step 1) does.
	if diff := cmp.Diff(ptr(at.Add(time.Second)), got.FirstViewedAt); diff != "" {
		t.Errorf("FirstViewedAt mismatch (-want +got):\n%s", diff)
	}
}

func testIncrementMissing(t *testing.T, s Store) {
	_, err := s.Increment(context.Background(),
		model.EngagementKey{ItemID: "missing", ViewerID: "bob", Kind: model.EngagementView}, time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func testDeleteExpired(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	past := mustCreate(t, s, model.ContentItem{FeedID: "chat-1", AuthorID: "a", Kind: model.KindStory, ExpiresAt: ptr(now.Add(-time.Second))})
	exact := mustCreate(t, s, model.ContentItem{FeedID: "chat-1", AuthorID: "a", Kind: model.KindStory, ExpiresAt: ptr(now)})
	future := mustCreate(t, s, model.ContentItem{FeedID: "chat-1", AuthorID: "a", Kind: model.KindStory, ExpiresAt: ptr(now.Add(time.Hour))})
	never := mustCreate(t, s, model.ContentItem{FeedID: "chat-1", AuthorID: "a", Kind: model.KindPinned})

	n, err := s.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}

	left, err := s.ListItems(ctx, "chat-1", "a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := ids(left)
	sort.Strings(got)
	want := []string{future.ID, never.ID}
	sort.Strings(want)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("remaining mismatch (-want +got):\n%s", diff)
	}
	for _, gone := range []string{past.ID, exact.ID} {
		if _, err := s.GetItem(ctx, gone); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetItem(%s) = %v, want ErrNotFound", gone, err)
		}
	}
}

func testViewStartsExpiry(t *testing.T, s Store) {
	ctx := context.Background()
	viewedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := mustCreate(t, s, model.ContentItem{FeedID: "chat-1", AuthorID: "alice", Kind: model.KindSnap, Mode: model.ModeViewTriggered})
	unseen := mustCreate(t, s, model.ContentItem{FeedID: "chat-1", AuthorID: "alice", Kind: model.KindSnap, Mode: model.ModeViewTriggered})
	pinned := mustCreate(t, s, model.ContentItem{FeedID: "chat-1", AuthorID: "alice", Kind: model.KindPinned, Mode: model.ModeNone})

	views := []model.EngagementKey{
		{ItemID: snap.ID, ViewerID: "alice", Kind: model.EngagementView},
		{ItemID: snap.ID, ViewerID: "bob", Kind: model.EngagementView},
		{ItemID: pinned.ID, ViewerID: "bob", Kind: model.EngagementView},
	}
	for _, key := range views {
		if _, err := s.Increment(ctx, key, viewedAt); err != nil {
			t.Fatalf("increment %s: %v", key, err)
		}
	}
	// A later view does not push the deadline out.
	if _, err := s.Increment(ctx, model.EngagementKey{ItemID: snap.ID, ViewerID: "carol", Kind: model.EngagementView}, viewedAt.Add(5*time.Second)); err != nil {
		t.Fatalf("increment carol: %v", err)
	}

	got, err := s.GetItem(ctx, snap.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(ptr(viewedAt.Add(10*time.Second)), got.ExpiresAt); diff != "" {
		t.Errorf("ExpiresAt mismatch (-want +got):\n%s", diff)
	}

	n, err := s.DeleteExpired(ctx, viewedAt.Add(9*time.Second))
	if err != nil {
		t.Fatalf("delete expired early: %v", err)
	}
	if n != 0 {
		t.Errorf("deleted %d inside the grace window, want 0", n)
	}

	n, err = s.DeleteExpired(ctx, viewedAt.Add(10*time.Second))
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	if _, err := s.GetItem(ctx, snap.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("viewed snap: GetItem = %v, want ErrNotFound", err)
	}
	for _, kept := range []string{unseen.ID, pinned.ID} {
		if _, err := s.GetItem(ctx, kept); err != nil {
			t.Errorf("GetItem(%s) = %v, want item kept", kept, err)
		}
	}
}

func nextSnapshot(t *testing.T, ch <-chan model.Snapshot) model.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return snap
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return model.Snapshot{}
}

// waitFor reads snapshots until one satisfies cond.
func waitFor(t *testing.T, ch <-chan model.Snapshot, cond func(model.Snapshot) bool) model.Snapshot {
	t.Helper()
	for {
		snap := nextSnapshot(t, ch)
		if cond(snap) {
			return snap
		}
	}
}

func testSubscribe(t *testing.T, s Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx, "chat-1", "bob")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	first := nextSnapshot(t, ch)
	if len(first.Items) != 0 {
		t.Fatalf("initial snapshot has %d items", len(first.Items))
	}

	item := mustCreate(t, s, model.ContentItem{FeedID: "chat-1", AuthorID: "alice", Kind: model.KindMessage})
	added := waitFor(t, ch, func(s model.Snapshot) bool { return len(s.Items) == 1 })
	if added.Seq <= first.Seq {
		t.Errorf("seq did not advance: %d -> %d", first.Seq, added.Seq)
	}
	if added.Items[0].ID != item.ID {
		t.Errorf("snapshot item = %s, want %s", added.Items[0].ID, item.ID)
	}

	if _, err := s.DeleteItems(context.Background(), "alice", []string{item.ID}, model.ScopeEveryone); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, ch, func(s model.Snapshot) bool { return len(s.Items) == 0 })

	cancel()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription not closed after cancel")
		}
	}
}
