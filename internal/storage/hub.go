package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ephemera/internal/model"
)

type listFunc func(ctx context.Context, feedID, viewerID string) ([]model.ContentItem, error)

type subscriber struct {
	feedID   string
	viewerID string
	dirty    chan struct{}
	cancel   context.CancelFunc
}

// hub fans change notifications out to in-process subscribers. Each
// subscriber re-reads its own snapshot, so a burst of changes collapses
// into one push.
type hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
	list   listFunc
	log    *slog.Logger
}

func newHub(list listFunc, log *slog.Logger) *hub {
	return &hub{
		subs: make(map[string]map[*subscriber]struct{}),
		list: list,
		log:  log,
	}
}

func (h *hub) subscribe(ctx context.Context, feedID, viewerID string) (<-chan model.Snapshot, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &subscriber{
		feedID:   feedID,
		viewerID: viewerID,
		dirty:    make(chan struct{}, 1),
		cancel:   cancel,
	}
	s.dirty <- struct{}{}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	if h.subs[feedID] == nil {
		h.subs[feedID] = make(map[*subscriber]struct{})
	}
	h.subs[feedID][s] = struct{}{}
	h.mu.Unlock()

	out := make(chan model.Snapshot)
	go func() {
		defer close(out)
		defer h.remove(s)

		var seq uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.dirty:
			}

			items, err := h.list(ctx, feedID, viewerID)
			if err != nil {
				if ctx.Err() == nil {
					h.log.Error("load snapshot", "feed_id", feedID, "viewer_id", viewerID, "error", err)
				}
				return
			}
			seq++
			snap := model.Snapshot{FeedID: feedID, Seq: seq, Items: items, TakenAt: time.Now().UTC()}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (h *hub) publish(feedIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, feedID := range feedIDs {
		for s := range h.subs[feedID] {
			select {
			case s.dirty <- struct{}{}:
			default:
			}
		}
	}
}

func (h *hub) remove(s *subscriber) {
	s.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[s.feedID], s)
	if len(h.subs[s.feedID]) == 0 {
		delete(h.subs, s.feedID)
	}
}

// close drops every subscription; their channels close shortly after.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, set := range h.subs {
		for s := range set {
			s.cancel()
		}
	}
}

// count returns the number of live subscriptions for feedID.
func (h *hub) count(feedID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[feedID])
}
