package feed

import (
	"context"
	"sync"
)

type viewKey struct {
	feedID   string
	viewerID string
}

// Manager owns the open feed views, one per (feed, viewer).
type Manager struct {
	deps Deps
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	feeds map[viewKey]*Feed
}

// NewManager creates a Manager whose feeds live until closed or until ctx
// is cancelled.
func NewManager(ctx context.Context, deps Deps, opts Options) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		deps:   deps,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		feeds:  make(map[viewKey]*Feed),
	}
}

// Open returns the running view of feedID for viewerID, starting it if
// needed.
func (m *Manager) Open(feedID, viewerID string) *Feed {
	k := viewKey{feedID, viewerID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.feeds[k]; ok {
		return f
	}
	f := New(feedID, viewerID, m.deps, m.opts)
	f.Start(m.ctx)
	m.feeds[k] = f
	m.deps.Log.Info("feed opened", "feed_id", feedID, "viewer_id", viewerID)
	return f
}

// Get returns an open view without starting one.
func (m *Manager) Get(feedID, viewerID string) (*Feed, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.feeds[viewKey{feedID, viewerID}]
	return f, ok
}

// Close tears down one view. It reports whether the view was open.
func (m *Manager) Close(feedID, viewerID string) bool {
	k := viewKey{feedID, viewerID}
	m.mu.Lock()
	f, ok := m.feeds[k]
	delete(m.feeds, k)
	m.mu.Unlock()

	if !ok {
		return false
	}
	f.Close()
	m.deps.Log.Info("feed closed", "feed_id", feedID, "viewer_id", viewerID)
	return true
}

// CloseAll tears down every view.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	feeds := m.feeds
	m.feeds = make(map[viewKey]*Feed)
	m.mu.Unlock()

	for _, f := range feeds {
		f.Close()
	}
	m.cancel()
}

// Len returns the number of open views.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.feeds)
}
