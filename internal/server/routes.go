package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ephemera/internal/feed"
	"ephemera/internal/model"
	"ephemera/internal/policy"
)

type itemJSON struct {
	ID          string          `json:"id"`
	AuthorID    string          `json:"author_id"`
	Kind        model.Kind      `json:"kind"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	RemainingMS *int64          `json:"remaining_ms,omitempty"`
	Views       int64           `json:"views"`
	Likes       int64           `json:"likes"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func toItemJSON(v feed.View) itemJSON {
	out := itemJSON{
		ID:        v.Item.ID,
		AuthorID:  v.Item.AuthorID,
		Kind:      v.Item.Kind,
		CreatedAt: v.Item.CreatedAt,
		Views:     v.Item.Views,
		Likes:     v.Item.Likes,
		Payload:   v.Item.Payload,
	}
	if v.HasExpiry {
		ms := v.Remaining.Milliseconds()
		out.ExpiresAt = v.ExpiresAt
		out.RemainingMS = &ms
	}
	return out
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	f := s.feeds.Open(chi.URLParam(r, "feedID"), viewerFrom(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "open",
		"feed_id": f.FeedID(),
		"stale":   f.Stale(),
	})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if !s.feeds.Close(chi.URLParam(r, "feedID"), viewerFrom(r)) {
		writeError(w, http.StatusNotFound, "no open session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) openFeed(w http.ResponseWriter, r *http.Request) (*feed.Feed, bool) {
	f, ok := s.feeds.Get(chi.URLParam(r, "feedID"), viewerFrom(r))
	if !ok {
		writeError(w, http.StatusNotFound, "no open session")
	}
	return f, ok
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	f, ok := s.openFeed(w, r)
	if !ok {
		return
	}
	views := f.Visible()
	items := make([]itemJSON, len(views))
	for i, v := range views {
		items[i] = toItemJSON(v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"feed_id": f.FeedID(),
		"stale":   f.Stale(),
		"items":   items,
	})
}

func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind    model.Kind      `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	now := s.now().UTC()
	stamp, err := s.resolver.Resolve(req.Kind, now)
	if errors.Is(err, policy.ErrUnknownKind) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	item := model.ContentItem{
		FeedID:    chi.URLParam(r, "feedID"),
		AuthorID:  viewerFrom(r),
		Kind:      req.Kind,
		CreatedAt: now,
		ExpiresAt: stamp.ExpiresAt,
		Mode:      stamp.Mode,
		Payload:   req.Payload,
	}
	if err := s.store.CreateItem(r.Context(), &item); err != nil {
		s.log.Error("create item", "feed_id", item.FeedID, "error", err)
		writeError(w, http.StatusInternalServerError, "create item failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         item.ID,
		"mode":       item.Mode,
		"created_at": item.CreatedAt,
		"expires_at": item.ExpiresAt,
	})
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	scope, err := model.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f, ok := s.openFeed(w, r)
	if !ok {
		return
	}
	err = f.Delete(r.Context(), chi.URLParam(r, "itemID"), scope)
	if errors.Is(err, feed.ErrUnknownItem) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		s.log.Error("delete item", "item_id", chi.URLParam(r, "itemID"), "error", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "scope": string(scope)})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	s.handleEngagement(w, r, (*feed.Feed).RecordView)
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	s.handleEngagement(w, r, (*feed.Feed).RecordLike)
}

func (s *Server) handleEngagement(w http.ResponseWriter, r *http.Request, record func(*feed.Feed, context.Context, string) error) {
	f, ok := s.openFeed(w, r)
	if !ok {
		return
	}
	itemID := chi.URLParam(r, "itemID")
	err := record(f, r.Context(), itemID)
	if errors.Is(err, feed.ErrUnknownItem) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		s.log.Error("record engagement", "item_id", itemID, "error", err)
		writeError(w, http.StatusInternalServerError, "record failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
