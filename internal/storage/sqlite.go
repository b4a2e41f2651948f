package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"ephemera/internal/model"
	"ephemera/migrations"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

const itemColumns = `id, feed_id, author_id, kind, mode, created_at, expires_at, first_viewed_at, views, likes, payload`

// SQLite implements Store backed by a SQLite database.
type SQLite struct {
	db   *sql.DB
	hub  *hub
	log  *slog.Logger
	opts options
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string, log *slog.Logger, opts ...Option) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}

	if err := migrations.Run(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &SQLite{db: db, log: log, opts: buildOptions(opts)}
	s.hub = newHub(s.ListItems, log)
	return s, nil
}

// Close drops all subscriptions and closes the database.
func (s *SQLite) Close() error {
	s.hub.close()
	return s.db.Close()
}

// CreateItem inserts a new item, assigning an ID and creation time when
// they are unset.
func (s *SQLite) CreateItem(ctx context.Context, item *model.ContentItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	item.CreatedAt = item.CreatedAt.UTC().Truncate(time.Millisecond)
	if item.ExpiresAt != nil {
		at := item.ExpiresAt.UTC().Truncate(time.Millisecond)
		item.ExpiresAt = &at
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items (id, feed_id, author_id, kind, mode, created_at, expires_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.FeedID, item.AuthorID, string(item.Kind), string(item.Mode),
		formatTime(item.CreatedAt), formatTimePtr(item.ExpiresAt), []byte(item.Payload),
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	s.hub.publish(item.FeedID)
	return nil
}

// GetItem returns a single item by its ID.
func (s *SQLite) GetItem(ctx context.Context, id string) (*model.ContentItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, viewer_id FROM engagements WHERE item_id = ? AND kind = 'view' ORDER BY created_at, viewer_id`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("query viewers: %w", err)
	}
	viewers, err := scanViewers(rows)
	if err != nil {
		return nil, err
	}
	item.ViewedBy = viewers[id]
	return &item, nil
}

// ListItems returns the feed's items in creation order, excluding items
// viewerID deleted for themselves.
func (s *SQLite) ListItems(ctx context.Context, feedID, viewerID string) ([]model.ContentItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items i
		 WHERE i.feed_id = ?
		   AND NOT EXISTS (SELECT 1 FROM hidden_items h WHERE h.item_id = i.id AND h.viewer_id = ?)
		 ORDER BY i.created_at, i.id`,
		feedID, viewerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	var items []model.ContentItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	_ = rows.Close()

	rows, err = s.db.QueryContext(ctx,
		`SELECT e.item_id, e.viewer_id FROM engagements e
		 JOIN items i ON i.id = e.item_id
		 WHERE i.feed_id = ? AND e.kind = 'view'
		 ORDER BY e.created_at, e.viewer_id`,
		feedID,
	)
	if err != nil {
		return nil, fmt.Errorf("query viewers: %w", err)
	}
	viewers, err := scanViewers(rows)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].ViewedBy = viewers[items[i].ID]
	}
	return items, nil
}

// DeleteItems deletes ids one by one. Everyone scope removes the item;
// caller-only scope hides it from caller's snapshots.
func (s *SQLite) DeleteItems(ctx context.Context, caller string, ids []string, scope model.Scope) (map[string]error, error) {
	results := make(map[string]error, len(ids))
	var touched []string
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			results[id] = err
			continue
		}
		feedID, err := s.deleteOne(ctx, caller, id, scope)
		results[id] = err
		if err == nil {
			touched = append(touched, feedID)
		}
	}
	s.hub.publish(touched...)
	return results, nil
}

func (s *SQLite) deleteOne(ctx context.Context, caller, id string, scope model.Scope) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var feedID string
	err = tx.QueryRowContext(ctx, `SELECT feed_id FROM items WHERE id = ?`, id).Scan(&feedID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup item: %w", err)
	}

	switch scope {
	case model.ScopeCallerOnly:
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO hidden_items (item_id, viewer_id, hidden_at) VALUES (?, ?, ?)`,
			id, caller, formatTime(time.Now()),
		); err != nil {
			return "", fmt.Errorf("hide item: %w", err)
		}
	default:
		for _, q := range []string{
			`DELETE FROM engagements WHERE item_id = ?`,
			`DELETE FROM hidden_items WHERE item_id = ?`,
			`DELETE FROM items WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return "", fmt.Errorf("delete item: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit delete: %w", err)
	}
	return feedID, nil
}

// Increment records an engagement and bumps the matching counter in one
// transaction. The first view by someone other than the author also
// stamps first_viewed_at and, with WithViewGrace, pulls a view-triggered
// item's expires_at in to the end of the grace window.
func (s *SQLite) Increment(ctx context.Context, key model.EngagementKey, at time.Time) (bool, error) {
	column := "views"
	if key.Kind == model.EngagementLike {
		column = "likes"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var feedID, authorID string
	err = tx.QueryRowContext(ctx, `SELECT feed_id, author_id FROM items WHERE id = ?`, key.ItemID).Scan(&feedID, &authorID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lookup item: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO engagements (item_id, viewer_id, kind, created_at) VALUES (?, ?, ?, ?)`,
		key.ItemID, key.ViewerID, string(key.Kind), formatTime(at),
	)
	if err != nil {
		return false, fmt.Errorf("insert engagement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	stampView := key.Kind == model.EngagementView && key.ViewerID != authorID
	stampExpiry := stampView && s.opts.viewGrace > 0
	deadline := formatTime(at.Add(s.opts.viewGrace))
	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET `+column+` = `+column+` + 1,
		   first_viewed_at = CASE WHEN ? AND first_viewed_at IS NULL THEN ? ELSE first_viewed_at END,
		   expires_at = CASE WHEN ? AND first_viewed_at IS NULL AND mode = ?
		                      AND (expires_at IS NULL OR expires_at > ?)
		                THEN ? ELSE expires_at END
		 WHERE id = ?`,
		boolToInt(stampView), formatTime(at),
		boolToInt(stampExpiry), string(model.ModeViewTriggered), deadline, deadline,
		key.ItemID,
	); err != nil {
		return false, fmt.Errorf("increment %s: %w", column, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit increment: %w", err)
	}
	s.hub.publish(feedID)
	return true, nil
}

// DeleteExpired removes every item whose stored expiry is at or before now.
func (s *SQLite) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM items WHERE expires_at IS NOT NULL AND expires_at <= ?`, formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("query expired: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan expired: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("iterate expired: %w", err)
	}
	_ = rows.Close()

	results, err := s.DeleteItems(ctx, "", ids, model.ScopeEveryone)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, err := range results {
		if err == nil {
			n++
		}
	}
	return n, nil
}

// Subscribe registers a snapshot subscription for viewerID on feedID.
func (s *SQLite) Subscribe(ctx context.Context, feedID, viewerID string) (<-chan model.Snapshot, error) {
	return s.hub.subscribe(ctx, feedID, viewerID)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

type scannable interface {
	Scan(dest ...any) error
}

func scanItem(row scannable) (model.ContentItem, error) {
	var item model.ContentItem
	var kind, mode, created string
	var expires, firstViewed sql.NullString
	var payload []byte
	err := row.Scan(&item.ID, &item.FeedID, &item.AuthorID, &kind, &mode, &created, &expires, &firstViewed,
		&item.Views, &item.Likes, &payload)
	if err != nil {
		return item, fmt.Errorf("scan item: %w", err)
	}
	item.Kind = model.Kind(kind)
	item.Mode = model.ExpiryMode(mode)
	item.CreatedAt, _ = time.Parse(timeLayout, created)
	item.ExpiresAt = parseTimePtr(expires)
	item.FirstViewedAt = parseTimePtr(firstViewed)
	if len(payload) > 0 {
		item.Payload = payload
	}
	return item, nil
}

func scanViewers(rows *sql.Rows) (map[string][]string, error) {
	defer func() { _ = rows.Close() }()
	viewers := make(map[string][]string)
	for rows.Next() {
		var itemID, viewerID string
		if err := rows.Scan(&itemID, &viewerID); err != nil {
			return nil, fmt.Errorf("scan viewer: %w", err)
		}
		viewers[itemID] = append(viewers[itemID], viewerID)
	}
	return viewers, rows.Err()
}
