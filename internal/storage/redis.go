package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ephemera/internal/model"
)

// DefaultRedisPrefix namespaces every key the Redis store writes.
const DefaultRedisPrefix = "ephemera:"

var deleteScript = redis.NewScript(`
local feed = redis.call('HGET', KEYS[1], 'feed_id')
if not feed then return false end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3], KEYS[4])
redis.call('ZREM', KEYS[5], ARGV[1])
redis.call('ZREM', ARGV[2] .. feed, ARGV[1])
return feed
`)

var hideScript = redis.NewScript(`
local feed = redis.call('HGET', KEYS[1], 'feed_id')
if not feed then return false end
redis.call('SADD', KEYS[2], ARGV[1])
return feed
`)

var incrementScript = redis.NewScript(`
local author = redis.call('HGET', KEYS[1], 'author_id')
if not author then return false end
if redis.call('SADD', KEYS[2], ARGV[1]) == 0 then return '' end
redis.call('HINCRBY', KEYS[1], ARGV[2], 1)
if ARGV[3] == '1' and author ~= ARGV[1] then
  local first = redis.call('HSETNX', KEYS[1], 'first_viewed_at', ARGV[4])
  if first == 1 and ARGV[5] ~= '' and redis.call('HGET', KEYS[1], 'mode') == ARGV[7] then
    local cur = redis.call('ZSCORE', KEYS[3], ARGV[8])
    if not cur or tonumber(cur) > tonumber(ARGV[6]) then
      redis.call('HSET', KEYS[1], 'expires_at', ARGV[5])
      redis.call('ZADD', KEYS[3], ARGV[6], ARGV[8])
    end
  end
end
return redis.call('HGET', KEYS[1], 'feed_id')
`)

// Redis implements Store on Redis hashes and sorted sets. Counters are
// updated by Lua scripts so each (item, viewer) pair counts once even
// across processes; changes are announced over pub/sub.
type Redis struct {
	rdb    *redis.Client
	prefix string
	log    *slog.Logger
	opts   options
}

// OpenRedis connects to addr and verifies the connection.
func OpenRedis(ctx context.Context, addr, password string, db int, log *slog.Logger, opts ...Option) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(rdb, DefaultRedisPrefix, log, opts...), nil
}

// NewRedis wraps an existing client. prefix namespaces all keys.
func NewRedis(rdb *redis.Client, prefix string, log *slog.Logger, opts ...Option) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, log: log, opts: buildOptions(opts)}
}

// Close closes the underlying client, which also ends subscriptions.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) itemKey(id string) string     { return r.prefix + "item:" + id }
func (r *Redis) feedKey(feedID string) string { return r.prefix + "feed:" + feedID }
func (r *Redis) hiddenKey(id string) string   { return r.prefix + "hidden:" + id }
func (r *Redis) expiryKey() string            { return r.prefix + "expiry" }
func (r *Redis) channel(feedID string) string { return r.prefix + "changes:" + feedID }

func (r *Redis) engagedKey(id string, kind model.EngagementKind) string {
	return r.prefix + "engaged:" + id + ":" + string(kind)
}

func (r *Redis) announce(ctx context.Context, feedIDs ...string) {
	for _, feedID := range feedIDs {
		if err := r.rdb.Publish(ctx, r.channel(feedID), "changed").Err(); err != nil {
			r.log.Warn("publish change", "feed_id", feedID, "error", err)
		}
	}
}

// CreateItem stores a new item, assigning an ID and creation time when
// they are unset.
func (r *Redis) CreateItem(ctx context.Context, item *model.ContentItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	item.CreatedAt = item.CreatedAt.UTC()

	fields := map[string]any{
		"feed_id":    item.FeedID,
		"author_id":  item.AuthorID,
		"kind":       string(item.Kind),
		"mode":       string(item.Mode),
		"created_at": item.CreatedAt.Format(time.RFC3339Nano),
		"views":      0,
		"likes":      0,
		"payload":    string(item.Payload),
	}
	if item.ExpiresAt != nil {
		fields["expires_at"] = item.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.itemKey(item.ID), fields)
		pipe.ZAdd(ctx, r.feedKey(item.FeedID), redis.Z{Score: float64(item.CreatedAt.UnixMilli()), Member: item.ID})
		if item.ExpiresAt != nil {
			pipe.ZAdd(ctx, r.expiryKey(), redis.Z{Score: float64(item.ExpiresAt.UnixMilli()), Member: item.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store item: %w", err)
	}
	r.announce(ctx, item.FeedID)
	return nil
}

// GetItem returns a single item by its ID.
func (r *Redis) GetItem(ctx context.Context, id string) (*model.ContentItem, error) {
	fields, err := r.rdb.HGetAll(ctx, r.itemKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load item: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	viewers, err := r.rdb.SMembers(ctx, r.engagedKey(id, model.EngagementView)).Result()
	if err != nil {
		return nil, fmt.Errorf("load viewers: %w", err)
	}
	item := decodeItem(id, fields, viewers)
	return &item, nil
}

// ListItems returns the feed's items in creation order, excluding items
// viewerID deleted for themselves.
func (r *Redis) ListItems(ctx context.Context, feedID, viewerID string) ([]model.ContentItem, error) {
	ids, err := r.rdb.ZRange(ctx, r.feedKey(feedID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list feed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	hashes := make([]*redis.MapStringStringCmd, len(ids))
	hidden := make([]*redis.BoolCmd, len(ids))
	viewers := make([]*redis.StringSliceCmd, len(ids))
	_, err = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			hashes[i] = pipe.HGetAll(ctx, r.itemKey(id))
			hidden[i] = pipe.SIsMember(ctx, r.hiddenKey(id), viewerID)
			viewers[i] = pipe.SMembers(ctx, r.engagedKey(id, model.EngagementView))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}

	items := make([]model.ContentItem, 0, len(ids))
	for i, id := range ids {
		fields := hashes[i].Val()
		if len(fields) == 0 || hidden[i].Val() {
			continue
		}
		items = append(items, decodeItem(id, fields, viewers[i].Val()))
	}
	return items, nil
}

// DeleteItems deletes ids one by one. Everyone scope removes the item;
// caller-only scope hides it from caller's snapshots.
func (r *Redis) DeleteItems(ctx context.Context, caller string, ids []string, scope model.Scope) (map[string]error, error) {
	results := make(map[string]error, len(ids))
	var touched []string
	for _, id := range ids {
		var cmd *redis.Cmd
		if scope == model.ScopeCallerOnly {
			cmd = hideScript.Run(ctx, r.rdb, []string{r.itemKey(id), r.hiddenKey(id)}, caller)
		} else {
			cmd = deleteScript.Run(ctx, r.rdb, []string{
				r.itemKey(id),
				r.hiddenKey(id),
				r.engagedKey(id, model.EngagementView),
				r.engagedKey(id, model.EngagementLike),
				r.expiryKey(),
			}, id, r.prefix+"feed:")
		}
		feedID, err := cmd.Text()
		switch {
		case errors.Is(err, redis.Nil):
			results[id] = ErrNotFound
		case err != nil:
			results[id] = fmt.Errorf("delete item: %w", err)
		default:
			results[id] = nil
			touched = append(touched, feedID)
		}
	}
	r.announce(ctx, touched...)
	return results, nil
}

// Increment counts key at most once using a server-side script.
func (r *Redis) Increment(ctx context.Context, key model.EngagementKey, at time.Time) (bool, error) {
	field := "views"
	if key.Kind == model.EngagementLike {
		field = "likes"
	}
	stamp := "0"
	if key.Kind == model.EngagementView {
		stamp = "1"
	}
	var deadline, deadlineScore string
	if r.opts.viewGrace > 0 {
		d := at.Add(r.opts.viewGrace).UTC()
		deadline = d.Format(time.RFC3339Nano)
		deadlineScore = strconv.FormatInt(d.UnixMilli(), 10)
	}

	feedID, err := incrementScript.Run(ctx, r.rdb,
		[]string{r.itemKey(key.ItemID), r.engagedKey(key.ItemID, key.Kind), r.expiryKey()},
		key.ViewerID, field, stamp, at.UTC().Format(time.RFC3339Nano),
		deadline, deadlineScore, string(model.ModeViewTriggered), key.ItemID,
	).Text()
	if errors.Is(err, redis.Nil) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("increment %s: %w", field, err)
	}
	if feedID == "" {
		return false, nil
	}
	r.announce(ctx, feedID)
	return true, nil
}

// DeleteExpired removes every item whose stored expiry is at or before now.
func (r *Redis) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("query expired: %w", err)
	}
	results, err := r.DeleteItems(ctx, "", ids, model.ScopeEveryone)
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

// Subscribe pushes a snapshot on subscribe and after every announced change.
func (r *Redis) Subscribe(ctx context.Context, feedID, viewerID string) (<-chan model.Snapshot, error) {
	pubsub := r.rdb.Subscribe(ctx, r.channel(feedID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	msgs := pubsub.Channel()

	out := make(chan model.Snapshot)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()

		var seq uint64
		push := func() bool {
			items, err := r.ListItems(ctx, feedID, viewerID)
			if err != nil {
				if ctx.Err() == nil {
					r.log.Error("load snapshot", "feed_id", feedID, "viewer_id", viewerID, "error", err)
				}
				return false
			}
			seq++
			select {
			case out <- model.Snapshot{FeedID: feedID, Seq: seq, Items: items, TakenAt: time.Now().UTC()}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !push() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				// Collapse a burst of notifications into one snapshot.
				for len(msgs) > 0 {
					<-msgs
				}
				if !push() {
					return
				}
			}
		}
	}()
	return out, nil
}

func decodeItem(id string, fields map[string]string, viewers []string) model.ContentItem {
	item := model.ContentItem{
		ID:       id,
		FeedID:   fields["feed_id"],
		AuthorID: fields["author_id"],
		Kind:     model.Kind(fields["kind"]),
		Mode:     model.ExpiryMode(fields["mode"]),
	}
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	item.ExpiresAt = parseRFC3339(fields["expires_at"])
	item.FirstViewedAt = parseRFC3339(fields["first_viewed_at"])
	item.Views, _ = strconv.ParseInt(fields["views"], 10, 64)
	item.Likes, _ = strconv.ParseInt(fields["likes"], 10, 64)
	if p := fields["payload"]; p != "" {
		item.Payload = []byte(p)
	}
	if len(viewers) > 0 {
		sort.Strings(viewers)
		item.ViewedBy = viewers
	}
	return item
}

func parseRFC3339(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
