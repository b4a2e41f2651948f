package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"

	"ephemera/internal/model"
	"ephemera/internal/policy"
)

// Creator stores new items.
type Creator interface {
	CreateItem(ctx context.Context, item *model.ContentItem) error
}

// Options controls how feed entries are turned into items.
type Options struct {
	FeedID   string
	AuthorID string
	Kind     model.Kind
	Rules    Rules
	// Limit caps the number of items; zero means no cap.
	Limit int
}

// Payload is the opaque body stored with seeded items.
type Payload struct {
	GUID    string `json:"guid"`
	Title   string `json:"title"`
	Link    string `json:"link,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// FromFeed converts matching feed entries into items created at now, in
// feed order.
func FromFeed(feed *gofeed.Feed, opts Options, now time.Time) ([]model.ContentItem, error) {
	match, err := opts.Rules.Compile()
	if err != nil {
		return nil, err
	}

	var items []model.ContentItem
	for _, entry := range feed.Items {
		if opts.Limit > 0 && len(items) >= opts.Limit {
			break
		}
		if !match(entry.Title, entry.Description) {
			continue
		}
		summary := entry.Description
		if len(summary) > 300 {
			summary = summary[:300] + "..."
		}
		payload, err := json.Marshal(Payload{
			GUID:    ItemGUID(entry),
			Title:   entry.Title,
			Link:    entry.Link,
			Summary: summary,
		})
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		items = append(items, model.ContentItem{
			FeedID:    opts.FeedID,
			AuthorID:  opts.AuthorID,
			Kind:      opts.Kind,
			CreatedAt: now,
			Payload:   payload,
		})
	}
	return items, nil
}

// Import stores the items built from feed, stamping each with its policy
// expiry. It returns the number of items created.
func Import(ctx context.Context, store Creator, resolver *policy.Resolver, feed *gofeed.Feed, opts Options, now time.Time) (int, error) {
	items, err := FromFeed(feed, opts, now)
	if err != nil {
		return 0, err
	}
	for i := range items {
		stamp, err := resolver.Resolve(items[i].Kind, items[i].CreatedAt)
		if err != nil {
			return i, err
		}
		items[i].Mode = stamp.Mode
		items[i].ExpiresAt = stamp.ExpiresAt
		if err := store.CreateItem(ctx, &items[i]); err != nil {
			return i, fmt.Errorf("create item: %w", err)
		}
	}
	return len(items), nil
}
