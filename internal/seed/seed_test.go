package seed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mmcdole/gofeed"

	"ephemera/internal/model"
	"ephemera/internal/policy"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>DevOps Weekly</title>
    <link>https://example.com</link>
    <description>News</description>
    <item>
      <title>Kubernetes 1.32 Released</title>
      <link>https://example.com/k8s-132</link>
      <guid>k8s-132</guid>
      <description>New kubernetes features</description>
    </item>
    <item>
      <title>Docker Desktop Update</title>
      <link>https://example.com/docker</link>
      <guid>docker-update</guid>
      <description>Faster builds</description>
    </item>
    <item>
      <title>DevOps Job Vacancy at BigCorp</title>
      <link>https://example.com/job</link>
      <description>Kubernetes experience required</description>
    </item>
    <item>
      <title>Helm Chart Best Practices</title>
      <link>https://example.com/helm</link>
      <guid>helm</guid>
      <description>Packaging for Kubernetes</description>
    </item>
  </channel>
</rss>`

type mockTransport struct {
	body       string
	statusCode int
	err        error
}

func (m *mockTransport) Do(_ *http.Request) (*http.Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

func parseSample(t *testing.T) *gofeed.Feed {
	t.Helper()
	feed, err := gofeed.NewParser().ParseString(sampleRSS)
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return feed
}

func TestFetch(t *testing.T) {
	tests := []struct {
		name      string
		transport *mockTransport
		wantTitle string
		wantItems int
		wantErr   bool
	}{
		{
			name:      "successful fetch",
			transport: &mockTransport{body: sampleRSS, statusCode: 200},
			wantTitle: "DevOps Weekly",
			wantItems: 4,
		},
		{
			name:      "http error status",
			transport: &mockTransport{body: "not found", statusCode: 404},
			wantErr:   true,
		},
		{
			name:      "network error",
			transport: &mockTransport{err: io.ErrUnexpectedEOF},
			wantErr:   true,
		},
		{
			name:      "invalid xml",
			transport: &mockTransport{body: "not xml at all", statusCode: 200},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feed, err := NewFetcher(tt.transport).Fetch(context.Background(), "https://example.com/rss")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.wantTitle, feed.Title); diff != "" {
				t.Errorf("title mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantItems, len(feed.Items)); diff != "" {
				t.Errorf("item count mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestItemGUID(t *testing.T) {
	if got := ItemGUID(&gofeed.Item{GUID: "abc-123"}); got != "abc-123" {
		t.Errorf("GUID = %q, want abc-123", got)
	}
	a := ItemGUID(&gofeed.Item{Title: "Post", Link: "https://example.com/1"})
	b := ItemGUID(&gofeed.Item{Title: "Post", Link: "https://example.com/1"})
	if !strings.HasPrefix(a, "sha256:") || a != b {
		t.Errorf("hash GUIDs = %q, %q; want equal sha256 values", a, b)
	}
}

func TestFromFeed(t *testing.T) {
	feed := parseSample(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		opts       Options
		wantTitles []string
		wantErr    bool
	}{
		{
			name:       "no rules returns all",
			wantTitles: []string{"Kubernetes 1.32 Released", "Docker Desktop Update", "DevOps Job Vacancy at BigCorp", "Helm Chart Best Practices"},
		},
		{
			name:       "include kubernetes",
			opts:       Options{Rules: Rules{Include: []string{"kubernetes"}}},
			wantTitles: []string{"Kubernetes 1.32 Released", "DevOps Job Vacancy at BigCorp", "Helm Chart Best Practices"},
		},
		{
			name:       "include kubernetes, exclude vacancy by regex",
			opts:       Options{Rules: Rules{Include: []string{"kubernetes"}, Exclude: []string{"re:job.*vacancy"}}},
			wantTitles: []string{"Kubernetes 1.32 Released", "Helm Chart Best Practices"},
		},
		{
			name:       "limit",
			opts:       Options{Limit: 1},
			wantTitles: []string{"Kubernetes 1.32 Released"},
		},
		{
			name:    "bad regex",
			opts:    Options{Rules: Rules{Include: []string{"re:("}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.FeedID = "news"
			tt.opts.AuthorID = "bot"
			tt.opts.Kind = model.KindStory

			items, err := FromFeed(feed, tt.opts, now)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			var titles []string
			for _, it := range items {
				if it.FeedID != "news" || it.AuthorID != "bot" || it.Kind != model.KindStory || !it.CreatedAt.Equal(now) {
					t.Errorf("unexpected item fields: %+v", it)
				}
				var p Payload
				if err := json.Unmarshal(it.Payload, &p); err != nil {
					t.Fatalf("decode payload: %v", err)
				}
				titles = append(titles, p.Title)
			}
			if diff := cmp.Diff(tt.wantTitles, titles); diff != "" {
				t.Errorf("titles mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

type mockCreator struct {
	mu    sync.Mutex
	items []model.ContentItem
	err   error
}

func (m *mockCreator) CreateItem(_ context.Context, item *model.ContentItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.items = append(m.items, *item)
	return nil
}

func TestImport(t *testing.T) {
	feed := parseSample(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	resolver := policy.New(map[model.Kind]policy.Rule{
		model.KindStory: {Mode: model.ModeFixedTTL, TTL: 24 * time.Hour},
	}, 10*time.Second)

	store := &mockCreator{}
	n, err := Import(context.Background(), store, resolver, feed, Options{FeedID: "news", AuthorID: "bot", Kind: model.KindStory, Limit: 2}, now)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 2 || len(store.items) != 2 {
		t.Fatalf("imported %d (stored %d), want 2", n, len(store.items))
	}
	wantExpiry := now.Add(24 * time.Hour)
	for _, it := range store.items {
		if it.ExpiresAt == nil || !it.ExpiresAt.Equal(wantExpiry) {
			t.Errorf("ExpiresAt = %v, want %v", it.ExpiresAt, wantExpiry)
		}
	}

	_, err = Import(context.Background(), &mockCreator{}, resolver, feed, Options{Kind: model.KindSnap}, now)
	if !errors.Is(err, policy.ErrUnknownKind) {
		t.Errorf("unknown kind error = %v, want ErrUnknownKind", err)
	}

	_, err = Import(context.Background(), &mockCreator{err: errors.New("disk full")}, resolver, feed, Options{Kind: model.KindStory}, now)
	if err == nil {
		t.Error("expected store error")
	}
}
