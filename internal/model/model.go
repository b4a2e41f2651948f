// Package model defines the domain types used across the application.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the content-type tag carried by every item.
type Kind string

// Supported content kinds.
const (
	KindStory   Kind = "story"
	KindMessage Kind = "message"
	KindSnap    Kind = "snap"
	KindPinned  Kind = "pinned"
)

// ExpiryMode defines how an item's expiry instant is determined.
type ExpiryMode string

// Supported expiry modes.
const (
	ModeFixedTTL      ExpiryMode = "fixed-ttl"
	ModeViewTriggered ExpiryMode = "view-triggered"
	ModeNone          ExpiryMode = "none"
)

// Scope selects who an item is deleted for.
type Scope string

// Supported deletion scopes.
const (
	ScopeCallerOnly Scope = "caller-only"
	ScopeEveryone   Scope = "everyone"
)

// ParseScope converts a raw scope value. An empty string means everyone.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "", ScopeEveryone:
		return ScopeEveryone, nil
	case ScopeCallerOnly:
		return ScopeCallerOnly, nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// ContentItem is the unit of ephemerality. The remote store owns it;
// the engine only keeps a derived copy.
type ContentItem struct {
	ID            string
	FeedID        string
	AuthorID      string
	Kind          Kind
	CreatedAt     time.Time
	ExpiresAt     *time.Time
	Mode          ExpiryMode
	FirstViewedAt *time.Time
	ViewedBy      []string
	Views         int64
	Likes         int64
	Payload       json.RawMessage
}

// ViewedByUser reports whether viewer has already been counted as a viewer.
func (c *ContentItem) ViewedByUser(viewer string) bool {
	for _, v := range c.ViewedBy {
		if v == viewer {
			return true
		}
	}
	return false
}

// DeletionRecord tracks an in-flight delete. It lives only in memory.
type DeletionRecord struct {
	ItemID         string
	Attempts       int
	FirstAttemptAt time.Time
}

// EngagementKind selects which counter an engagement contributes to.
type EngagementKind string

// Supported engagement kinds.
const (
	EngagementView EngagementKind = "view"
	EngagementLike EngagementKind = "like"
)

// EngagementKey identifies one (item, viewer) contribution to a counter.
type EngagementKey struct {
	ItemID   string
	ViewerID string
	Kind     EngagementKind
}

func (k EngagementKey) String() string {
	return string(k.Kind) + ":" + k.ItemID + ":" + k.ViewerID
}

// Snapshot is one push from the remote store: the full item set of a
// feed as seen by a single viewer.
type Snapshot struct {
	FeedID  string
	Seq     uint64
	Items   []ContentItem
	TakenAt time.Time
}
