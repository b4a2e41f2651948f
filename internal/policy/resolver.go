// Package policy maps content kinds to expiry instants.
//
// The resolver is pure: identical inputs always produce identical stamps,
// and it never reads the clock.
package policy

import (
	"errors"
	"fmt"
	"time"

	"ephemera/internal/config"
	"ephemera/internal/model"
)

// ErrUnknownKind is returned for content kinds with no configured rule.
var ErrUnknownKind = errors.New("unknown content kind")

// Rule is the expiry policy for one content kind.
type Rule struct {
	Mode model.ExpiryMode
	TTL  time.Duration
}

// Stamp is a resolved expiry. ExpiresAt is nil when no instant is known
// yet (view-triggered before the first view) or ever (ModeNone).
type Stamp struct {
	Mode      model.ExpiryMode
	ExpiresAt *time.Time
}

// Expired reports whether the stamp's instant is at or before now.
func (s Stamp) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// Remaining returns the time left before expiry. The second value is
// false when the stamp carries no instant.
func (s Stamp) Remaining(now time.Time) (time.Duration, bool) {
	if s.ExpiresAt == nil {
		return 0, false
	}
	return s.ExpiresAt.Sub(now), true
}

// Resolver resolves expiry stamps from a fixed rule table.
type Resolver struct {
	rules map[model.Kind]Rule
	grace time.Duration
}

// New creates a Resolver. grace is the window applied after the first
// view of view-triggered content.
func New(rules map[model.Kind]Rule, grace time.Duration) *Resolver {
	cp := make(map[model.Kind]Rule, len(rules))
	for k, r := range rules {
		cp[k] = r
	}
	return &Resolver{rules: cp, grace: grace}
}

// FromConfig builds the default rule table from configuration.
func FromConfig(cfg *config.Config) *Resolver {
	return New(map[model.Kind]Rule{
		model.KindStory:   {Mode: model.ModeFixedTTL, TTL: cfg.StoryTTL},
		model.KindMessage: {Mode: model.ModeFixedTTL, TTL: cfg.MessageTTL},
		model.KindSnap:    {Mode: model.ModeViewTriggered},
		model.KindPinned:  {Mode: model.ModeNone},
	}, cfg.SnapGrace)
}

// Grace returns the view-triggered grace window.
func (r *Resolver) Grace() time.Duration {
	return r.grace
}

// Resolve returns the stamp an item of the given kind receives at creation.
func (r *Resolver) Resolve(kind model.Kind, createdAt time.Time) (Stamp, error) {
	rule, ok := r.rules[kind]
	if !ok {
		return Stamp{}, fmt.Errorf("resolve %q: %w", kind, ErrUnknownKind)
	}
	switch rule.Mode {
	case model.ModeFixedTTL:
		at := createdAt.Add(rule.TTL)
		return Stamp{Mode: rule.Mode, ExpiresAt: &at}, nil
	case model.ModeViewTriggered, model.ModeNone:
		return Stamp{Mode: rule.Mode}, nil
	}
	return Stamp{}, fmt.Errorf("resolve %q: bad mode %q: %w", kind, rule.Mode, ErrUnknownKind)
}

// AfterView returns the expiry instant of view-triggered content first
// viewed at firstView.
func (r *Resolver) AfterView(firstView time.Time) time.Time {
	return firstView.Add(r.grace)
}

// Effective returns the stamp the engine enforces for item: the policy
// instant, tightened by an earlier upstream ExpiresAt if present.
func (r *Resolver) Effective(item model.ContentItem) (Stamp, error) {
	st, err := r.Resolve(item.Kind, item.CreatedAt)
	if err != nil {
		return Stamp{}, err
	}
	if st.Mode == model.ModeViewTriggered && item.FirstViewedAt != nil {
		at := r.AfterView(*item.FirstViewedAt)
		st.ExpiresAt = &at
	}
	st.ExpiresAt = Earliest(st.ExpiresAt, item.ExpiresAt)
	return st, nil
}

// Earliest returns the earlier of two optional instants.
func Earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	}
	return a
}
