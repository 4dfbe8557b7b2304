// Package profile holds the app-side user profile attached to an identity.
package profile

import (
	"context"
	"time"
)

// Profile is the display data a user attaches to their account. A profile is
// complete once it carries a non-empty display name.
type Profile struct {
	ID          string     `json:"id"`
	DisplayName *string    `json:"display_name"`
	AvatarURL   *string    `json:"avatar_url"`
	UpdatedAt   *time.Time `json:"updated_at"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

// Complete reports whether the profile has been filled in.
func (p *Profile) Complete() bool {
	return p != nil && p.DisplayName != nil && *p.DisplayName != ""
}

// Store persists profiles keyed by identity id.
type Store interface {
	// Fetch returns the profile for userID, or nil when none exists.
	Fetch(ctx context.Context, userID string) (*Profile, error)
	Upsert(ctx context.Context, p *Profile) error
}

// Ensure fetches the profile for userID, creating an empty one first when the
// user has none yet.
func Ensure(ctx context.Context, store Store, userID string) (*Profile, error) {
	existing, err := store.Fetch(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	if err := store.Upsert(ctx, &Profile{ID: userID}); err != nil {
		return nil, err
	}
	return store.Fetch(ctx, userID)
}
