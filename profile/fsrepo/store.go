// Package fsrepo implements a file-backed profile store for local mode.
package fsrepo

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/ybdn/WhatWeWatch/internal/utils"
	"github.com/ybdn/WhatWeWatch/profile"
)

const storeFileName = "profiles.json"

// Store keeps profiles in a JSON file under the data folder.
type Store struct {
	path    string
	nowTime func() time.Time

	mu       sync.Mutex
	profiles map[string]*profile.Profile
}

var _ profile.Store = (*Store)(nil)

// StoreOption defines a function type to modify the Store instance.
type StoreOption func(*Store)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowTime = nowFunc
	}
}

// NewStore opens (or creates) the profile file under dataFolder.
func NewStore(dataFolder string, options ...StoreOption) (*Store, error) {
	if dataFolder == "" {
		return nil, errors.New("[NewStore] dataFolder is required")
	}
	if err := os.MkdirAll(dataFolder, 0o700); err != nil {
		return nil, errors.Wrap(err, "[NewStore] create data folder")
	}

	store := &Store{
		path:     filepath.Join(dataFolder, storeFileName),
		nowTime:  time.Now,
		profiles: map[string]*profile.Profile{},
	}
	for _, opt := range options {
		opt(store)
	}

	if err := store.load(); err != nil {
		return nil, errors.Wrap(err, "[NewStore] load profiles")
	}
	return store, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &s.profiles)
}

// persist must be called with s.mu held.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.profiles, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *Store) Fetch(ctx context.Context, userID string) (*profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	copied := *p
	return &copied, nil
}

func (s *Store) Upsert(ctx context.Context, p *profile.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := *p
	row.UpdatedAt = utils.Ptr(s.nowTime().UTC())
	if existing, ok := s.profiles[p.ID]; ok && existing.CreatedAt != nil {
		row.CreatedAt = existing.CreatedAt
	} else if row.CreatedAt == nil {
		row.CreatedAt = row.UpdatedAt
	}
	s.profiles[p.ID] = &row
	return errors.Wrap(s.persist(), "[Upsert] persist")
}
