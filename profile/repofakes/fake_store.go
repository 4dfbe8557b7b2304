// Package repofakes provides an in-memory profile.Store for tests.
package repofakes

import (
	"context"
	"sync"

	"github.com/ybdn/WhatWeWatch/profile"
)

var _ profile.Store = (*FakeStore)(nil)

// FakeStore keeps profiles in memory. FetchErr and UpsertErr force failures.
type FakeStore struct {
	lock     sync.RWMutex
	profiles map[string]*profile.Profile

	FetchErr    error
	UpsertErr   error
	FetchCalls  []string
	UpsertCalls []string
}

func NewFakeStore() *FakeStore {
	return &FakeStore{profiles: make(map[string]*profile.Profile)}
}

// Seed stores a profile without recording a call.
func (fs *FakeStore) Seed(p *profile.Profile) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	copied := *p
	fs.profiles[p.ID] = &copied
}

func (fs *FakeStore) Fetch(ctx context.Context, userID string) (*profile.Profile, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	fs.FetchCalls = append(fs.FetchCalls, userID)
	if fs.FetchErr != nil {
		return nil, fs.FetchErr
	}
	p, ok := fs.profiles[userID]
	if !ok {
		return nil, nil
	}
	copied := *p
	return &copied, nil
}

func (fs *FakeStore) Upsert(ctx context.Context, p *profile.Profile) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	fs.UpsertCalls = append(fs.UpsertCalls, p.ID)
	if fs.UpsertErr != nil {
		return fs.UpsertErr
	}
	copied := *p
	fs.profiles[p.ID] = &copied
	return nil
}
