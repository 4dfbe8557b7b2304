// Package rest implements a profile store against a PostgREST-style data API,
// the companion of the hosted auth service.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/ybdn/WhatWeWatch/internal/utils"
	"github.com/ybdn/WhatWeWatch/profile"
)

const profilesTable = "profiles"

// TokenFunc supplies the current access token, or empty when signed out.
type TokenFunc func() string

// Store reads and writes the profiles table over the REST API.
type Store struct {
	baseURL    string
	anonKey    string
	token      TokenFunc
	httpClient *http.Client
	nowTime    func() time.Time
}

var _ profile.Store = (*Store)(nil)

// StoreOption defines a function type to modify the Store instance.
type StoreOption func(*Store)

// WithHTTPClient overrides the HTTP client (primarily for testing).
func WithHTTPClient(httpClient *http.Client) StoreOption {
	return func(s *Store) {
		s.httpClient = httpClient
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowTime = nowFunc
	}
}

// NewStore initializes a new Store with required dependencies.
func NewStore(baseURL, anonKey string, token TokenFunc, options ...StoreOption) (*Store, error) {
	if baseURL == "" {
		return nil, errors.New("[NewStore] baseURL is required")
	}
	if anonKey == "" {
		return nil, errors.New("[NewStore] anonKey is required")
	}
	if token == nil {
		return nil, errors.New("[NewStore] token func is required")
	}

	store := &Store{
		baseURL:    strings.TrimRight(baseURL, "/"),
		anonKey:    anonKey,
		token:      token,
		httpClient: http.DefaultClient,
		nowTime:    time.Now,
	}
	for _, opt := range options {
		opt(store)
	}
	return store, nil
}

func (s *Store) Fetch(ctx context.Context, userID string) (*profile.Profile, error) {
	query := url.Values{
		"id":     {"eq." + userID},
		"select": {"id,display_name,avatar_url,updated_at,created_at"},
	}
	endpoint := s.baseURL + "/" + profilesTable + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[Fetch] build request")
	}
	s.setHeaders(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "[Fetch] call data api")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, restError("Fetch", resp)
	}

	var rows []profile.Profile
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, errors.Wrap(err, "[Fetch] decode rows")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *Store) Upsert(ctx context.Context, p *profile.Profile) error {
	row := *p
	row.UpdatedAt = utils.Ptr(s.nowTime().UTC())

	data, err := json.Marshal([]profile.Profile{row})
	if err != nil {
		return errors.Wrap(err, "[Upsert] marshal row")
	}

	endpoint := s.baseURL + "/" + profilesTable
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "[Upsert] build request")
	}
	s.setHeaders(req)
	req.Header.Set("Prefer", "resolution=merge-duplicates")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "[Upsert] call data api")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return restError("Upsert", resp)
	}
	return nil
}

func (s *Store) setHeaders(req *http.Request) {
	req.Header.Set("apikey", s.anonKey)
	req.Header.Set("Content-Type", "application/json")

	token := s.token()
	if token == "" {
		token = s.anonKey
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

func restError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<14))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("[%s] data api status %d: %s", op, resp.StatusCode, msg)
}
