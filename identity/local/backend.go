// Package local implements a degraded identity backend used when no hosted
// provider is configured. Accounts live in a JSON file under the data folder,
// emails are always treated as confirmed, and password rules are relaxed so
// the app stays usable offline.
package local

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/ybdn/WhatWeWatch/identity"
	"github.com/ybdn/WhatWeWatch/internal/totp"
	"github.com/ybdn/WhatWeWatch/internal/utils"
	"golang.org/x/crypto/bcrypt"
)

const (
	stateFileName    = "identities.json"
	challengeTimeout = 5 * time.Minute

	minSignInPasswordLen = 3
	minSignUpPasswordLen = 6
)

type factorRecord struct {
	ID           string `json:"id"`
	FriendlyName string `json:"friendly_name,omitempty"`
	Secret       string `json:"secret"`
	Verified     bool   `json:"verified"`
}

type userRecord struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	PasswordHash     string         `json:"password_hash"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	Factors          []factorRecord `json:"factors,omitempty"`
}

type fileState struct {
	Users        map[string]*userRecord `json:"users"` // keyed by normalized email
	CurrentEmail string                 `json:"current_email,omitempty"`
}

type challenge struct {
	factorID string
	expires  time.Time
}

// Backend is the file-backed local identity provider.
type Backend struct {
	path    string
	nowTime func() time.Time

	mu         sync.Mutex
	state      fileState
	challenges map[string]challenge
	onSession  identity.SessionFunc
}

var _ identity.Backend = (*Backend)(nil)

// BackendOption defines a function type to modify the Backend instance.
type BackendOption func(*Backend)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) BackendOption {
	return func(b *Backend) {
		b.nowTime = nowFunc
	}
}

// NewBackend opens (or creates) the identity file under dataFolder.
func NewBackend(dataFolder string, options ...BackendOption) (*Backend, error) {
	if dataFolder == "" {
		return nil, errors.New("[NewBackend] dataFolder is required")
	}
	if err := os.MkdirAll(dataFolder, 0o700); err != nil {
		return nil, errors.Wrap(err, "[NewBackend] create data folder")
	}

	b := &Backend{
		path:       filepath.Join(dataFolder, stateFileName),
		nowTime:    time.Now,
		state:      fileState{Users: map[string]*userRecord{}},
		challenges: map[string]challenge{},
	}
	for _, opt := range options {
		opt(b)
	}

	if err := b.load(); err != nil {
		return nil, errors.Wrap(err, "[NewBackend] load state")
	}
	return b, nil
}

func (b *Backend) load() error {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if st.Users == nil {
		st.Users = map[string]*userRecord{}
	}
	b.state = st
	return nil
}

// persist must be called with b.mu held.
func (b *Backend) persist() error {
	data, err := json.MarshalIndent(b.state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o600)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (b *Backend) sessionFor(rec *userRecord) *identity.Session {
	return &identity.Session{
		Identity: identity.Identity{
			ID:               rec.ID,
			Email:            rec.Email,
			EmailConfirmedAt: rec.EmailConfirmedAt,
		},
		AccessToken: "local:" + rec.ID,
	}
}

func (b *Backend) GetSession(ctx context.Context) (*identity.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.CurrentEmail == "" {
		return nil, nil
	}
	rec, ok := b.state.Users[b.state.CurrentEmail]
	if !ok {
		return nil, nil
	}
	return b.sessionFor(rec), nil
}

// SignInPassword signs in against the local file. Unknown emails materialize
// a fresh account so the app works without prior registration. Accounts with
// a verified TOTP factor answer with an MFA challenge requirement instead of
// a session.
func (b *Backend) SignInPassword(ctx context.Context, email, password string) (*identity.Session, string, error) {
	if len(password) < minSignInPasswordLen {
		return nil, "", identity.InvalidPasswordErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := normalizeEmail(email)
	rec, ok := b.state.Users[key]
	if !ok {
		var err error
		rec, err = b.createRecord(key, password)
		if err != nil {
			return nil, "", errors.Wrap(err, "[SignInPassword] create record")
		}
	} else if bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)) != nil {
		return nil, "", identity.InvalidCredentialsErr
	}

	if f := verifiedFactor(rec); f != nil {
		return nil, f.ID, &identity.ProviderError{Code: "mfa_required", Message: "MFA verification required"}
	}

	b.state.CurrentEmail = key
	if err := b.persist(); err != nil {
		return nil, "", errors.Wrap(err, "[SignInPassword] persist")
	}
	return b.sessionFor(rec), "", nil
}

func (b *Backend) SignUpPassword(ctx context.Context, email, password, redirectURL string) (*identity.Session, error) {
	if len(password) < minSignUpPasswordLen {
		return nil, identity.InvalidPasswordErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := normalizeEmail(email)
	if _, ok := b.state.Users[key]; ok {
		return nil, identity.AlreadyRegisteredErr
	}

	rec, err := b.createRecord(key, password)
	if err != nil {
		return nil, errors.Wrap(err, "[SignUpPassword] create record")
	}
	b.state.CurrentEmail = key
	if err := b.persist(); err != nil {
		return nil, errors.Wrap(err, "[SignUpPassword] persist")
	}
	return b.sessionFor(rec), nil
}

// createRecord must be called with b.mu held. Local accounts are confirmed
// immediately since there is no mail delivery offline.
func (b *Backend) createRecord(normalized, password string) (*userRecord, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	rec := &userRecord{
		ID:               "local-" + normalized,
		Email:            normalized,
		PasswordHash:     string(hash),
		EmailConfirmedAt: utils.Ptr(b.nowTime()),
	}
	b.state.Users[normalized] = rec
	return rec, nil
}

func (b *Backend) SignInOAuthURL(provider identity.OAuthProvider, redirectURL string) (string, error) {
	return "", identity.ProviderUnavailableErr
}

func (b *Backend) SignOut(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state.CurrentEmail = ""
	return errors.Wrap(b.persist(), "[SignOut] persist")
}

// ResetPassword has nothing to send in local mode; it succeeds so the UI can
// show its confirmation copy.
func (b *Backend) ResetPassword(ctx context.Context, email, redirectURL string) error {
	return nil
}

func (b *Backend) ResendConfirmationEmail(ctx context.Context, email, redirectURL string) error {
	return nil
}

func (b *Backend) ChangeEmail(ctx context.Context, newEmail string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.currentRecord()
	if err != nil {
		return err
	}

	key := normalizeEmail(newEmail)
	if key == "" {
		return identity.EmailRequiredErr
	}
	if _, ok := b.state.Users[key]; ok && key != b.state.CurrentEmail {
		return identity.AlreadyRegisteredErr
	}

	delete(b.state.Users, b.state.CurrentEmail)
	rec.Email = key
	rec.ID = "local-" + key
	rec.EmailConfirmedAt = utils.Ptr(b.nowTime())
	b.state.Users[key] = rec
	b.state.CurrentEmail = key
	return errors.Wrap(b.persist(), "[ChangeEmail] persist")
}

func (b *Backend) CurrentIdentity(ctx context.Context) (*identity.Identity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.currentRecord()
	if err != nil {
		return nil, err
	}
	id := identity.Identity{ID: rec.ID, Email: rec.Email, EmailConfirmedAt: rec.EmailConfirmedAt}
	return &id, nil
}

// currentRecord must be called with b.mu held.
func (b *Backend) currentRecord() (*userRecord, error) {
	if b.state.CurrentEmail == "" {
		return nil, identity.NotAuthenticatedErr
	}
	rec, ok := b.state.Users[b.state.CurrentEmail]
	if !ok {
		return nil, identity.NotAuthenticatedErr
	}
	return rec, nil
}

func (b *Backend) ChallengeMFA(ctx context.Context, factorID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.findFactor(factorID) == nil {
		return "", identity.MFAFactorMissingErr
	}

	id := uuid.NewString()
	b.challenges[id] = challenge{factorID: factorID, expires: b.nowTime().Add(challengeTimeout)}
	return id, nil
}

func (b *Backend) VerifyMFA(ctx context.Context, factorID, challengeID, code string) (*identity.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.challenges[challengeID]
	if !ok || ch.factorID != factorID || b.nowTime().After(ch.expires) {
		return nil, identity.InvalidMFACodeErr
	}

	rec, f := b.findFactorOwner(factorID)
	if f == nil {
		return nil, identity.MFAFactorMissingErr
	}

	ok, err := totp.Verify(f.Secret, code, b.nowTime())
	if err != nil {
		return nil, errors.Wrap(err, "[VerifyMFA] verify code")
	}
	if !ok {
		return nil, identity.InvalidMFACodeErr
	}

	delete(b.challenges, challengeID)
	f.Verified = true
	b.state.CurrentEmail = rec.Email
	if err := b.persist(); err != nil {
		return nil, errors.Wrap(err, "[VerifyMFA] persist")
	}
	return b.sessionFor(rec), nil
}

func (b *Backend) ListFactors(ctx context.Context) ([]identity.TotpFactor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.currentRecord()
	if err != nil {
		return nil, err
	}
	factors := make([]identity.TotpFactor, 0, len(rec.Factors))
	for _, f := range rec.Factors {
		factors = append(factors, identity.TotpFactor{ID: f.ID, FriendlyName: f.FriendlyName, Verified: f.Verified})
	}
	return factors, nil
}

func (b *Backend) EnrollTotp(ctx context.Context, friendlyName string) (*identity.TotpEnrollment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.currentRecord()
	if err != nil {
		return nil, err
	}

	secret, err := totp.NewSecret()
	if err != nil {
		return nil, errors.Wrap(err, "[EnrollTotp] generate secret")
	}

	f := factorRecord{ID: uuid.NewString(), FriendlyName: friendlyName, Secret: secret}
	rec.Factors = append(rec.Factors, f)
	if err := b.persist(); err != nil {
		return nil, errors.Wrap(err, "[EnrollTotp] persist")
	}
	return &identity.TotpEnrollment{
		FactorID: f.ID,
		Secret:   secret,
		URI:      totp.URI("WhatWeWatch", rec.Email, secret),
	}, nil
}

func (b *Backend) UnenrollFactor(ctx context.Context, factorID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.currentRecord()
	if err != nil {
		return err
	}
	for i, f := range rec.Factors {
		if f.ID == factorID {
			rec.Factors = append(rec.Factors[:i], rec.Factors[i+1:]...)
			return errors.Wrap(b.persist(), "[UnenrollFactor] persist")
		}
	}
	return identity.MFAFactorMissingErr
}

func (b *Backend) DeleteAccount(ctx context.Context) error {
	return identity.ProviderUnavailableErr
}

func (b *Backend) Subscribe(fn identity.SessionFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSession = fn
}

func (b *Backend) Close() error {
	return nil
}

// findFactor must be called with b.mu held.
func (b *Backend) findFactor(factorID string) *factorRecord {
	_, f := b.findFactorOwner(factorID)
	return f
}

// findFactorOwner must be called with b.mu held.
func (b *Backend) findFactorOwner(factorID string) (*userRecord, *factorRecord) {
	for _, rec := range b.state.Users {
		for i := range rec.Factors {
			if rec.Factors[i].ID == factorID {
				return rec, &rec.Factors[i]
			}
		}
	}
	return nil, nil
}

func verifiedFactor(rec *userRecord) *factorRecord {
	for i := range rec.Factors {
		if rec.Factors[i].Verified {
			return &rec.Factors[i]
		}
	}
	return nil
}
