// Package backendfakes provides an in-memory identity.Backend for tests.
package backendfakes

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ybdn/WhatWeWatch/identity"
	"github.com/ybdn/WhatWeWatch/internal/totp"
)

var _ identity.Backend = (*FakeBackend)(nil)

type fakeUser struct {
	id               string
	email            string
	password         string
	emailConfirmedAt *time.Time
	factors          []fakeFactor
}

type fakeFactor struct {
	id           string
	friendlyName string
	secret       string
	verified     bool
}

// FakeBackend keeps accounts in memory and records the calls the session
// layer makes. Per-method error fields force failures.
type FakeBackend struct {
	lock       sync.RWMutex
	users      map[string]*fakeUser // keyed by normalized email
	session    *identity.Session
	challenges map[string]string // challenge id to factor id
	onSession  identity.SessionFunc
	nowTime    func() time.Time

	SignInCalls  []string // normalized emails as received
	SignOutCalls int

	GetSessionErr  error
	SignInErr      error
	SignUpErr      error
	SignOutErr     error
	ResetErr       error
	ResendErr      error
	ChangeEmailErr error
	IdentityErr    error
	ChallengeErr   error
	VerifyErr      error
	FactorsErr     error
	EnrollErr      error
	UnenrollErr    error
	DeleteErr      error
	OAuthErr       error
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		users:      make(map[string]*fakeUser),
		challenges: make(map[string]string),
		nowTime:    time.Now,
	}
}

// AddUser registers an account. Confirmed accounts get a confirmation
// timestamp, mirroring the provider contract.
func (fb *FakeBackend) AddUser(email, password string, confirmed bool) string {
	fb.lock.Lock()
	defer fb.lock.Unlock()

	user := &fakeUser{
		id:       uuid.NewString(),
		email:    email,
		password: password,
	}
	if confirmed {
		now := fb.nowTime()
		user.emailConfirmedAt = &now
	}
	fb.users[email] = user
	return user.id
}

// AddVerifiedFactor enrolls and verifies a TOTP factor for an existing user,
// returning the factor id and shared secret.
func (fb *FakeBackend) AddVerifiedFactor(email string) (string, string) {
	fb.lock.Lock()
	defer fb.lock.Unlock()

	user, ok := fb.users[email]
	if !ok {
		return "", ""
	}
	secret, err := totp.NewSecret()
	if err != nil {
		return "", ""
	}
	f := fakeFactor{id: uuid.NewString(), secret: secret, verified: true}
	user.factors = append(user.factors, f)
	return f.id, secret
}

// ConfirmEmail stamps the account as confirmed, as a clicked email link
// would.
func (fb *FakeBackend) ConfirmEmail(email string) {
	fb.lock.Lock()
	defer fb.lock.Unlock()

	if user, ok := fb.users[email]; ok && user.emailConfirmedAt == nil {
		now := fb.nowTime()
		user.emailConfirmedAt = &now
		if fb.session != nil && fb.session.Identity.ID == user.id {
			fb.session.Identity.EmailConfirmedAt = &now
		}
	}
}

// SetIdentityErr swaps the CurrentIdentity failure while other goroutines may
// be calling; direct field writes are only safe before they start.
func (fb *FakeBackend) SetIdentityErr(err error) {
	fb.lock.Lock()
	defer fb.lock.Unlock()
	fb.IdentityErr = err
}

// PushSession replaces the held session and notifies the subscriber, as an
// out-of-band refresh or revocation would.
func (fb *FakeBackend) PushSession(session *identity.Session) {
	fb.lock.Lock()
	fb.session = session
	fn := fb.onSession
	fb.lock.Unlock()

	if fn != nil {
		fn(session)
	}
}

// CurrentSession returns the session as the backend holds it.
func (fb *FakeBackend) CurrentSession() *identity.Session {
	fb.lock.RLock()
	defer fb.lock.RUnlock()
	return fb.session
}

func (fb *FakeBackend) sessionFor(user *fakeUser) *identity.Session {
	return &identity.Session{
		Identity: identity.Identity{
			ID:               user.id,
			Email:            user.email,
			EmailConfirmedAt: user.emailConfirmedAt,
		},
		AccessToken: "fake-token-" + user.id,
	}
}

func (fb *FakeBackend) GetSession(ctx context.Context) (*identity.Session, error) {
	fb.lock.RLock()
	defer fb.lock.RUnlock()

	if fb.GetSessionErr != nil {
		return nil, fb.GetSessionErr
	}
	return fb.session, nil
}

func (fb *FakeBackend) SignInPassword(ctx context.Context, email, password string) (*identity.Session, string, error) {
	fb.lock.Lock()
	defer fb.lock.Unlock()

	fb.SignInCalls = append(fb.SignInCalls, email)
	if fb.SignInErr != nil {
		return nil, "", fb.SignInErr
	}

	user, ok := fb.users[email]
	if !ok || user.password != password {
		return nil, "", identity.InvalidCredentialsErr
	}
	for _, f := range user.factors {
		if f.verified {
			return nil, f.id, &identity.ProviderError{Code: "mfa_required", Message: "MFA verification required"}
		}
	}

	session := fb.sessionFor(user)
	fb.session = session
	return session, "", nil
}

func (fb *FakeBackend) SignUpPassword(ctx context.Context, email, password, redirectURL string) (*identity.Session, error) {
	fb.lock.Lock()
	defer fb.lock.Unlock()

	if fb.SignUpErr != nil {
		return nil, fb.SignUpErr
	}
	if _, ok := fb.users[email]; ok {
		return nil, identity.AlreadyRegisteredErr
	}

	user := &fakeUser{id: uuid.NewString(), email: email, password: password}
	fb.users[email] = user

	session := fb.sessionFor(user)
	fb.session = session
	return session, nil
}

func (fb *FakeBackend) SignInOAuthURL(provider identity.OAuthProvider, redirectURL string) (string, error) {
	if fb.OAuthErr != nil {
		return "", fb.OAuthErr
	}
	return "https://fake.auth/authorize?provider=" + string(provider), nil
}

func (fb *FakeBackend) SignOut(ctx context.Context) error {
	fb.lock.Lock()
	defer fb.lock.Unlock()

	fb.SignOutCalls++
	fb.session = nil
	return fb.SignOutErr
}

func (fb *FakeBackend) ResetPassword(ctx context.Context, email, redirectURL string) error {
	return fb.ResetErr
}

func (fb *FakeBackend) ResendConfirmationEmail(ctx context.Context, email, redirectURL string) error {
	return fb.ResendErr
}

func (fb *FakeBackend) ChangeEmail(ctx context.Context, newEmail string) error {
	fb.lock.Lock()
	defer fb.lock.Unlock()

	if fb.ChangeEmailErr != nil {
		return fb.ChangeEmailErr
	}
	user, err := fb.currentUser()
	if err != nil {
		return err
	}

	delete(fb.users, user.email)
	user.email = newEmail
	user.emailConfirmedAt = nil
	fb.users[newEmail] = user
	fb.session.Identity.Email = newEmail
	fb.session.Identity.EmailConfirmedAt = nil
	return nil
}

func (fb *FakeBackend) CurrentIdentity(ctx context.Context) (*identity.Identity, error) {
	fb.lock.RLock()
	defer fb.lock.RUnlock()

	if fb.IdentityErr != nil {
		return nil, fb.IdentityErr
	}
	user, err := fb.currentUser()
	if err != nil {
		return nil, err
	}
	id := identity.Identity{ID: user.id, Email: user.email, EmailConfirmedAt: user.emailConfirmedAt}
	return &id, nil
}

// currentUser must be called with fb.lock held.
func (fb *FakeBackend) currentUser() (*fakeUser, error) {
	if fb.session == nil {
		return nil, identity.NotAuthenticatedErr
	}
	for _, user := range fb.users {
		if user.id == fb.session.Identity.ID {
			return user, nil
		}
	}
	return nil, identity.NotAuthenticatedErr
}

func (fb *FakeBackend) ChallengeMFA(ctx context.Context, factorID string) (string, error) {
	fb.lock.Lock()
	defer fb.lock.Unlock()

	if fb.ChallengeErr != nil {
		return "", fb.ChallengeErr
	}
	if fb.findFactor(factorID) == nil {
		return "", identity.MFAFactorMissingErr
	}
	id := uuid.NewString()
	fb.challenges[id] = factorID
	return id, nil
}

func (fb *FakeBackend) VerifyMFA(ctx context.Context, factorID, challengeID, code string) (*identity.Session, error) {
	fb.lock.Lock()
	defer fb.lock.Unlock()

	if fb.VerifyErr != nil {
		return nil, fb.VerifyErr
	}
	if fb.challenges[challengeID] != factorID {
		return nil, identity.InvalidMFACodeErr
	}

	user, f := fb.findFactorOwner(factorID)
	if f == nil {
		return nil, identity.MFAFactorMissingErr
	}
	ok, err := totp.Verify(f.secret, code, fb.nowTime())
	if err != nil || !ok {
		return nil, identity.InvalidMFACodeErr
	}

	delete(fb.challenges, challengeID)
	f.verified = true
	session := fb.sessionFor(user)
	fb.session = session
	return session, nil
}

func (fb *FakeBackend) ListFactors(ctx context.Context) ([]identity.TotpFactor, error) {
	fb.lock.RLock()
	defer fb.lock.RUnlock()

	if fb.FactorsErr != nil {
		return nil, fb.FactorsErr
	}
	user, err := fb.currentUser()
	if err != nil {
		// Providers answer the factor listing with an empty set for a
		// half-authenticated session.
		return []identity.TotpFactor{}, nil
	}
	factors := make([]identity.TotpFactor, 0, len(user.factors))
	for _, f := range user.factors {
		factors = append(factors, identity.TotpFactor{ID: f.id, FriendlyName: f.friendlyName, Verified: f.verified})
	}
	return factors, nil
}

func (fb *FakeBackend) EnrollTotp(ctx context.Context, friendlyName string) (*identity.TotpEnrollment, error) {
	fb.lock.Lock()
	defer fb.lock.Unlock()

	if fb.EnrollErr != nil {
		return nil, fb.EnrollErr
	}
	user, err := fb.currentUser()
	if err != nil {
		return nil, err
	}
	secret, err := totp.NewSecret()
	if err != nil {
		return nil, err
	}
	f := fakeFactor{id: uuid.NewString(), friendlyName: friendlyName, secret: secret}
	user.factors = append(user.factors, f)
	return &identity.TotpEnrollment{
		FactorID: f.id,
		Secret:   secret,
		URI:      totp.URI("fake", user.email, secret),
	}, nil
}

func (fb *FakeBackend) UnenrollFactor(ctx context.Context, factorID string) error {
	fb.lock.Lock()
	defer fb.lock.Unlock()

	if fb.UnenrollErr != nil {
		return fb.UnenrollErr
	}
	user, err := fb.currentUser()
	if err != nil {
		return err
	}
	for i, f := range user.factors {
		if f.id == factorID {
			user.factors = append(user.factors[:i], user.factors[i+1:]...)
			return nil
		}
	}
	return identity.MFAFactorMissingErr
}

func (fb *FakeBackend) DeleteAccount(ctx context.Context) error {
	fb.lock.Lock()
	defer fb.lock.Unlock()

	if fb.DeleteErr != nil {
		return fb.DeleteErr
	}
	user, err := fb.currentUser()
	if err != nil {
		return err
	}
	delete(fb.users, user.email)
	fb.session = nil
	return nil
}

func (fb *FakeBackend) Subscribe(fn identity.SessionFunc) {
	fb.lock.Lock()
	defer fb.lock.Unlock()
	fb.onSession = fn
}

func (fb *FakeBackend) Close() error {
	return nil
}

// findFactor must be called with fb.lock held.
func (fb *FakeBackend) findFactor(factorID string) *fakeFactor {
	_, f := fb.findFactorOwner(factorID)
	return f
}

// findFactorOwner must be called with fb.lock held.
func (fb *FakeBackend) findFactorOwner(factorID string) (*fakeUser, *fakeFactor) {
	for _, user := range fb.users {
		for i := range user.factors {
			if user.factors[i].id == factorID {
				return user, &user.factors[i]
			}
		}
	}
	return nil, nil
}
