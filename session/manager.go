package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/ybdn/WhatWeWatch/identity"
	"github.com/ybdn/WhatWeWatch/password"
	"github.com/ybdn/WhatWeWatch/profile"
)

const defaultPollInterval = 5 * time.Second

// Manager owns the session state. Mutating operations are safe for concurrent
// use; subscribers observe every transition in order.
type Manager struct {
	backend      identity.Backend
	profiles     profile.Store
	log          zerolog.Logger
	redirectURL  string
	nowTime      func() time.Time
	pollInterval time.Duration

	mu           sync.Mutex
	user         *User
	profile      *profile.Profile
	mfaPending   *MFAPending
	loading      bool
	bootstrapped bool
	subscriber   func(Snapshot)
	subscriberID uint64
	pollCancel   context.CancelFunc
}

// ManagerOption defines a function type to modify the Manager instance.
type ManagerOption func(*Manager)

// WithLogger sets the logger for non-fatal events.
func WithLogger(log zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = log
	}
}

// WithRedirectURL sets the deep link used in confirmation and recovery
// emails.
func WithRedirectURL(redirectURL string) ManagerOption {
	return func(m *Manager) {
		m.redirectURL = redirectURL
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowTime = nowFunc
	}
}

// WithPollInterval sets the email-confirmation poll interval.
func WithPollInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		m.pollInterval = interval
	}
}

// New initializes a new Manager with required dependencies.
func New(backend identity.Backend, profiles profile.Store, options ...ManagerOption) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("[New] backend is required")
	}
	if profiles == nil {
		return nil, errors.New("[New] profiles store is required")
	}

	manager := &Manager{
		backend:      backend,
		profiles:     profiles,
		log:          zerolog.Nop(),
		nowTime:      time.Now,
		pollInterval: defaultPollInterval,
		loading:      true,
	}
	for _, opt := range options {
		opt(manager)
	}
	return manager, nil
}

// Bootstrap restores a persisted session and hooks up backend notifications.
// It runs once; Loading flips to false when it returns, whatever happened.
func (m *Manager) Bootstrap(ctx context.Context) error {
	m.mu.Lock()
	if m.bootstrapped {
		m.mu.Unlock()
		return nil
	}
	m.bootstrapped = true
	m.mu.Unlock()

	defer m.update(func() { m.loading = false })

	m.backend.Subscribe(m.handleSessionChange)

	session, err := m.backend.GetSession(ctx)
	if err != nil {
		return errors.Wrap(identity.Classify(err), "[Bootstrap] restore session")
	}
	if session != nil {
		m.applySession(ctx, session)
	}
	return nil
}

// SignIn authenticates with email and password. When the account requires an
// MFA challenge no error is returned: the state moves to MFA-pending and the
// caller routes to the challenge screen.
func (m *Manager) SignIn(ctx context.Context, email, password string) error {
	email = normalizeEmail(email)

	session, factorID, err := m.backend.SignInPassword(ctx, email, password)
	if err != nil {
		if identity.IsMFARequired(err) {
			return m.beginMFA(ctx, factorID, email)
		}
		return identity.Classify(err)
	}

	m.applySession(ctx, session)
	return nil
}

// SignUp registers a new account. Weak passwords are rejected before any
// network call.
func (m *Manager) SignUp(ctx context.Context, email, pw string) error {
	if password.Score(pw) < password.MinSignupScore {
		return identity.WeakPasswordErr
	}
	email = normalizeEmail(email)

	session, err := m.backend.SignUpPassword(ctx, email, pw, m.redirectURL)
	if err != nil {
		return identity.Classify(err)
	}

	m.applySession(ctx, session)
	return nil
}

// SignInWithOAuth returns the URL that starts a hosted OAuth sign-in. The
// resulting session arrives through the backend subscription once the
// provider calls back.
func (m *Manager) SignInWithOAuth(provider identity.OAuthProvider) (string, error) {
	url, err := m.backend.SignInOAuthURL(provider, m.redirectURL)
	if err != nil {
		return "", identity.Classify(err)
	}
	return url, nil
}

// SignOut clears the session. Local state is cleared even when the provider
// call fails; the error comes back as a non-fatal warning so a broken remote
// session can never trap the user in a signed-in UI.
func (m *Manager) SignOut(ctx context.Context) error {
	err := m.backend.SignOut(ctx)

	m.update(func() {
		m.stopPollingLocked()
		m.user = nil
		m.profile = nil
		m.mfaPending = nil
	})

	if err != nil {
		m.log.Warn().Err(err).Msg("provider sign-out failed, local state cleared anyway")
		return identity.Classify(err)
	}
	return nil
}

// ResetPassword sends a password-recovery email.
func (m *Manager) ResetPassword(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return identity.EmailRequiredErr
	}
	return identity.Classify(m.backend.ResetPassword(ctx, email, m.redirectURL))
}

// ResendConfirmationEmail re-sends the signup confirmation email. With an
// empty email the current user's address is used.
func (m *Manager) ResendConfirmationEmail(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		m.mu.Lock()
		if m.user != nil {
			email = m.user.Email
		}
		m.mu.Unlock()
	}
	if email == "" {
		return identity.EmailRequiredErr
	}
	return identity.Classify(m.backend.ResendConfirmationEmail(ctx, email, m.redirectURL))
}

// ChangeEmail moves the account to a new address. The user drops back to
// unconfirmed until the new address is verified; RefreshEmailConfirmation
// picks the authoritative flag up from the provider.
func (m *Manager) ChangeEmail(ctx context.Context, newEmail string) error {
	newEmail = normalizeEmail(newEmail)
	if newEmail == "" {
		return identity.EmailRequiredErr
	}
	if err := m.backend.ChangeEmail(ctx, newEmail); err != nil {
		return identity.Classify(err)
	}
	return m.RefreshEmailConfirmation(ctx)
}

// RefreshEmailConfirmation re-reads the confirmation flag from the provider.
// This is the one path allowed to set EmailConfirmed from true back to false,
// since the response is live rather than a possibly stale notification.
func (m *Manager) RefreshEmailConfirmation(ctx context.Context) error {
	id, err := m.backend.CurrentIdentity(ctx)
	if err != nil {
		return identity.Classify(err)
	}

	m.update(func() {
		if m.user != nil && m.user.ID == id.ID {
			m.user.Email = id.Email
			m.user.EmailConfirmed = id.EmailConfirmed()
		}
	})
	return nil
}

// RefreshProfile re-fetches the current user's profile. No-op when signed
// out.
func (m *Manager) RefreshProfile(ctx context.Context) error {
	m.mu.Lock()
	user := m.user
	m.mu.Unlock()
	if user == nil {
		return nil
	}

	p, err := m.profiles.Fetch(ctx, user.ID)
	if err != nil {
		return errors.Wrap(err, "[RefreshProfile] fetch profile")
	}
	m.update(func() {
		if m.user != nil && m.user.ID == user.ID {
			m.profile = p
		}
	})
	return nil
}

// DeleteAccount permanently deletes the account at the provider and clears
// local state.
func (m *Manager) DeleteAccount(ctx context.Context) error {
	if err := m.backend.DeleteAccount(ctx); err != nil {
		return identity.Classify(err)
	}

	m.update(func() {
		m.stopPollingLocked()
		m.user = nil
		m.profile = nil
		m.mfaPending = nil
	})
	return nil
}

// Subscribe registers fn to observe every state transition, starting with the
// current snapshot. Only one subscription is active at a time; a later
// Subscribe replaces the previous one. The returned function unsubscribes.
func (m *Manager) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	m.subscriberID++
	id := m.subscriberID
	m.subscriber = fn
	snap := m.snapshotLocked()
	m.mu.Unlock()

	fn(snap)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		// A later Subscribe has already replaced this one.
		if m.subscriberID == id {
			m.subscriber = nil
		}
	}
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// RequiredScreen derives the forced redirection for the current state.
func (m *Manager) RequiredScreen() Screen {
	return RequiredScreen(m.Snapshot())
}

// Close stops background work and releases the backend.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.stopPollingLocked()
	m.mu.Unlock()
	return m.backend.Close()
}

// snapshotLocked must be called with m.mu held.
func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{Loading: m.loading}
	if m.user != nil {
		user := *m.user
		snap.User = &user
	}
	if m.mfaPending != nil {
		pending := *m.mfaPending
		snap.MFAPending = &pending
	}
	if m.profile != nil {
		p := *m.profile
		snap.Profile = &p
	}
	return snap
}

// update applies a state mutation under the lock, then delivers the resulting
// snapshot to the subscriber outside it.
func (m *Manager) update(fn func()) {
	m.mu.Lock()
	fn()
	snap := m.snapshotLocked()
	sub := m.subscriber
	m.mu.Unlock()

	if sub != nil {
		sub(snap)
	}
}

/// applySession installs an authenticated session: the user is set, any MFA
// hold is released and the profile is ensured. A profile store failure is
// logged rather than failing the sign-in.
func (m *Manager) applySession(ctx context.Context, session *identity.Session) {
	user := userFrom(session.Identity)

	p, err := profile.Ensure(ctx, m.profiles, user.ID)
	if err != nil {
		m.log.Warn().Err(err).Str("user_id", user.ID).Msg("profile load failed")
	}

	m.update(func() {
		m.mfaPending = nil
		if m.user == nil || m.user.ID != user.ID {
			m.profile = nil
		}
		m.user = &user
		if p != nil {
			m.profile = p
		}
	})
}

// handleSessionChange receives backend notifications (token refreshes,
// out-of-band revocations). Notifications may be stale, so a confirmed flag
// is never downgraded here.
func (m *Manager) handleSessionChange(session *identity.Session) {
	if session == nil {
		m.update(func() {
			m.stopPollingLocked()
			m.user = nil
			m.profile = nil
			m.mfaPending = nil
		})
		return
	}

	user := userFrom(session.Identity)
	m.mu.Lock()
	// A session reported while a challenge is open is at best
	// half-authenticated; the user only surfaces once the challenge passes.
	if m.mfaPending != nil {
		m.mu.Unlock()
		return
	}
	if m.user != nil && m.user.ID == user.ID && m.user.EmailConfirmed {
		user.EmailConfirmed = true
	}
	if m.user == nil || m.user.ID != user.ID {
		m.profile = nil
	}
	m.user = &user
	snap := m.snapshotLocked()
	sub := m.subscriber
	m.mu.Unlock()

	if sub != nil {
		sub(snap)
	}
}

func userFrom(id identity.Identity) User {
	return User{
		ID:             id.ID,
		Email:          id.Email,
		EmailConfirmed: id.EmailConfirmed(),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
