package identity

import "context"

// Backend is the identity-provider contract consumed by the session layer.
// Implementations return classified errors from this package so callers can
// branch on sentinels rather than provider payloads.
type Backend interface {
	// GetSession restores a previously persisted session, returning nil
	// (and no error) when there is none.
	GetSession(ctx context.Context) (*Session, error)

	// SignInPassword authenticates with an email and password. When the
	// account has a verified MFA factor, implementations return an error
	// satisfying IsMFARequired and the factor id usable for a challenge.
	SignInPassword(ctx context.Context, email, password string) (*Session, string, error)

	// SignUpPassword registers a new account. Providers that require email
	// confirmation return a session whose identity is unconfirmed.
	SignUpPassword(ctx context.Context, email, password, redirectURL string) (*Session, error)

	// SignInOAuthURL builds the browser URL that starts an OAuth sign-in
	// with the given provider.
	SignInOAuthURL(provider OAuthProvider, redirectURL string) (string, error)

	SignOut(ctx context.Context) error

	// ResetPassword sends a password-recovery email.
	ResetPassword(ctx context.Context, email, redirectURL string) error

	// ResendConfirmationEmail re-sends the signup confirmation email.
	ResendConfirmationEmail(ctx context.Context, email, redirectURL string) error

	// ChangeEmail asks the provider to move the account to a new address.
	// The change takes effect once the new address is confirmed.
	ChangeEmail(ctx context.Context, newEmail string) error

	// CurrentIdentity fetches the authoritative identity for the active
	// session, bypassing any cached copy.
	CurrentIdentity(ctx context.Context) (*Identity, error)

	// ChallengeMFA opens a verification challenge against an enrolled
	// factor and returns the challenge id.
	ChallengeMFA(ctx context.Context, factorID string) (string, error)

	// VerifyMFA submits a code for an open challenge. On success the
	// provider upgrades the session and the new session is returned.
	VerifyMFA(ctx context.Context, factorID, challengeID, code string) (*Session, error)

	ListFactors(ctx context.Context) ([]TotpFactor, error)
	EnrollTotp(ctx context.Context, friendlyName string) (*TotpEnrollment, error)
	UnenrollFactor(ctx context.Context, factorID string) error

	// DeleteAccount permanently removes the authenticated account.
	DeleteAccount(ctx context.Context) error

	// Subscribe registers the single session-change listener. Backends that
	// refresh tokens out of band report the replacement session here.
	Subscribe(fn SessionFunc)

	// Close releases background resources such as refresh timers.
	Close() error
}
