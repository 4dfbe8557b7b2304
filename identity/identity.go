// Package identity defines the contract between the session layer and the
// identity provider that issues and validates user sessions, passwords, OAuth
// sign-ins and MFA factors. Two backends implement it: a remote GoTrue-style
// REST client and a degraded local fallback used when no provider is
// configured.
package identity

import "time"

// Identity is the provider's view of an authenticated user.
type Identity struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at,omitempty"`
}

// EmailConfirmed reports whether the provider has recorded an email
// confirmation. Presence of the timestamp is the contract, not its value.
func (i Identity) EmailConfirmed() bool {
	return i.EmailConfirmedAt != nil
}

// Session is an issued provider session: the identity it authenticates plus
// the token material backing subsequent calls.
type Session struct {
	Identity     Identity
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TotpFactor is an enrolled time-based one-time-password second factor.
type TotpFactor struct {
	ID           string `json:"id"`
	FriendlyName string `json:"friendly_name,omitempty"`
	Verified     bool   `json:"verified"`
}

// TotpEnrollment is the provisioning material returned when a new TOTP factor
// is created: the factor id, the shared secret and an otpauth:// URI suitable
// for a QR code.
type TotpEnrollment struct {
	FactorID string
	Secret   string
	URI      string
}

// OAuthProvider identifies a supported external OAuth sign-in provider.
type OAuthProvider string

const (
	OAuthGoogle OAuthProvider = "google"
	OAuthApple  OAuthProvider = "apple"
)

// SessionFunc receives session-change notifications. A nil session means the
// session was lost (expiry, external sign-out).
type SessionFunc func(*Session)
