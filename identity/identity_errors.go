package identity

import (
	"errors"
	"fmt"
	"strings"
)

var (
	InvalidCredentialsErr  = errors.New("invalid credentials")
	EmailNotConfirmedErr   = errors.New("email not confirmed")
	RateLimitedErr         = errors.New("rate limited")
	AlreadyRegisteredErr   = errors.New("email already registered")
	WeakPasswordErr        = errors.New("password too weak")
	InvalidPasswordErr     = errors.New("invalid password")
	InvalidMFACodeErr      = errors.New("invalid mfa code")
	MFAFactorMissingErr    = errors.New("mfa factor missing")
	ProviderUnavailableErr = errors.New("identity provider unavailable")
	EmailRequiredErr       = errors.New("email required")
	NotAuthenticatedErr    = errors.New("not authenticated")
)

// ProviderError carries the raw error payload returned by the identity
// provider. Classify turns it into one of the package sentinels where the
// payload matches a known condition.
type ProviderError struct {
	Code    string
	Message string
	Status  int
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("provider error %d: %s", e.Status, e.Message)
}

// Classify maps a provider error onto the package sentinels. Matching is
// ordered: credential failures win over confirmation failures, which win over
// rate limiting, registration conflicts and password policy rejections.
// Errors that match nothing are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return err
	}

	msg := strings.ToLower(pe.Message)
	switch {
	case strings.Contains(msg, "invalid login credentials"):
		return InvalidCredentialsErr
	case strings.Contains(msg, "email not confirmed"):
		return EmailNotConfirmedErr
	case pe.Status == 429 || strings.Contains(msg, "rate limit"):
		return RateLimitedErr
	case strings.Contains(msg, "already registered"), strings.Contains(msg, "user already exists"):
		return AlreadyRegisteredErr
	case strings.Contains(msg, "password"):
		return InvalidPasswordErr
	}
	return err
}

// IsMFARequired reports whether a sign-in failure means the account needs an
// MFA verification step rather than different credentials.
func IsMFARequired(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	if pe.Code == "mfa_required" {
		return true
	}
	msg := strings.ToLower(pe.Message)
	return strings.Contains(msg, "mfa") || strings.Contains(msg, "multi-factor")
}

// UserMessage translates a classified error into the French message shown to
// the user. Unclassified errors pass their original message through.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, InvalidCredentialsErr):
		return "Identifiants invalides"
	case errors.Is(err, EmailNotConfirmedErr):
		return "Email non confirmé"
	case errors.Is(err, RateLimitedErr):
		return "Trop de tentatives, réessaie plus tard"
	case errors.Is(err, AlreadyRegisteredErr):
		return "Email déjà enregistré"
	case errors.Is(err, WeakPasswordErr), errors.Is(err, InvalidPasswordErr):
		return "Mot de passe invalide"
	case errors.Is(err, InvalidMFACodeErr):
		return "Code invalide"
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}
