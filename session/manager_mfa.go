package session

import (
	"context"

	"github.com/pkg/errors"
	"github.com/ybdn/WhatWeWatch/identity"
)

// NoMFAPendingErr is returned when a challenge is answered without a sign-in
// attempt waiting on one.
var NoMFAPendingErr = errors.New("no mfa challenge pending")

// beginMFA parks the sign-in attempt on an MFA challenge. When the backend
// did not name a factor the enrolled ones are listed; a signaled MFA without
// any factor is inconsistent provider state and fails hard.
func (m *Manager) beginMFA(ctx context.Context, factorID, email string) error {
	if factorID == "" {
		factors, err := m.backend.ListFactors(ctx)
		if err != nil {
			return identity.Classify(err)
		}
		for _, f := range factors {
			if f.Verified {
				factorID = f.ID
				break
			}
		}
		if factorID == "" {
			return identity.MFAFactorMissingErr
		}
	}

	m.update(func() {
		m.user = nil
		m.profile = nil
		m.mfaPending = &MFAPending{FactorID: factorID, Email: email}
	})
	return nil
}

// CompleteMFAChallenge answers the pending challenge with a code from the
// authenticator app. On failure the pending state is kept so the user can
// retry with a fresh code.
func (m *Manager) CompleteMFAChallenge(ctx context.Context, code string) error {
	m.mu.Lock()
	pending := m.mfaPending
	m.mu.Unlock()
	if pending == nil {
		return NoMFAPendingErr
	}

	challengeID, err := m.backend.ChallengeMFA(ctx, pending.FactorID)
	if err != nil {
		return identity.Classify(err)
	}

	session, err := m.backend.VerifyMFA(ctx, pending.FactorID, challengeID, code)
	if err != nil {
		return verifyError(err)
	}

	m.applySession(ctx, session)
	return nil
}

// ListFactors returns the enrolled TOTP factors.
func (m *Manager) ListFactors(ctx context.Context) ([]identity.TotpFactor, error) {
	factors, err := m.backend.ListFactors(ctx)
	if err != nil {
		return nil, identity.Classify(err)
	}
	return factors, nil
}

// EnrollTotp creates a new TOTP factor. The returned enrollment carries the
// secret and otpauth URI to show the user; the factor stays unverified until
// ConfirmTotpEnrollment succeeds.
func (m *Manager) EnrollTotp(ctx context.Context, friendlyName string) (*identity.TotpEnrollment, error) {
	enrollment, err := m.backend.EnrollTotp(ctx, friendlyName)
	if err != nil {
		return nil, identity.Classify(err)
	}
	return enrollment, nil
}

// ConfirmTotpEnrollment verifies a freshly enrolled factor with its first
// code, activating it.
func (m *Manager) ConfirmTotpEnrollment(ctx context.Context, factorID, code string) error {
	challengeID, err := m.backend.ChallengeMFA(ctx, factorID)
	if err != nil {
		return identity.Classify(err)
	}
	if _, err := m.backend.VerifyMFA(ctx, factorID, challengeID, code); err != nil {
		return verifyError(err)
	}
	return nil
}

// UnenrollFactor removes an enrolled factor.
func (m *Manager) UnenrollFactor(ctx context.Context, factorID string) error {
	return identity.Classify(m.backend.UnenrollFactor(ctx, factorID))
}

// verifyError collapses provider verify failures into InvalidMFACodeErr,
// except rate limiting which the user must be told about as such.
func verifyError(err error) error {
	err = identity.Classify(err)
	switch {
	case errors.Is(err, identity.RateLimitedErr), errors.Is(err, identity.MFAFactorMissingErr):
		return err
	default:
		return identity.InvalidMFACodeErr
	}
}
