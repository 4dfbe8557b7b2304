package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ybdn/WhatWeWatch/identity"
	"github.com/ybdn/WhatWeWatch/internal/totp"
	"github.com/ybdn/WhatWeWatch/session"
)

func TestSignIn_MFARequiredSetsPendingWithoutError(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.AddUser(testEmail, testPassword, true)
	factorID, _ := f.backend.AddVerifiedFactor(testEmail)

	err := f.manager.SignIn(context.Background(), testEmail, testPassword)
	require.NoError(t, err, "a found factor is a state transition, not a failure")

	snap := f.manager.Snapshot()
	require.Nil(t, snap.User, "pending MFA short-circuits the user")
	require.NotNil(t, snap.MFAPending)
	require.Equal(t, factorID, snap.MFAPending.FactorID)
	require.Equal(t, testEmail, snap.MFAPending.Email)
	require.Equal(t, session.ScreenMFAChallenge, f.manager.RequiredScreen())
}

func TestSignIn_MFASignaledWithoutFactor(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.AddUser(testEmail, testPassword, true)
	f.backend.SignInErr = &identity.ProviderError{Code: "mfa_required", Message: "MFA verification required"}

	err := f.manager.SignIn(context.Background(), testEmail, testPassword)
	require.ErrorIs(t, err, identity.MFAFactorMissingErr)
	require.Nil(t, f.manager.Snapshot().MFAPending)
}

func TestCompleteMFAChallenge(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.AddUser(testEmail, testPassword, true)
	_, secret := f.backend.AddVerifiedFactor(testEmail)
	ctx := context.Background()

	require.NoError(t, f.manager.SignIn(ctx, testEmail, testPassword))

	code, err := totp.Code(secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.manager.CompleteMFAChallenge(ctx, code))

	snap := f.manager.Snapshot()
	require.Nil(t, snap.MFAPending)
	require.NotNil(t, snap.User)
	require.Equal(t, testEmail, snap.User.Email)
	require.NotNil(t, snap.Profile)
}

func TestCompleteMFAChallenge_WrongCodeIsRetryable(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.AddUser(testEmail, testPassword, true)
	_, secret := f.backend.AddVerifiedFactor(testEmail)
	ctx := context.Background()

	require.NoError(t, f.manager.SignIn(ctx, testEmail, testPassword))

	err := f.manager.CompleteMFAChallenge(ctx, "000000")
	require.ErrorIs(t, err, identity.InvalidMFACodeErr)
	require.NotNil(t, f.manager.Snapshot().MFAPending, "pending state survives a wrong code")

	code, err := totp.Code(secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.manager.CompleteMFAChallenge(ctx, code))
	require.NotNil(t, f.manager.Snapshot().User)
}

func TestCompleteMFAChallenge_RateLimitSurfacesAsSuch(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.AddUser(testEmail, testPassword, true)
	f.backend.AddVerifiedFactor(testEmail)
	ctx := context.Background()

	require.NoError(t, f.manager.SignIn(ctx, testEmail, testPassword))

	f.backend.VerifyErr = &identity.ProviderError{Status: 429, Message: "rate limit exceeded"}
	err := f.manager.CompleteMFAChallenge(ctx, "123456")
	require.ErrorIs(t, err, identity.RateLimitedErr)
	require.NotNil(t, f.manager.Snapshot().MFAPending)
}

func TestCompleteMFAChallenge_WithoutPending(t *testing.T) {
	f := setupTestFixture(t)

	err := f.manager.CompleteMFAChallenge(context.Background(), "123456")
	require.ErrorIs(t, err, session.NoMFAPendingErr)
}

func TestTotpEnrollmentLifecycle(t *testing.T) {
	f := setupTestFixture(t)
	f.signedInUser(t)
	ctx := context.Background()

	enrollment, err := f.manager.EnrollTotp(ctx, "phone")
	require.NoError(t, err)
	require.Contains(t, enrollment.URI, "otpauth://totp/")

	factors, err := f.manager.ListFactors(ctx)
	require.NoError(t, err)
	require.Len(t, factors, 1)
	require.False(t, factors[0].Verified)

	code, err := totp.Code(enrollment.Secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.manager.ConfirmTotpEnrollment(ctx, enrollment.FactorID, code))

	factors, err = f.manager.ListFactors(ctx)
	require.NoError(t, err)
	require.True(t, factors[0].Verified)

	require.NoError(t, f.manager.UnenrollFactor(ctx, enrollment.FactorID))
	factors, err = f.manager.ListFactors(ctx)
	require.NoError(t, err)
	require.Empty(t, factors)
}

func TestConfirmTotpEnrollment_WrongCode(t *testing.T) {
	f := setupTestFixture(t)
	f.signedInUser(t)
	ctx := context.Background()

	enrollment, err := f.manager.EnrollTotp(ctx, "")
	require.NoError(t, err)

	err = f.manager.ConfirmTotpEnrollment(ctx, enrollment.FactorID, "000000")
	require.ErrorIs(t, err, identity.InvalidMFACodeErr)
}
