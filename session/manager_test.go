package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ybdn/WhatWeWatch/identity"
	"github.com/ybdn/WhatWeWatch/identity/backendfakes"
	"github.com/ybdn/WhatWeWatch/internal/utils"
	"github.com/ybdn/WhatWeWatch/profile"
	"github.com/ybdn/WhatWeWatch/profile/repofakes"
	"github.com/ybdn/WhatWeWatch/session"
)

const (
	testEmail    = "jean.dupont@example.com"
	testPassword = "Password1!"
)

// testFixture holds all test dependencies
type testFixture struct {
	backend  *backendfakes.FakeBackend
	profiles *repofakes.FakeStore
	manager  *session.Manager
}

// setupTestFixture creates a new test fixture with all dependencies
func setupTestFixture(t *testing.T, options ...session.ManagerOption) *testFixture {
	t.Helper()

	backend := backendfakes.NewFakeBackend()
	profiles := repofakes.NewFakeStore()

	manager, err := session.New(backend, profiles, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return &testFixture{backend: backend, profiles: profiles, manager: manager}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func (f *testFixture) signedInUser(t *testing.T) string {
	t.Helper()
	userID := f.backend.AddUser(testEmail, testPassword, true)
	require.NoError(t, f.manager.SignIn(context.Background(), testEmail, testPassword))
	return userID
}

func TestNew_Validation(t *testing.T) {
	_, err := session.New(nil, repofakes.NewFakeStore())
	require.Error(t, err)
	_, err = session.New(backendfakes.NewFakeBackend(), nil)
	require.Error(t, err)
}

func TestBootstrap_NoSession(t *testing.T) {
	f := setupTestFixture(t)

	require.True(t, f.manager.Snapshot().Loading)
	require.NoError(t, f.manager.Bootstrap(context.Background()))

	snap := f.manager.Snapshot()
	require.False(t, snap.Loading)
	require.Nil(t, snap.User)
}

func TestBootstrap_RestoresSession(t *testing.T) {
	f := setupTestFixture(t)
	userID := f.backend.AddUser(testEmail, testPassword, true)
	f.backend.PushSession(&identity.Session{
		Identity: identity.Identity{ID: userID, Email: testEmail, EmailConfirmedAt: utils.Ptr(nowUTC())},
	})

	require.NoError(t, f.manager.Bootstrap(context.Background()))

	snap := f.manager.Snapshot()
	require.False(t, snap.Loading)
	require.NotNil(t, snap.User)
	require.Equal(t, userID, snap.User.ID)
	require.True(t, snap.User.EmailConfirmed)
	require.NotNil(t, snap.Profile, "profile is ensured on restore")
}

func TestBootstrap_LoadingClearsEvenOnError(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.GetSessionErr = identity.ProviderUnavailableErr

	require.Error(t, f.manager.Bootstrap(context.Background()))
	require.False(t, f.manager.Snapshot().Loading)
}

func TestBootstrap_RunsOnce(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.manager.Bootstrap(context.Background()))
	f.backend.GetSessionErr = identity.ProviderUnavailableErr
	require.NoError(t, f.manager.Bootstrap(context.Background()))
}

func TestSignIn_NormalizesEmail(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.AddUser(testEmail, testPassword, true)

	err := f.manager.SignIn(context.Background(), "  Jean.Dupont@Example.COM  ", testPassword)
	require.NoError(t, err)
	require.Equal(t, []string{testEmail}, f.backend.SignInCalls)

	snap := f.manager.Snapshot()
	require.Equal(t, testEmail, snap.User.Email)
	require.Nil(t, snap.MFAPending)
}

func TestSignIn_InvalidCredentials(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.AddUser(testEmail, testPassword, true)

	err := f.manager.SignIn(context.Background(), testEmail, "wrong")
	require.ErrorIs(t, err, identity.InvalidCredentialsErr)
	require.Nil(t, f.manager.Snapshot().User)
}

func TestSignIn_EnsuresProfile(t *testing.T) {
	f := setupTestFixture(t)
	userID := f.signedInUser(t)

	require.Equal(t, []string{userID}, f.profiles.UpsertCalls)
	snap := f.manager.Snapshot()
	require.NotNil(t, snap.Profile)
	require.False(t, snap.Profile.Complete())
}

func TestSignIn_ProfileStoreFailureDoesNotFailSignIn(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.AddUser(testEmail, testPassword, true)
	f.profiles.FetchErr = context.DeadlineExceeded

	require.NoError(t, f.manager.SignIn(context.Background(), testEmail, testPassword))
	snap := f.manager.Snapshot()
	require.NotNil(t, snap.User)
	require.Nil(t, snap.Profile)
	require.Equal(t, session.ScreenNone, f.manager.RequiredScreen(),
		"an unfetched profile must not trap the user on profile completion")
}

func TestSignUp_WeakPasswordRejectedLocally(t *testing.T) {
	f := setupTestFixture(t)

	err := f.manager.SignUp(context.Background(), testEmail, "abc")
	require.ErrorIs(t, err, identity.WeakPasswordErr)
	require.Empty(t, f.backend.SignInCalls)
	require.Nil(t, f.manager.Snapshot().User)
}

func TestSignUp(t *testing.T) {
	f := setupTestFixture(t)

	require.NoError(t, f.manager.SignUp(context.Background(), " New@Example.com ", testPassword))

	snap := f.manager.Snapshot()
	require.NotNil(t, snap.User)
	require.Equal(t, "new@example.com", snap.User.Email)
	require.False(t, snap.User.EmailConfirmed)
}

func TestSignUp_AlreadyRegistered(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.AddUser(testEmail, testPassword, true)

	err := f.manager.SignUp(context.Background(), testEmail, testPassword)
	require.ErrorIs(t, err, identity.AlreadyRegisteredErr)
}

func TestSignOut_ClearsStateEvenWhenProviderFails(t *testing.T) {
	f := setupTestFixture(t)
	f.signedInUser(t)
	f.backend.SignOutErr = identity.ProviderUnavailableErr

	err := f.manager.SignOut(context.Background())
	require.ErrorIs(t, err, identity.ProviderUnavailableErr)

	snap := f.manager.Snapshot()
	require.Nil(t, snap.User)
	require.Nil(t, snap.Profile)
	require.Nil(t, snap.MFAPending)
}

func TestSignOut(t *testing.T) {
	f := setupTestFixture(t)
	f.signedInUser(t)

	require.NoError(t, f.manager.SignOut(context.Background()))
	require.Equal(t, 1, f.backend.SignOutCalls)
	require.Nil(t, f.manager.Snapshot().User)
}

func TestResetPassword_RequiresEmail(t *testing.T) {
	f := setupTestFixture(t)

	require.ErrorIs(t, f.manager.ResetPassword(context.Background(), "   "), identity.EmailRequiredErr)
	require.NoError(t, f.manager.ResetPassword(context.Background(), testEmail))
}

func TestResendConfirmationEmail_FallsBackToCurrentUser(t *testing.T) {
	f := setupTestFixture(t)

	require.ErrorIs(t, f.manager.ResendConfirmationEmail(context.Background(), ""), identity.EmailRequiredErr)

	f.signedInUser(t)
	require.NoError(t, f.manager.ResendConfirmationEmail(context.Background(), ""))
}

func TestChangeEmail(t *testing.T) {
	f := setupTestFixture(t)
	f.signedInUser(t)

	require.ErrorIs(t, f.manager.ChangeEmail(context.Background(), ""), identity.EmailRequiredErr)
	require.NoError(t, f.manager.ChangeEmail(context.Background(), "new@example.com"))

	snap := f.manager.Snapshot()
	require.Equal(t, "new@example.com", snap.User.Email)
	require.False(t, snap.User.EmailConfirmed, "a changed address needs confirming again")
}

func TestRefreshEmailConfirmation(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.AddUser(testEmail, testPassword, false)
	require.NoError(t, f.manager.SignIn(context.Background(), testEmail, testPassword))
	require.False(t, f.manager.Snapshot().User.EmailConfirmed)

	f.backend.ConfirmEmail(testEmail)
	require.NoError(t, f.manager.RefreshEmailConfirmation(context.Background()))
	require.True(t, f.manager.Snapshot().User.EmailConfirmed)
}

func TestRefreshProfile(t *testing.T) {
	f := setupTestFixture(t)

	// Signed out: no-op, no store call.
	require.NoError(t, f.manager.RefreshProfile(context.Background()))
	require.Empty(t, f.profiles.FetchCalls)

	userID := f.signedInUser(t)
	f.profiles.Seed(&profile.Profile{ID: userID, DisplayName: utils.Ptr("Jean")})

	require.NoError(t, f.manager.RefreshProfile(context.Background()))
	require.True(t, f.manager.Snapshot().Profile.Complete())
}

func TestDeleteAccount(t *testing.T) {
	f := setupTestFixture(t)
	f.signedInUser(t)

	require.NoError(t, f.manager.DeleteAccount(context.Background()))
	require.Nil(t, f.manager.Snapshot().User)
	require.Nil(t, f.backend.CurrentSession())
}

func TestDeleteAccount_KeepsStateOnFailure(t *testing.T) {
	f := setupTestFixture(t)
	f.signedInUser(t)
	f.backend.DeleteErr = identity.ProviderUnavailableErr

	require.ErrorIs(t, f.manager.DeleteAccount(context.Background()), identity.ProviderUnavailableErr)
	require.NotNil(t, f.manager.Snapshot().User)
}

func TestSignInWithOAuth(t *testing.T) {
	f := setupTestFixture(t)

	url, err := f.manager.SignInWithOAuth(identity.OAuthGoogle)
	require.NoError(t, err)
	require.Contains(t, url, "provider=google")

	f.backend.OAuthErr = identity.ProviderUnavailableErr
	_, err = f.manager.SignInWithOAuth(identity.OAuthApple)
	require.ErrorIs(t, err, identity.ProviderUnavailableErr)
}

func TestSubscribe(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.AddUser(testEmail, testPassword, true)

	var snapshots []session.Snapshot
	unsubscribe := f.manager.Subscribe(func(s session.Snapshot) {
		snapshots = append(snapshots, s)
	})

	require.Len(t, snapshots, 1, "current snapshot delivered on subscribe")
	require.NoError(t, f.manager.SignIn(context.Background(), testEmail, testPassword))
	require.NotNil(t, snapshots[len(snapshots)-1].User)

	unsubscribe()
	seen := len(snapshots)
	require.NoError(t, f.manager.SignOut(context.Background()))
	require.Len(t, snapshots, seen, "no deliveries after unsubscribe")
}

func TestSubscribe_LaterSubscriptionReplacesEarlier(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.AddUser(testEmail, testPassword, true)

	var first, second int
	unsubFirst := f.manager.Subscribe(func(session.Snapshot) { first++ })
	f.manager.Subscribe(func(session.Snapshot) { second++ })

	require.NoError(t, f.manager.SignIn(context.Background(), testEmail, testPassword))
	require.Equal(t, 1, first, "only the initial delivery")
	require.GreaterOrEqual(t, second, 2)

	// Stale unsubscribe must not detach the newer subscriber.
	unsubFirst()
	seen := second
	require.NoError(t, f.manager.SignOut(context.Background()))
	require.Greater(t, second, seen)
}

func TestSessionChangeNotification_NeverDowngradesConfirmation(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.manager.Bootstrap(context.Background()))
	userID := f.signedInUser(t)
	require.True(t, f.manager.Snapshot().User.EmailConfirmed)

	// A stale refresh notification without the confirmation timestamp.
	f.backend.PushSession(&identity.Session{
		Identity: identity.Identity{ID: userID, Email: testEmail},
	})
	require.True(t, f.manager.Snapshot().User.EmailConfirmed)
}

func TestSessionChangeNotification_IgnoredWhileMFAPending(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.manager.Bootstrap(context.Background()))
	f.backend.AddUser(testEmail, testPassword, true)
	factorID, _ := f.backend.AddVerifiedFactor(testEmail)

	require.NoError(t, f.manager.SignIn(context.Background(), testEmail, testPassword))
	require.NotNil(t, f.manager.Snapshot().MFAPending)

	// The provider may report the half-authenticated session while the
	// challenge is still open; it must not install a user behind it.
	f.backend.PushSession(&identity.Session{
		Identity: identity.Identity{ID: "user-" + testEmail, Email: testEmail},
	})

	snap := f.manager.Snapshot()
	require.Nil(t, snap.User, "a user and a pending challenge can never coexist")
	require.NotNil(t, snap.MFAPending)
	require.Equal(t, factorID, snap.MFAPending.FactorID)
	require.Equal(t, session.ScreenMFAChallenge, f.manager.RequiredScreen())
}

func TestSessionChangeNotification_UserChangeClearsProfile(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.manager.Bootstrap(context.Background()))
	userID := f.signedInUser(t)
	f.profiles.Seed(&profile.Profile{ID: userID, DisplayName: utils.Ptr("Jean")})
	require.NoError(t, f.manager.RefreshProfile(context.Background()))
	require.NotNil(t, f.manager.Snapshot().Profile)

	f.backend.PushSession(&identity.Session{
		Identity: identity.Identity{ID: "other-user", Email: "other@example.com"},
	})

	snap := f.manager.Snapshot()
	require.Equal(t, "other-user", snap.User.ID)
	require.Nil(t, snap.Profile, "profile must not leak across users")
}

func TestSessionChangeNotification_NilClearsState(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.manager.Bootstrap(context.Background()))
	f.signedInUser(t)

	f.backend.PushSession(nil)

	snap := f.manager.Snapshot()
	require.Nil(t, snap.User)
	require.Nil(t, snap.Profile)
}
