package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ybdn/WhatWeWatch/session"
)

func waitForConfirmed(t *testing.T, manager *session.Manager) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("email never showed up as confirmed")
		case <-time.After(5 * time.Millisecond):
		}
		snap := manager.Snapshot()
		if snap.User != nil && snap.User.EmailConfirmed {
			return
		}
	}
}

func TestConfirmationPolling_PicksUpConfirmation(t *testing.T) {
	f := setupTestFixture(t, session.WithPollInterval(10*time.Millisecond))
	f.backend.AddUser(testEmail, testPassword, false)
	ctx := context.Background()

	require.NoError(t, f.manager.SignIn(ctx, testEmail, testPassword))
	require.Equal(t, session.ScreenVerifyEmail, f.manager.RequiredScreen())

	f.manager.StartConfirmationPolling(ctx)
	f.backend.ConfirmEmail(testEmail)

	waitForConfirmed(t, f.manager)
	require.Equal(t, session.ScreenProfileCompletion, f.manager.RequiredScreen())
}

func TestConfirmationPolling_SwallowsProviderErrors(t *testing.T) {
	f := setupTestFixture(t, session.WithPollInterval(10*time.Millisecond))
	f.backend.AddUser(testEmail, testPassword, false)
	ctx := context.Background()

	require.NoError(t, f.manager.SignIn(ctx, testEmail, testPassword))

	f.backend.SetIdentityErr(context.DeadlineExceeded)
	f.manager.StartConfirmationPolling(ctx)
	time.Sleep(50 * time.Millisecond)

	// Still unconfirmed, still polling; clearing the error lets it proceed.
	f.backend.SetIdentityErr(nil)
	f.backend.ConfirmEmail(testEmail)
	waitForConfirmed(t, f.manager)
}

func TestConfirmationPolling_StopsOnSignOut(t *testing.T) {
	f := setupTestFixture(t, session.WithPollInterval(10*time.Millisecond))
	f.backend.AddUser(testEmail, testPassword, false)
	ctx := context.Background()

	require.NoError(t, f.manager.SignIn(ctx, testEmail, testPassword))
	f.manager.StartConfirmationPolling(ctx)
	require.NoError(t, f.manager.SignOut(ctx))

	// Confirmation after sign-out must not resurrect any state.
	f.backend.ConfirmEmail(testEmail)
	time.Sleep(50 * time.Millisecond)
	require.Nil(t, f.manager.Snapshot().User)
}

func TestConfirmationPolling_StopIsIdempotent(t *testing.T) {
	f := setupTestFixture(t, session.WithPollInterval(10*time.Millisecond))

	f.manager.StopConfirmationPolling()
	f.manager.StartConfirmationPolling(context.Background())
	f.manager.StopConfirmationPolling()
	f.manager.StopConfirmationPolling()
}
