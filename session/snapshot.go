// Package session implements the authentication state machine of the app: who
// is signed in, whether an MFA challenge or email confirmation is pending, and
// which screen the UI must show. All transitions go through the Manager, which
// talks to an identity.Backend and a profile.Store.
package session

import "github.com/ybdn/WhatWeWatch/profile"

// User is the signed-in user as the session layer sees it.
type User struct {
	ID             string
	Email          string
	EmailConfirmed bool
}

// MFAPending marks a sign-in attempt parked on an MFA challenge. The user is
// deliberately not exposed until the challenge passes.
type MFAPending struct {
	FactorID string
	Email    string
}

// Snapshot is an immutable copy of the session state handed to callers and
// subscribers.
type Snapshot struct {
	User       *User
	Loading    bool
	MFAPending *MFAPending
	Profile    *profile.Profile
}

// Authenticated reports whether a user is signed in.
func (s Snapshot) Authenticated() bool {
	return s.User != nil
}
