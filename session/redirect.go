package session

// Screen identifies the screen the UI must route to before the user can use
// the app normally.
type Screen string

const (
	ScreenNone              Screen = ""
	ScreenMFAChallenge      Screen = "mfa-challenge"
	ScreenVerifyEmail       Screen = "verify-email"
	ScreenProfileCompletion Screen = "profile-completion"
)

// RequiredScreen derives the forced redirection for a snapshot. A pending MFA
// challenge outranks email verification, which outranks profile completion.
// While the snapshot is still loading nothing is forced. Profile completion
// is only forced once a profile has actually been fetched: after a profile
// store failure the user proceeds to the app rather than being trapped on a
// screen that cannot save.
func RequiredScreen(s Snapshot) Screen {
	if s.Loading {
		return ScreenNone
	}
	if s.MFAPending != nil {
		return ScreenMFAChallenge
	}
	if s.User == nil {
		return ScreenNone
	}
	if !s.User.EmailConfirmed {
		return ScreenVerifyEmail
	}
	if s.Profile != nil && !s.Profile.Complete() {
		return ScreenProfileCompletion
	}
	return ScreenNone
}
