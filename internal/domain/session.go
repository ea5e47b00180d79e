package domain

// SessionState tracks the authentication state of the process.
type SessionState string

const (
	SessionAnonymous      SessionState = "anonymous"
	SessionAuthenticating SessionState = "authenticating"
	SessionAuthenticated  SessionState = "authenticated"
)

// Session is the authenticated identity of the running process.
type Session struct {
	CurrentUser *User
	State       SessionState
}

// IsAuthenticated reports whether a user is logged in.
func (s Session) IsAuthenticated() bool {
	return s.State == SessionAuthenticated && s.CurrentUser != nil
}
