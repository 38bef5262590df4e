package panel

// State is where a Session stands in the panel workflow.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateNavigating
	StateFormOpen
	StateSubmitting
	StateCredentialsPending
	StateFailed
	StateClosed
)

var stateNames = [...]string{
	StateUnauthenticated:    "unauthenticated",
	StateAuthenticating:     "authenticating",
	StateAuthenticated:      "authenticated",
	StateNavigating:         "navigating",
	StateFormOpen:           "form_open",
	StateSubmitting:         "submitting",
	StateCredentialsPending: "credentials_pending",
	StateFailed:             "failed",
	StateClosed:             "closed",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}
