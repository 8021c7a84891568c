package model

// SessionState is the protocol state of one directory connection.
type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticated
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}
