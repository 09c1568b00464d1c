package smtp

import (
	"github.com/google/uuid"
)

// TLSStatus tracks STARTTLS for a session.
type TLSStatus int

const (
	TLSDisabled TLSStatus = iota
	TLSPending
	TLSNegotiating
	TLSSecured
	TLSFailed
)

func (s TLSStatus) String() string {
	switch s {
	case TLSDisabled:
		return "disabled"
	case TLSPending:
		return "pending"
	case TLSNegotiating:
		return "negotiating"
	case TLSSecured:
		return "secured"
	case TLSFailed:
		return "failed"
	}
	return "unknown"
}

// AuthStatus tracks SMTP AUTH for a session.
type AuthStatus int

const (
	AuthDisabled AuthStatus = iota
	AuthUnauthenticated
	AuthPending
	AuthAuthenticated
	AuthFailed
)

func (s AuthStatus) String() string {
	switch s {
	case AuthDisabled:
		return "disabled"
	case AuthUnauthenticated:
		return "unauthenticated"
	case AuthPending:
		return "pending"
	case AuthAuthenticated:
		return "authenticated"
	case AuthFailed:
		return "failed"
	}
	return "unknown"
}

// state is the per-connection protocol state. It is replaced as a whole on
// reset so no half-reset value is ever observable.
type state struct {
	id        string
	helloSeen bool
	tls       TLSStatus
	auth      AuthStatus
	from      string
	to        []string
	dataMode  bool
}

func newState(tls TLSStatus, auth AuthStatus) state {
	return state{
		id:   uuid.NewString(),
		tls:  tls,
		auth: auth,
	}
}

// reset returns a fresh transaction with a new identity, keeping the hello,
// TLS and auth status.
func (s state) reset() state {
	next := newState(s.tls, s.auth)
	next.helloSeen = s.helloSeen
	return next
}
