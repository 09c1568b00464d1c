// Package smtp implements the SMTP receiving side: the per-connection
// command session, the AUTH mechanisms it offers and the accept loop.
package smtp

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/emersion/go-sasl"
	"golang.org/x/crypto/bcrypt"
)

// ErrAuthFailed is returned by SASL servers when credentials do not match.
var ErrAuthFailed = errors.New("smtp: invalid credentials")

// ErrUnsupportedMechanism is returned by NewServer for mechanisms that are
// not offered.
var ErrUnsupportedMechanism = errors.New("smtp: unsupported authentication mechanism")

// Authenticator verifies AUTH exchanges on behalf of a Session.
type Authenticator interface {
	// Mechanisms lists the offered SASL mechanisms, as advertised in EHLO.
	Mechanisms() []string

	// NewServer starts a SASL exchange for mechanism.
	NewServer(mechanism string) (sasl.Server, error)
}

// SupportedMechanisms are the mechanisms a StaticAuthenticator can serve.
var SupportedMechanisms = []string{sasl.Plain, sasl.Login}

// StaticAuthenticator checks a single configured username and password.
// A password starting with "$2" is treated as a bcrypt hash.
type StaticAuthenticator struct {
	username   string
	password   string
	mechanisms []string
}

// NewAuthenticator creates a StaticAuthenticator offering mechanisms, or
// PLAIN and LOGIN when mechanisms is empty.
func NewAuthenticator(username, password string, mechanisms []string) (*StaticAuthenticator, error) {
	if username == "" || password == "" {
		return nil, errors.New("smtp: authentication requires a username and password")
	}

	if len(mechanisms) == 0 {
		mechanisms = SupportedMechanisms
	}

	var offered []string
	for _, m := range mechanisms {
		m = strings.ToUpper(strings.TrimSpace(m))
		if !slices.Contains(SupportedMechanisms, m) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedMechanism, m)
		}
		if !slices.Contains(offered, m) {
			offered = append(offered, m)
		}
	}

	return &StaticAuthenticator{
		username:   username,
		password:   password,
		mechanisms: offered,
	}, nil
}

// Mechanisms returns the offered mechanisms in configuration order.
func (a *StaticAuthenticator) Mechanisms() []string {
	return slices.Clone(a.mechanisms)
}

// NewServer returns a SASL server for mechanism.
func (a *StaticAuthenticator) NewServer(mechanism string) (sasl.Server, error) {
	mechanism = strings.ToUpper(mechanism)
	if !slices.Contains(a.mechanisms, mechanism) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMechanism, mechanism)
	}

	switch mechanism {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return ErrAuthFailed
			}
			return a.verify(username, password)
		}), nil
	case sasl.Login:
		return newLoginServer(a.verify), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedMechanism, mechanism)
}

func (a *StaticAuthenticator) verify(username, password string) error {
	if subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) != 1 {
		return ErrAuthFailed
	}

	if strings.HasPrefix(a.password, "$2") {
		if err := bcrypt.CompareHashAndPassword([]byte(a.password), []byte(password)); err != nil {
			return ErrAuthFailed
		}
		return nil
	}

	if subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) != 1 {
		return ErrAuthFailed
	}
	return nil
}

// LOGIN exchange states.
const (
	loginStateUsername = iota
	loginStatePassword
	loginStateDone
)

// loginServer is the server side of the LOGIN mechanism, which go-sasl only
// implements for clients.
type loginServer struct {
	state        int
	username     string
	authenticate func(username, password string) error
}

func newLoginServer(authenticate func(username, password string) error) sasl.Server {
	return &loginServer{authenticate: authenticate}
}

func (l *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch l.state {
	case loginStateUsername:
		if response == nil {
			return []byte("Username:"), false, nil
		}
		l.username = string(response)
		l.state = loginStatePassword
		return []byte("Password:"), false, nil

	case loginStatePassword:
		l.state = loginStateDone
		return nil, true, l.authenticate(l.username, string(response))
	}
	return nil, false, sasl.ErrUnexpectedClientResponse
}
