package smtp

import (
	"crypto/tls"
	"errors"
)

// ErrTransportClosed is returned when sending on a transport that has been
// closed, and by the read loop when the close was requested locally.
var ErrTransportClosed = errors.New("smtp: transport closed")

// Subscription identifies a data callback registered with OnData.
type Subscription uint64

// SecureResult is delivered once a Secure request completes. On success
// Transport is the encrypted replacement for the transport that was asked
// to upgrade; the old one must no longer be used for I/O.
type SecureResult struct {
	Transport Transport
	Err       error
}

// Transport is the byte stream a Session talks over.
type Transport interface {
	// Send writes one reply line. The CRLF terminator is appended.
	Send(line string) error

	// OnData registers fn for inbound chunks. The chunk is only valid for
	// the duration of the call.
	OnData(fn func(chunk []byte)) Subscription

	// Unsubscribe removes a callback registered with OnData.
	Unsubscribe(sub Subscription)

	// Secure starts a server-side TLS handshake and reports the outcome on
	// the returned channel, which receives exactly one value.
	Secure(cfg *tls.Config) <-chan SecureResult

	// Close closes the underlying connection.
	Close() error
}
