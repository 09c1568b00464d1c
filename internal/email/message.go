// Package email defines the parsed-message model emitted for every
// completed DATA transaction.
package email

import (
	"strings"

	"github.com/shineum/smtpd-lite/internal/storage"
)

// Message is a received message whose content has been decoded to storage.
type Message struct {
	// ID is the session identity the message was received under.
	ID string

	// Header maps lowercased field names to decoded values.
	Header map[string]string

	// Body is nil when DATA carried no content before the first boundary
	// or the terminator.
	Body *Body

	// Parts holds the non-empty MIME parts in document order.
	Parts []Part

	// Envelope is the SMTP-level sender and recipients.
	Envelope Envelope
}

// Envelope holds the MAIL FROM and RCPT TO addresses of a transaction.
type Envelope struct {
	From string
	To   []string
}

// Body is the decoded top-level content of a message.
type Body struct {
	Content *storage.Content
	// Length counts decoded payload bytes, excluding restored line breaks.
	Length int64
}

// Part is one decoded MIME part.
type Part struct {
	Header  map[string]string
	Content *storage.Content
	Length  int64
}

// Get returns the header value for a field name in any case.
func (m *Message) Get(name string) string {
	return lookup(m.Header, name)
}

// Get returns the header value for a field name in any case.
func (p *Part) Get(name string) string {
	return lookup(p.Header, name)
}

func lookup(h map[string]string, name string) string {
	return h[strings.ToLower(name)]
}
