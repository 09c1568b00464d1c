// Package handler defines the consumers of received messages.
package handler

import (
	"context"

	"github.com/shineum/smtpd-lite/internal/email"
)

// Handler is notified of every message a session receives. The message
// content lives in the temporary store; a handler that keeps it must copy
// or move the files before the store is swept.
type Handler interface {
	// Handle processes a received message. An error is logged by the
	// server but does not change the reply already sent to the client.
	Handle(ctx context.Context, msg *email.Message) error

	// Name returns the human-readable name of this handler.
	Name() string
}
