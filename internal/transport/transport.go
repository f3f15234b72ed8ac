// Package transport defines the mail delivery interface and its two
// implementations: the live Gmail API transport and the dry-run preview.
package transport

import (
	"context"

	"github.com/shineum/gmail-merge/internal/email"
)

// Transport delivers one assembled email message.
type Transport interface {
	// Send delivers an email message through this transport.
	// It returns an error if the delivery fails.
	Send(ctx context.Context, msg *email.Message) error

	// Name returns the human-readable name of this transport.
	Name() string
}
