package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/gmail-merge/internal/email"
)

// previewBodyLimit caps the body excerpt printed per message.
const previewBodyLimit = 200

// Preview renders what a live send would deliver, without touching the
// network. It backs the dry-run mode.
type Preview struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// NewPreview creates a Preview transport that writes to os.Stdout.
func NewPreview() *Preview {
	return &Preview{writer: os.Stdout}
}

// NewPreviewWithWriter creates a Preview transport that writes to the given
// writer. This is useful for testing.
func NewPreviewWithWriter(w io.Writer) *Preview {
	return &Preview{writer: w}
}

// Send prints the message in a readable format. It never performs network
// I/O and fails only if the output writer does.
func (p *Preview) Send(_ context.Context, msg *email.Message) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	if msg.From != "" {
		b.WriteString(fmt.Sprintf("From: %s\n", msg.From))
	}
	b.WriteString(fmt.Sprintf("To: %s\n", strings.Join(msg.To, ", ")))

	if len(msg.Cc) > 0 {
		b.WriteString(fmt.Sprintf("Cc: %s\n", strings.Join(msg.Cc, ", ")))
	}
	if len(msg.Bcc) > 0 {
		b.WriteString(fmt.Sprintf("Bcc: %s\n", strings.Join(msg.Bcc, ", ")))
	}

	b.WriteString(fmt.Sprintf("Subject: %s\n", msg.Subject))
	b.WriteString(fmt.Sprintf("Body preview: %s\n", bodyPreview(msg)))

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		b.WriteString(fmt.Sprintf("Attachments: %s\n", strings.Join(attachments, ", ")))
	}

	b.WriteString("========================================\n")

	if _, err := fmt.Fprint(p.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write preview: %w", err)
	}
	return nil
}

// Name returns the transport name.
func (p *Preview) Name() string {
	return "preview"
}

// bodyPreview flattens the message body to a single truncated line,
// preferring the plain-text alternative when present.
func bodyPreview(msg *email.Message) string {
	body := msg.TextBody
	if body == "" {
		body = msg.HtmlBody
	}
	body = strings.ReplaceAll(body, "\n", " ")
	// Truncate on rune boundaries so multi-byte characters survive intact.
	runes := []rune(body)
	if len(runes) > previewBodyLimit {
		return string(runes[:previewBodyLimit]) + "…"
	}
	return body
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
