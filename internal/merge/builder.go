package merge

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/shineum/gmail-merge/internal/email"
	"github.com/shineum/gmail-merge/internal/recipient"
)

// fallbackContentType is used when a file extension maps to no known MIME type.
const fallbackContentType = "application/octet-stream"

// AttachmentError reports an attachment path that could not be read.
// It fails only the recipient it belongs to.
type AttachmentError struct {
	Path string
	Err  error
}

func (e *AttachmentError) Error() string {
	return fmt.Sprintf("attachment not found or unreadable: %s: %v", e.Path, e.Err)
}

func (e *AttachmentError) Unwrap() error {
	return e.Err
}

// buildMessage assembles a transport-ready message for one recipient from
// the rendered subject and bodies. Common attachments come before the
// recipient's own, matching the order they were specified.
func buildMessage(rec recipient.Record, subject, html, text, sender string, common []string) (*email.Message, error) {
	msg := &email.Message{
		To:       []string{rec.Email},
		Cc:       recipient.SplitList(rec.Cc),
		Bcc:      recipient.SplitList(rec.Bcc),
		Subject:  subject,
		TextBody: text,
		HtmlBody: html,
	}
	// "me" is the API's alias for the authorized account; it is not a
	// valid From header value.
	if sender != "" && sender != "me" {
		msg.From = sender
	}

	paths := make([]string, 0, len(common)+len(rec.Attachments))
	paths = append(paths, common...)
	paths = append(paths, rec.Attachments...)

	for _, path := range paths {
		att, err := loadAttachment(path)
		if err != nil {
			return nil, err
		}
		msg.Attachments = append(msg.Attachments, att)
	}

	return msg, nil
}

// loadAttachment reads the file fully into memory and tags it with a MIME
// type inferred from its extension.
func loadAttachment(path string) (email.Attachment, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return email.Attachment{}, &AttachmentError{Path: path, Err: err}
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = fallbackContentType
	}

	return email.Attachment{
		Filename:    filepath.Base(path),
		ContentType: contentType,
		Content:     content,
	}, nil
}
