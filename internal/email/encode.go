package email

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// messageIDDomain is the right-hand side of generated Message-ID headers.
const messageIDDomain = "gmail-merge.local"

// Encode serializes the message into RFC 822 wire format.
// Messages with attachments become multipart/mixed; a message carrying both
// a text and an HTML body gets a multipart/alternative inline section.
// The Bcc header is included: the delivery API strips it before relaying.
func (m *Message) Encode() ([]byte, error) {
	var buf bytes.Buffer

	h, err := m.headers()
	if err != nil {
		return nil, err
	}

	if len(m.Attachments) == 0 && m.TextBody == "" {
		h.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to create message writer: %w", err)
		}
		if _, err := io.WriteString(w, m.HtmlBody); err != nil {
			return nil, fmt.Errorf("failed to write html body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to finalize message: %w", err)
		}
		return buf.Bytes(), nil
	}

	if len(m.Attachments) == 0 {
		iw, err := mail.CreateInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to create message writer: %w", err)
		}
		if err := m.writeBodies(iw); err != nil {
			return nil, err
		}
		if err := iw.Close(); err != nil {
			return nil, fmt.Errorf("failed to finalize message: %w", err)
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	if m.TextBody != "" {
		iw, err := mw.CreateInline()
		if err != nil {
			return nil, fmt.Errorf("failed to create inline section: %w", err)
		}
		if err := m.writeBodies(iw); err != nil {
			return nil, err
		}
		if err := iw.Close(); err != nil {
			return nil, fmt.Errorf("failed to close inline section: %w", err)
		}
	} else {
		var ih mail.InlineHeader
		ih.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		pw, err := mw.CreateSingleInline(ih)
		if err != nil {
			return nil, fmt.Errorf("failed to create html part: %w", err)
		}
		if _, err := io.WriteString(pw, m.HtmlBody); err != nil {
			return nil, fmt.Errorf("failed to write html body: %w", err)
		}
		if err := pw.Close(); err != nil {
			return nil, fmt.Errorf("failed to close html part: %w", err)
		}
	}

	for _, att := range m.Attachments {
		var ah mail.AttachmentHeader
		ah.SetFilename(att.Filename)
		ah.SetContentType(att.ContentType, nil)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment %q: %w", att.Filename, err)
		}
		if _, err := aw.Write(att.Content); err != nil {
			return nil, fmt.Errorf("failed to write attachment %q: %w", att.Filename, err)
		}
		if err := aw.Close(); err != nil {
			return nil, fmt.Errorf("failed to close attachment %q: %w", att.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize message: %w", err)
	}
	return buf.Bytes(), nil
}

// headers builds the top-level header block shared by all message shapes.
func (m *Message) headers() (mail.Header, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(m.Subject)
	h.SetMessageID(uuid.NewString() + "@" + messageIDDomain)

	if m.From != "" {
		h.SetAddressList("From", []*mail.Address{{Address: m.From}})
	}
	if len(m.To) == 0 {
		return h, fmt.Errorf("message has no recipients")
	}
	h.SetAddressList("To", toAddressList(m.To))
	if len(m.Cc) > 0 {
		h.SetAddressList("Cc", toAddressList(m.Cc))
	}
	if len(m.Bcc) > 0 {
		h.SetAddressList("Bcc", toAddressList(m.Bcc))
	}
	return h, nil
}

// writeBodies writes the multipart/alternative text and HTML parts,
// plain text first so capable clients prefer the HTML rendering.
func (m *Message) writeBodies(iw *mail.InlineWriter) error {
	if m.TextBody != "" {
		var th mail.InlineHeader
		th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		pw, err := iw.CreatePart(th)
		if err != nil {
			return fmt.Errorf("failed to create text part: %w", err)
		}
		if _, err := io.WriteString(pw, m.TextBody); err != nil {
			return fmt.Errorf("failed to write text body: %w", err)
		}
		if err := pw.Close(); err != nil {
			return fmt.Errorf("failed to close text part: %w", err)
		}
	}

	var hh mail.InlineHeader
	hh.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(hh)
	if err != nil {
		return fmt.Errorf("failed to create html part: %w", err)
	}
	if _, err := io.WriteString(pw, m.HtmlBody); err != nil {
		return fmt.Errorf("failed to write html body: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("failed to close html part: %w", err)
	}
	return nil
}

func toAddressList(addrs []string) []*mail.Address {
	list := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, &mail.Address{Address: a})
	}
	return list
}
