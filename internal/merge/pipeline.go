// Package merge orchestrates one mail-merge run: recipient loading, template
// rendering, message assembly, and dispatch, with per-recipient failure
// isolation.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/shineum/gmail-merge/internal/auth"
	"github.com/shineum/gmail-merge/internal/recipient"
	"github.com/shineum/gmail-merge/internal/template"
	"github.com/shineum/gmail-merge/internal/transport"
)

// CredentialSource owns the run's OAuth2 credential. auth.Manager
// satisfies this interface.
type CredentialSource interface {
	// Token returns a valid access token, refreshing or acquiring one as
	// needed.
	Token(ctx context.Context) (*oauth2.Token, error)

	// Invalidate discards the cached access token and acquires a fresh one.
	Invalidate(ctx context.Context) (*oauth2.Token, error)
}

// Options configure one mail-merge run.
type Options struct {
	// CSVPath is the recipient table.
	CSVPath string

	// Subject, HTML, and Text are template arguments: literal text, or
	// "@path" to read the template from a file. Text is optional.
	Subject string
	HTML    string
	Text    string

	// Sender is the From identity; empty or "me" means the authorized
	// account.
	Sender string

	// CommonAttachments are attached to every message, before any
	// per-recipient attachments.
	CommonAttachments []string

	// Limit truncates the run to the first N recipients; 0 means all.
	Limit int

	// DryRun renders and previews every message without any network
	// delivery.
	DryRun bool

	// Throttle is the pause between consecutive live sends.
	Throttle time.Duration
}

// Pipeline drives the merge-and-send loop for one run.
type Pipeline struct {
	opts      Options
	creds     CredentialSource
	transport transport.Transport
}

// New creates a Pipeline. In dry-run mode the transport must be the preview
// transport; the pipeline never switches transports itself.
func New(opts Options, creds CredentialSource, t transport.Transport) *Pipeline {
	return &Pipeline{
		opts:      opts,
		creds:     creds,
		transport: t,
	}
}

// Run executes the merge. Recipients are processed strictly in load order;
// each per-recipient failure is recorded in the summary and the loop
// continues. Only configuration failures (unreadable CSV or templates) and
// unrecoverable authorization failures abort the run. On context
// cancellation the summary accumulated so far is returned alongside the
// context error.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	tpls, err := p.loadTemplates()
	if err != nil {
		return nil, err
	}

	records, err := recipient.Load(p.opts.CSVPath)
	if err != nil {
		return nil, err
	}
	if p.opts.Limit > 0 && len(records) > p.opts.Limit {
		records = records[:p.opts.Limit]
	}

	// Acquire the credential once up front so a dead grant aborts before
	// any rendering, and a first-run consent prompt happens before the loop.
	if _, err := p.creds.Token(ctx); err != nil {
		return nil, err
	}

	slog.Info("starting merge run",
		"recipients", len(records),
		"transport", p.transport.Name(),
		"dry_run", p.opts.DryRun,
	)

	summary := &Summary{}
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if i > 0 && !p.opts.DryRun && p.opts.Throttle > 0 {
			if err := sleepWithContext(ctx, p.opts.Throttle); err != nil {
				return summary, err
			}
		}

		result, err := p.processRecipient(ctx, rec, tpls)
		if err != nil {
			return summary, err
		}
		summary.add(result)
	}

	slog.Info("merge run complete",
		"sent", summary.Sent,
		"previewed", summary.Previewed,
		"failed", summary.Failed,
	)
	return summary, nil
}

// loadTemplates resolves the template arguments, honoring the "@file" form.
func (p *Pipeline) loadTemplates() (template.Set, error) {
	var tpls template.Set
	var err error

	if tpls.Subject, err = template.Load(p.opts.Subject); err != nil {
		return tpls, fmt.Errorf("subject template: %w", err)
	}
	if tpls.HTML, err = template.Load(p.opts.HTML); err != nil {
		return tpls, fmt.Errorf("html template: %w", err)
	}
	if p.opts.Text != "" {
		if tpls.Text, err = template.Load(p.opts.Text); err != nil {
			return tpls, fmt.Errorf("text template: %w", err)
		}
	}
	return tpls, nil
}

// processRecipient runs render → build → dispatch for one recipient.
// The returned error is non-nil only for run-fatal conditions; everything
// else becomes a failed SendResult.
func (p *Pipeline) processRecipient(ctx context.Context, rec recipient.Record, tpls template.Set) (SendResult, error) {
	fields := rec.Fields()

	subject, err := template.Render(tpls.Subject, fields)
	if err != nil {
		return p.failed(rec, "subject: "+err.Error()), nil
	}
	html, err := template.Render(tpls.HTML, fields)
	if err != nil {
		return p.failed(rec, "body: "+err.Error()), nil
	}
	var text string
	if tpls.Text != "" {
		if text, err = template.Render(tpls.Text, fields); err != nil {
			return p.failed(rec, "text body: "+err.Error()), nil
		}
	}

	msg, err := buildMessage(rec, subject, html, text, p.opts.Sender, p.opts.CommonAttachments)
	if err != nil {
		return p.failed(rec, err.Error()), nil
	}

	err = p.transport.Send(ctx, msg)
	if isFatalAuth(err) {
		// The credential itself died mid-run (failed refresh, revoked
		// grant). No later recipient can succeed.
		return SendResult{}, err
	}
	if transport.IsAuth(err) {
		// One credential re-validation per incident; a second rejection
		// means the grant is dead and the run must stop.
		slog.Info("re-validating credential after authentication failure", "to", rec.Email)
		if _, authErr := p.creds.Invalidate(ctx); authErr != nil {
			return SendResult{}, authErr
		}
		err = p.transport.Send(ctx, msg)
		if transport.IsAuth(err) {
			return SendResult{}, fmt.Errorf("delivery rejected after credential refresh: %w", err)
		}
	}
	if err != nil {
		return p.failed(rec, err.Error()), nil
	}

	if p.opts.DryRun {
		slog.Debug("message previewed", "to", rec.Email)
		return SendResult{RecipientEmail: rec.Email, Status: StatusPreviewed}, nil
	}
	slog.Info("message sent", "to", rec.Email, "subject", subject)
	return SendResult{RecipientEmail: rec.Email, Status: StatusSent}, nil
}

func (p *Pipeline) failed(rec recipient.Record, reason string) SendResult {
	slog.Warn("recipient failed", "to", rec.Email, "reason", reason)
	return SendResult{
		RecipientEmail: rec.Email,
		Status:         StatusFailed,
		Reason:         reason,
	}
}

// isFatalAuth reports whether err is an unrecoverable credential failure
// rather than a retryable transport-level rejection.
func isFatalAuth(err error) bool {
	var authErr *auth.Error
	return errors.As(err, &authErr)
}

// sleepWithContext waits for the specified duration or until the context is
// cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
