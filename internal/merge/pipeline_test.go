package merge

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/shineum/gmail-merge/internal/auth"
	"github.com/shineum/gmail-merge/internal/email"
	"github.com/shineum/gmail-merge/internal/transport"
)

// fakeCreds is a CredentialSource with scriptable failures.
type fakeCreds struct {
	tokenErr        error
	invalidateErr   error
	tokenCalls      int
	invalidateCalls int
}

func (f *fakeCreds) Token(_ context.Context) (*oauth2.Token, error) {
	f.tokenCalls++
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	return &oauth2.Token{AccessToken: "fake-token"}, nil
}

func (f *fakeCreds) Invalidate(_ context.Context) (*oauth2.Token, error) {
	f.invalidateCalls++
	if f.invalidateErr != nil {
		return nil, f.invalidateErr
	}
	return &oauth2.Token{AccessToken: "fresh-fake-token"}, nil
}

// fakeTransport records sent messages and returns scripted errors for the
// first len(errs) calls.
type fakeTransport struct {
	sent  []*email.Message
	errs  []error
	calls int
}

func (f *fakeTransport) Send(_ context.Context, msg *email.Message) error {
	f.calls++
	if f.calls <= len(f.errs) {
		return f.errs[f.calls-1]
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Name() string { return "fake" }

// fakeAuthErr mimics a transport authentication failure.
type fakeAuthErr struct{}

func (fakeAuthErr) Error() string     { return "credential rejected" }
func (fakeAuthErr) AuthFailure() bool { return true }

func writeCSV(t *testing.T, rows ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recipients.csv")
	content := strings.Join(append([]string{"email,firstname,company,cc,bcc,attachment"}, rows...), "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write csv: %v", err)
	}
	return path
}

func defaultOptions(csvPath string) Options {
	return Options{
		CSVPath: csvPath,
		Subject: "Hi {firstname}",
		HTML:    "<p>Hello {firstname} at {company}</p>",
	}
}

func TestRunMixedOutcomes(t *testing.T) {
	t.Parallel()

	csvPath := writeCSV(t,
		"a@x.com,Alice,Acme,,,",
		"b@y.com,Bob,Acme,,,/definitely/missing.pdf",
	)

	trans := &fakeTransport{}
	creds := &fakeCreds{}

	summary, err := New(defaultOptions(csvPath), creds, trans).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(summary.Results) != 2 {
		t.Fatalf("result count: got %d, want 2", len(summary.Results))
	}
	if summary.Sent != 1 || summary.Failed != 1 || summary.Previewed != 0 {
		t.Errorf("counts: got sent=%d previewed=%d failed=%d, want 1/0/1",
			summary.Sent, summary.Previewed, summary.Failed)
	}

	first := summary.Results[0]
	if first.RecipientEmail != "a@x.com" || first.Status != StatusSent {
		t.Errorf("first result: got %+v, want a@x.com sent", first)
	}

	second := summary.Results[1]
	if second.RecipientEmail != "b@y.com" || second.Status != StatusFailed {
		t.Errorf("second result: got %+v, want b@y.com failed", second)
	}
	if !strings.Contains(second.Reason, "/definitely/missing.pdf") {
		t.Errorf("failure reason should name the attachment path, got %q", second.Reason)
	}

	if len(trans.sent) != 1 {
		t.Fatalf("sent messages: got %d, want 1", len(trans.sent))
	}
	if trans.sent[0].Subject != "Hi Alice" {
		t.Errorf("subject: got %q, want %q", trans.sent[0].Subject, "Hi Alice")
	}
	if trans.sent[0].HtmlBody != "<p>Hello Alice at Acme</p>" {
		t.Errorf("html body: got %q, want %q", trans.sent[0].HtmlBody, "<p>Hello Alice at Acme</p>")
	}
	if creds.tokenCalls != 1 {
		t.Errorf("credential acquisitions: got %d, want 1", creds.tokenCalls)
	}
}

func TestRunDryRunPreviewsEverything(t *testing.T) {
	t.Parallel()

	csvPath := writeCSV(t,
		"a@x.com,Alice,Acme,,,",
		"b@y.com,Bob,Acme,,,",
	)

	var buf bytes.Buffer
	opts := defaultOptions(csvPath)
	opts.DryRun = true

	summary, err := New(opts, &fakeCreds{}, transport.NewPreviewWithWriter(&buf)).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Previewed != 2 || summary.Sent != 0 || summary.Failed != 0 {
		t.Errorf("counts: got sent=%d previewed=%d failed=%d, want 0/2/0",
			summary.Sent, summary.Previewed, summary.Failed)
	}
	for _, r := range summary.Results {
		if r.Status != StatusPreviewed {
			t.Errorf("result %s: got status %q, want %q", r.RecipientEmail, r.Status, StatusPreviewed)
		}
	}
	if !strings.Contains(buf.String(), "Subject: Hi Alice") {
		t.Errorf("preview output missing rendered subject:\n%s", buf.String())
	}
}

func TestRunUnresolvedPlaceholderFailsRecipientOnly(t *testing.T) {
	t.Parallel()

	csvPath := writeCSV(t,
		"a@x.com,Alice,Acme,,,",
		"b@y.com,Bob,Acme,,,",
	)

	opts := defaultOptions(csvPath)
	opts.Subject = "Code {coupon}"

	trans := &fakeTransport{}
	summary, err := New(opts, &fakeCreds{}, trans).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Failed != 2 {
		t.Errorf("failed count: got %d, want 2", summary.Failed)
	}
	for _, r := range summary.Results {
		if !strings.Contains(r.Reason, "coupon") {
			t.Errorf("reason should name the placeholder, got %q", r.Reason)
		}
	}
	if trans.calls != 0 {
		t.Errorf("transport calls: got %d, want 0", trans.calls)
	}
}

func TestRunResultsFollowLoadOrder(t *testing.T) {
	t.Parallel()

	csvPath := writeCSV(t,
		"c@x.com,C,Acme,,,",
		"a@x.com,A,Acme,,,",
		"b@x.com,B,Acme,,,",
	)

	summary, err := New(defaultOptions(csvPath), &fakeCreds{}, &fakeTransport{}).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"c@x.com", "a@x.com", "b@x.com"}
	for i, w := range want {
		if summary.Results[i].RecipientEmail != w {
			t.Errorf("results[%d]: got %q, want %q", i, summary.Results[i].RecipientEmail, w)
		}
	}
}

func TestRunLimitTruncates(t *testing.T) {
	t.Parallel()

	csvPath := writeCSV(t,
		"a@x.com,A,Acme,,,",
		"b@x.com,B,Acme,,,",
		"c@x.com,C,Acme,,,",
	)

	opts := defaultOptions(csvPath)
	opts.Limit = 2

	summary, err := New(opts, &fakeCreds{}, &fakeTransport{}).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Results) != 2 {
		t.Errorf("result count: got %d, want 2", len(summary.Results))
	}
}

func TestRunMissingCSVIsFatal(t *testing.T) {
	t.Parallel()

	opts := defaultOptions(filepath.Join(t.TempDir(), "nope.csv"))

	trans := &fakeTransport{}
	_, err := New(opts, &fakeCreds{}, trans).Run(context.Background())
	if err == nil {
		t.Fatal("expected error for missing csv, got nil")
	}
	if trans.calls != 0 {
		t.Errorf("transport calls: got %d, want 0", trans.calls)
	}
}

func TestRunDeadCredentialIsFatal(t *testing.T) {
	t.Parallel()

	csvPath := writeCSV(t, "a@x.com,Alice,Acme,,,")

	creds := &fakeCreds{tokenErr: &auth.Error{Op: "token refresh", Err: errors.New("invalid_grant")}}
	trans := &fakeTransport{}

	_, err := New(defaultOptions(csvPath), creds, trans).Run(context.Background())

	var authErr *auth.Error
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *auth.Error, got %T: %v", err, err)
	}
	if trans.calls != 0 {
		t.Errorf("transport calls: got %d, want 0 (no sends after fatal auth failure)", trans.calls)
	}
}

func TestRunEscalatesAuthFailureOnce(t *testing.T) {
	t.Parallel()

	csvPath := writeCSV(t, "a@x.com,Alice,Acme,,,")

	creds := &fakeCreds{}
	trans := &fakeTransport{errs: []error{fakeAuthErr{}}}

	summary, err := New(defaultOptions(csvPath), creds, trans).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if creds.invalidateCalls != 1 {
		t.Errorf("invalidate calls: got %d, want 1", creds.invalidateCalls)
	}
	if trans.calls != 2 {
		t.Errorf("transport calls: got %d, want 2 (original + retry after re-validation)", trans.calls)
	}
	if summary.Sent != 1 {
		t.Errorf("sent count: got %d, want 1", summary.Sent)
	}
}

func TestRunSecondAuthFailureAborts(t *testing.T) {
	t.Parallel()

	csvPath := writeCSV(t,
		"a@x.com,Alice,Acme,,,",
		"b@y.com,Bob,Acme,,,",
	)

	creds := &fakeCreds{}
	trans := &fakeTransport{errs: []error{fakeAuthErr{}, fakeAuthErr{}}}

	summary, err := New(defaultOptions(csvPath), creds, trans).Run(context.Background())
	if err == nil {
		t.Fatal("expected fatal error after repeated auth rejection, got nil")
	}
	if summary == nil {
		t.Fatal("summary accumulated so far should be returned")
	}
	if len(summary.Results) != 0 {
		t.Errorf("result count: got %d, want 0 (run aborted on first recipient)", len(summary.Results))
	}
}

func TestRunCredentialDeathMidRunAborts(t *testing.T) {
	t.Parallel()

	csvPath := writeCSV(t,
		"a@x.com,Alice,Acme,,,",
		"b@y.com,Bob,Acme,,,",
	)

	// The transport surfaces a dead credential discovered during a send.
	trans := &fakeTransport{errs: []error{&auth.Error{Op: "token refresh", Err: errors.New("invalid_grant")}}}

	summary, err := New(defaultOptions(csvPath), &fakeCreds{}, trans).Run(context.Background())

	var authErr *auth.Error
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *auth.Error, got %T: %v", err, err)
	}
	if len(summary.Results) != 0 {
		t.Errorf("result count: got %d, want 0", len(summary.Results))
	}
	if trans.calls != 1 {
		t.Errorf("transport calls: got %d, want 1 (no further sends after fatal auth failure)", trans.calls)
	}
}

func TestRunTransportFailureIsPerRecipient(t *testing.T) {
	t.Parallel()

	csvPath := writeCSV(t,
		"a@x.com,Alice,Acme,,,",
		"b@y.com,Bob,Acme,,,",
	)

	trans := &fakeTransport{errs: []error{errors.New("Gmail API error (HTTP 500): backend error")}}

	summary, err := New(defaultOptions(csvPath), &fakeCreds{}, trans).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Failed != 1 || summary.Sent != 1 {
		t.Errorf("counts: got sent=%d failed=%d, want 1/1", summary.Sent, summary.Failed)
	}
	if summary.Results[0].Status != StatusFailed {
		t.Errorf("first result: got %q, want %q", summary.Results[0].Status, StatusFailed)
	}
	if summary.Results[1].Status != StatusSent {
		t.Errorf("second result: got %q, want %q", summary.Results[1].Status, StatusSent)
	}
}

func TestRunCancellationKeepsResults(t *testing.T) {
	t.Parallel()

	csvPath := writeCSV(t,
		"a@x.com,Alice,Acme,,,",
		"b@y.com,Bob,Acme,,,",
		"c@z.com,Cara,Acme,,,",
	)

	ctx, cancel := context.WithCancel(context.Background())

	// Cancel after the first delivery.
	trans := &cancellingTransport{cancel: cancel}

	summary, err := New(defaultOptions(csvPath), &fakeCreds{}, trans).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(summary.Results) != 1 {
		t.Errorf("result count: got %d, want 1 (results before cancel are kept)", len(summary.Results))
	}
}

// cancellingTransport cancels the run context after its first delivery.
type cancellingTransport struct {
	cancel context.CancelFunc
	calls  int
}

func (c *cancellingTransport) Send(_ context.Context, _ *email.Message) error {
	c.calls++
	if c.calls == 1 {
		c.cancel()
	}
	return nil
}

func (c *cancellingTransport) Name() string { return "cancelling" }

func TestRunAttachmentsInOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	common := filepath.Join(dir, "common.pdf")
	personal := filepath.Join(dir, "personal.txt")
	if err := os.WriteFile(common, []byte("common"), 0o644); err != nil {
		t.Fatalf("failed to write attachment: %v", err)
	}
	if err := os.WriteFile(personal, []byte("personal"), 0o644); err != nil {
		t.Fatalf("failed to write attachment: %v", err)
	}

	csvPath := writeCSV(t, "a@x.com,Alice,Acme,boss@x.com,archive@x.com,"+personal)

	opts := defaultOptions(csvPath)
	opts.CommonAttachments = []string{common}

	trans := &fakeTransport{}
	if _, err := New(opts, &fakeCreds{}, trans).Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := trans.sent[0]
	if len(msg.Attachments) != 2 {
		t.Fatalf("attachment count: got %d, want 2", len(msg.Attachments))
	}
	if msg.Attachments[0].Filename != "common.pdf" || msg.Attachments[1].Filename != "personal.txt" {
		t.Errorf("attachment order: got [%s %s], want [common.pdf personal.txt]",
			msg.Attachments[0].Filename, msg.Attachments[1].Filename)
	}
	if msg.Attachments[0].ContentType != "application/pdf" {
		t.Errorf("content type: got %q, want %q", msg.Attachments[0].ContentType, "application/pdf")
	}
	if len(msg.Cc) != 1 || msg.Cc[0] != "boss@x.com" {
		t.Errorf("Cc: got %v, want [boss@x.com]", msg.Cc)
	}
	if len(msg.Bcc) != 1 || msg.Bcc[0] != "archive@x.com" {
		t.Errorf("Bcc: got %v, want [archive@x.com]", msg.Bcc)
	}
}
