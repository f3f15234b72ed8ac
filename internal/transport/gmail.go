package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/shineum/gmail-merge/internal/email"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// defaultTimeout bounds each HTTP call to the Gmail API.
const defaultTimeout = 30 * time.Second

// TokenProvider supplies a valid access token for each API call.
// auth.Manager satisfies this interface.
type TokenProvider interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

// GmailConfig holds the configuration for creating a Gmail transport.
type GmailConfig struct {
	// Sender is the Gmail user to send as; "me" means the authorized account.
	Sender string

	// Tokens supplies the access token for each call.
	Tokens TokenProvider

	// Timeout bounds each HTTP call; defaultTimeout when zero.
	Timeout time.Duration
}

// Gmail sends messages via the Gmail API messages.send endpoint using an
// OAuth2 bearer token supplied by a TokenProvider.
type Gmail struct {
	sendURL    string
	httpClient *http.Client
	tokens     TokenProvider
}

// NewGmail creates a Gmail transport with the given configuration.
func NewGmail(cfg GmailConfig) *Gmail {
	sender := cfg.Sender
	if sender == "" {
		sender = "me"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Gmail{
		sendURL:    fmt.Sprintf("https://gmail.googleapis.com/gmail/v1/users/%s/messages/send", sender),
		httpClient: &http.Client{Timeout: timeout},
		tokens:     cfg.Tokens,
	}
}

// newGmailWithOverrides creates a Gmail transport with a custom send URL and
// HTTP client, used for testing.
func newGmailWithOverrides(cfg GmailConfig, sendURL string, client *http.Client) *Gmail {
	return &Gmail{
		sendURL:    sendURL,
		httpClient: client,
		tokens:     cfg.Tokens,
	}
}

// sendRequest is the messages.send request body: the RFC 822 message in
// URL-safe base64.
type sendRequest struct {
	Raw string `json:"raw"`
}

// apiErrorResponse is the standard Google API error envelope.
type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
	Errors  []struct {
		Reason string `json:"reason"`
	} `json:"errors"`
}

// Send delivers the message via the Gmail API. Transient failures are
// retried with exponential backoff, honoring Retry-After on rate limits.
// Authentication failures are returned without local retry so the caller
// can re-validate the credential.
func (g *Gmail) Send(ctx context.Context, msg *email.Message) error {
	raw, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	bodyJSON, err := json.Marshal(sendRequest{
		Raw: base64.URLEncoding.EncodeToString(raw),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying Gmail API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
		}

		err := g.doSendRequest(ctx, bodyJSON)
		if err == nil {
			return nil
		}

		lastErr = err

		var sendErr *SendError
		if !errors.As(err, &sendErr) {
			return err
		}

		switch {
		case sendErr.auth:
			return sendErr
		case sendErr.statusCode == http.StatusTooManyRequests:
			delay := retryAfterDelay(sendErr.retryAfter, attempt)
			slog.Info("rate limited by Gmail API",
				"retry_after", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
			continue
		case sendErr.transient:
			delay := backoffDelay(attempt)
			slog.Info("transient Gmail API error, retrying",
				"status", sendErr.statusCode,
				"delay", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
			continue
		default:
			return sendErr
		}
	}

	return fmt.Errorf("Gmail API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the transport name.
func (g *Gmail) Name() string {
	return "gmail"
}

// doSendRequest performs a single HTTP request to the messages.send endpoint.
func (g *Gmail) doSendRequest(ctx context.Context, bodyJSON []byte) error {
	tok, err := g.tokens.Token(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.sendURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return &SendError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)

	var apiErr apiErrorResponse
	if jsonErr := json.Unmarshal(body, &apiErr); jsonErr == nil && apiErr.Error.Message != "" {
		return classifyError(resp.StatusCode, apiErr.Error.Message, reasons(apiErr.Error), resp.Header.Get("Retry-After"))
	}

	return classifyError(resp.StatusCode, string(body), nil, resp.Header.Get("Retry-After"))
}

func reasons(e apiError) []string {
	out := make([]string, 0, len(e.Errors))
	for _, item := range e.Errors {
		out = append(out, item.Reason)
	}
	return out
}

// SendError represents an error from the Gmail API send operation with
// classification for retry logic.
type SendError struct {
	message    string
	statusCode int
	auth       bool
	permanent  bool
	transient  bool
	retryAfter string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("Gmail API error (HTTP %d): %s", e.statusCode, e.message)
}

// AuthFailure reports whether this error came from a rejected credential.
func (e *SendError) AuthFailure() bool {
	return e.auth
}

// IsAuth reports whether err is an authentication failure that requires
// credential re-validation.
func IsAuth(err error) bool {
	var af interface{ AuthFailure() bool }
	return errors.As(err, &af) && af.AuthFailure()
}

// rateLimitReasons are the 403 reason codes Gmail uses for per-account
// sending limits. Other 403s (e.g. insufficient permission) are permanent.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"dailyLimitExceeded":    true,
}

// classifyError categorizes an HTTP error response for retry decisions.
func classifyError(statusCode int, message string, errReasons []string, retryAfter string) *SendError {
	err := &SendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusUnauthorized:
		err.auth = true
	case statusCode == http.StatusForbidden:
		err.permanent = true
		for _, reason := range errReasons {
			if rateLimitReasons[reason] {
				err.permanent = false
				err.transient = true
				break
			}
		}
	case statusCode == http.StatusTooManyRequests:
		err.transient = true
	case statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}

	return err
}

// retryAfterDelay parses the Retry-After header value and returns the
// appropriate delay. Falls back to exponential backoff if the header is
// missing or unparseable.
func retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if retryAfter == "" {
		return backoffDelay(attempt)
	}

	seconds, err := strconv.Atoi(retryAfter)
	if err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	return backoffDelay(attempt)
}

// backoffDelay returns the exponential backoff delay for the given attempt
// number. Delays are: 1s, 2s, 4s
func backoffDelay(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
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
