package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// authorize runs the one-time interactive consent flow: it starts a loopback
// redirect listener, presents the authorization URL to the operator, and
// blocks until the browser callback delivers an authorization code or ctx is
// cancelled. The exchanged token and the granted scope list are returned.
func (m *Manager) authorize(ctx context.Context) (*oauth2.Token, []string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start consent listener: %w", err)
	}
	defer ln.Close()

	conf := *m.conf
	conf.RedirectURL = fmt.Sprintf("http://%s/callback", ln.Addr().String())

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			errCh <- fmt.Errorf("consent callback state mismatch")
			return
		}
		if errCode := q.Get("error"); errCode != "" {
			http.Error(w, "authorization declined", http.StatusBadRequest)
			errCh <- fmt.Errorf("authorization declined: %s", errCode)
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing authorization code", http.StatusBadRequest)
			errCh <- fmt.Errorf("consent callback missing authorization code")
			return
		}
		fmt.Fprintln(w, "Authorization complete. You can close this window.")
		codeCh <- code
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	defer srv.Close()

	authURL := conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
	m.prompt(authURL)

	var code string
	select {
	case <-ctx.Done():
		return nil, nil, &Error{Op: "consent", Err: ctx.Err()}
	case err := <-errCh:
		return nil, nil, &Error{Op: "consent", Err: err}
	case code = <-codeCh:
	}

	tok, err := conf.Exchange(m.contextWithHTTPClient(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, nil, &Error{Op: "code exchange", Err: err}
	}

	return tok, grantedScopes(tok), nil
}

// defaultPrompt prints the consent URL for the operator to open.
func defaultPrompt(authURL string) {
	fmt.Fprintf(os.Stderr, "Open the following URL in a browser to authorize sending:\n\n  %s\n\n", authURL)
}
