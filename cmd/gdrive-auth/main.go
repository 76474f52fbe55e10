// Command gdrive-auth runs the OAuth consent flow once and prints the
// refresh token to put in GDRIVE_REFRESH_TOKEN.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"

	"fluidsim/internal/config"
)

const consentTimeout = 3 * time.Minute

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "gdrive-auth:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Parse(os.Environ())
	if err != nil {
		return err
	}
	creds := cfg.Storage.GDrive
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return errors.New("GDRIVE_CLIENT_ID and GDRIVE_CLIENT_SECRET are required")
	}

	cb, err := listen()
	if err != nil {
		return err
	}
	defer cb.close()

	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     google.Endpoint,
		// Only files this app creates.
		Scopes:      []string{drive.DriveFileScope},
		RedirectURL: cb.redirectURL,
	}

	// prompt=consent makes Google hand out a refresh token every time.
	authURL := conf.AuthCodeURL(cb.state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	fmt.Printf("\nOpen this URL in your browser:\n\n%s\n\nWaiting for authorization on %s\n", authURL, cb.redirectURL)

	code, err := cb.wait(consentTimeout)
	if err != nil {
		return err
	}

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}
	if strings.TrimSpace(tok.RefreshToken) == "" {
		return errors.New("no refresh token received; revoke the app at https://myaccount.google.com/permissions and run again")
	}

	fmt.Printf("\nGDRIVE_REFRESH_TOKEN=%s\n", tok.RefreshToken)
	return nil
}

// callback is a one-shot loopback server receiving the OAuth redirect.
type callback struct {
	srv         *http.Server
	state       string
	redirectURL string
	codes       chan string
	errs        chan error
}

func listen() (*callback, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	cb := &callback{
		state:       randomState(),
		redirectURL: fmt.Sprintf("http://127.0.0.1:%d/callback", ln.Addr().(*net.TCPAddr).Port),
		codes:       make(chan string, 1),
		errs:        make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", cb.handle)
	cb.srv = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() { _ = cb.srv.Serve(ln) }()

	return cb, nil
}

func (cb *callback) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var err error
	switch {
	case q.Get("state") != cb.state:
		err = errors.New("invalid state")
	case q.Get("error") != "":
		err = fmt.Errorf("authorization denied: %s", q.Get("error"))
	case q.Get("code") == "":
		err = errors.New("missing code")
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		select {
		case cb.errs <- err:
		default:
		}
		return
	}

	fmt.Fprintln(w, "Done. You can close this window and go back to the terminal.")
	select {
	case cb.codes <- q.Get("code"):
	default:
	}
}

func (cb *callback) wait(timeout time.Duration) (string, error) {
	select {
	case code := <-cb.codes:
		return code, nil
	case err := <-cb.errs:
		return "", err
	case <-time.After(timeout):
		return "", errors.New("timed out waiting for authorization")
	}
}

func (cb *callback) close() { _ = cb.srv.Close() }

func randomState() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
