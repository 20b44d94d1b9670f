package cli

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
)

const authWait = 3 * time.Minute

// newGDriveAuthCmd obtains the refresh token the Google Drive mirror needs.
// It runs the installed-app OAuth flow against a callback on localhost.
func newGDriveAuthCmd() *cobra.Command {
	var clientID, clientSecret string

	cmd := &cobra.Command{
		Use:   "gdrive-auth",
		Short: "Obtain a Google Drive refresh token for the storage mirror",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if clientID == "" || clientSecret == "" {
				return fmt.Errorf("--client-id and --client-secret are required (or GDRIVE_CLIENT_ID / GDRIVE_CLIENT_SECRET)")
			}

			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				return err
			}
			defer ln.Close()

			port := ln.Addr().(*net.TCPAddr).Port
			conf := &oauth2.Config{
				ClientID:     clientID,
				ClientSecret: clientSecret,
				Endpoint:     google.Endpoint,
				Scopes:       []string{drive.DriveFileScope},
				RedirectURL:  fmt.Sprintf("http://127.0.0.1:%d/callback", port),
			}

			state, err := randomState()
			if err != nil {
				return err
			}
			authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
			code, err := awaitCode(cmd.Context(), ln, state, func() {
				out := cmd.OutOrStdout()
				printf(out, "Open this URL in your browser:\n\n%s\n\n", authURL)
				printf(out, "Waiting for authorization on %s\n", conf.RedirectURL)
			})
			if err != nil {
				return err
			}

			tok, err := conf.Exchange(cmd.Context(), code)
			if err != nil {
				return fmt.Errorf("exchange authorization code: %w", err)
			}
			if strings.TrimSpace(tok.RefreshToken) == "" {
				return fmt.Errorf("no refresh token returned; revoke the app at https://myaccount.google.com/permissions and run again")
			}

			printf(cmd.OutOrStdout(), "\nGDRIVE_REFRESH_TOKEN=%s\n", tok.RefreshToken)
			return nil
		},
	}

	cmd.Flags().StringVar(&clientID, "client-id", envOr("GDRIVE_CLIENT_ID", ""), "OAuth client ID")
	cmd.Flags().StringVar(&clientSecret, "client-secret", envOr("GDRIVE_CLIENT_SECRET", ""), "OAuth client secret")
	return cmd
}

// awaitCode serves the OAuth callback on ln until a code with the expected
// state arrives, the user denies access, or authWait passes.
func awaitCode(ctx context.Context, ln net.Listener, state string, announce func()) (string, error) {
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var err error
		switch {
		case q.Get("state") != state:
			err = fmt.Errorf("invalid state")
		case q.Get("error") != "":
			err = fmt.Errorf("authorization denied: %s", q.Get("error"))
		case q.Get("code") == "":
			err = fmt.Errorf("missing code")
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			select {
			case errCh <- err:
			default:
			}
			return
		}
		fmt.Fprintln(w, "Authorized. You can close this window.")
		select {
		case codeCh <- q.Get("code"):
		default:
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	announce()

	timer := time.NewTimer(authWait)
	defer timer.Stop()
	select {
	case code := <-codeCh:
		return code, nil
	case err := <-errCh:
		return "", err
	case <-timer.C:
		return "", fmt.Errorf("timed out waiting for authorization")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func randomState() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
