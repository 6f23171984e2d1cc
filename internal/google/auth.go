package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"calembed/internal/models"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

// CredentialSupplier hands out a token source for the Calendar API.
// It fails with models.ErrAuth when no valid credential can be obtained or refreshed.
type CredentialSupplier interface {
	Credentials(ctx context.Context) (oauth2.TokenSource, error)
}

// TokenFileSupplier loads an OAuth token from disk and writes refreshed tokens back.
type TokenFileSupplier struct {
	config    *oauth2.Config
	tokenFile string
	logger    *slog.Logger
}

// NewTokenFileSupplier creates a supplier backed by tokenFile.
func NewTokenFileSupplier(logger *slog.Logger, config *oauth2.Config, tokenFile string) *TokenFileSupplier {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenFileSupplier{
		config:    config,
		tokenFile: tokenFile,
		logger:    logger.With("component", "google-credentials"),
	}
}

// Credentials returns a token source that refreshes as needed.
// The stored token is validated (and refreshed if expired) before returning,
// so an unusable credential fails here rather than on the first API call.
func (s *TokenFileSupplier) Credentials(ctx context.Context) (oauth2.TokenSource, error) {
	token, err := tokenFromFile(s.tokenFile)
	if err != nil {
		return nil, fmt.Errorf("%w: could not load token from %s: %w. Please run the 'auth' command first", models.ErrAuth, s.tokenFile, err)
	}

	base := &persistingTokenSource{
		base:   s.config.TokenSource(ctx, token),
		path:   s.tokenFile,
		last:   token.AccessToken,
		logger: s.logger,
	}
	current, err := base.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: could not refresh token from %s: %w", models.ErrAuth, s.tokenFile, err)
	}

	return oauth2.ReuseTokenSource(current, base), nil
}

// persistingTokenSource saves every token that differs from the last one it saw.
type persistingTokenSource struct {
	base   oauth2.TokenSource
	path   string
	last   string
	logger *slog.Logger
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	if token.AccessToken != p.last {
		if err := SaveToken(p.path, token); err != nil {
			p.logger.Warn("Failed to persist refreshed token", "file", p.path, "error", err)
		} else {
			p.logger.Debug("Persisted refreshed token", "file", p.path)
		}
		p.last = token.AccessToken
	}
	return token, nil
}

// OAuthConfig reads credentials and returns an OAuth2 config.
// It prioritizes explicit client credentials over the credentials file.
func OAuthConfig(clientID, clientSecret, credentialsFile string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Scopes:       []string{calendar.CalendarReadonlyScope},
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or the credentials file", models.ErrAuth, credentialsFile)
		}
		return nil, fmt.Errorf("%w: unable to read client secret file: %w", models.ErrAuth, err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to parse client secret file to config: %w", models.ErrAuth, err)
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob" // For desktop app flow
	return config, nil
}

// TokenFromWeb is called by the auth flow to exchange an authorization code for a token.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

// SaveToken saves a token to a file path.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// tokenFromFile retrieves a token from a local file.
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}
