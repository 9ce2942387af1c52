// Package auth manages Fitbit OAuth2 credentials: the authorization-code
// exchange, durable token storage, and refresh. It implements the token
// source the fetch orchestrator consumes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Fitbit OAuth2 endpoints.
const (
	AuthURL  = "https://www.fitbit.com/oauth2/authorize"
	TokenURL = "https://api.fitbit.com/oauth2/token"
)

// Scopes requests every data category the resource catalog can fetch.
var Scopes = []string{
	"activity",
	"heartrate",
	"location",
	"nutrition",
	"profile",
	"settings",
	"sleep",
	"social",
	"weight",
	"oxygen_saturation",
	"respiratory_rate",
	"temperature",
	"cardio_fitness",
}

// ErrNotAuthenticated is returned when no stored token exists.
var ErrNotAuthenticated = errors.New("not authenticated: run `fitpull authorize` first")

// Config holds OAuth2 client settings.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Provider is a durable token source. It satisfies the orchestrator's
// TokenSource interface.
type Provider struct {
	conf   *oauth2.Config
	store  *TokenStore
	logger zerolog.Logger
}

// NewProvider creates a provider over the given token store.
func NewProvider(cfg Config, store *TokenStore, logger zerolog.Logger) (*Provider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client_id and client_secret are required")
	}
	redirect := cfg.RedirectURL
	if redirect == "" {
		redirect = "http://localhost:8080/"
	}
	return &Provider{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  redirect,
			Scopes:       Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  AuthURL,
				TokenURL: TokenURL,
			},
		},
		store:  store,
		logger: logger,
	}, nil
}

// Authenticated reports whether a stored token exists.
func (p *Provider) Authenticated() bool {
	_, err := p.store.Load()
	return err == nil
}

// AuthorizationURL returns the URL the user must visit to grant access.
func (p *Provider) AuthorizationURL(state string) string {
	return p.conf.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for tokens and persists them.
func (p *Provider) Exchange(ctx context.Context, code string) error {
	tok, err := p.conf.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}
	if err := p.store.Save(tok); err != nil {
		return err
	}
	p.logger.Info().Msg("Authorization complete, tokens saved")
	return nil
}

// CurrentToken returns the stored bearer token for the next request.
func (p *Provider) CurrentToken() (string, error) {
	tok, err := p.store.Load()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Refresh exchanges the stored refresh token for a new access token and
// persists the result. A failure means the user must re-authorize.
func (p *Provider) Refresh() (string, error) {
	tok, err := p.store.Load()
	if err != nil {
		return "", err
	}
	if tok.RefreshToken == "" {
		return "", fmt.Errorf("no refresh token stored")
	}

	// Force a refresh regardless of the stored expiry: the remote already
	// rejected the access token.
	stale := &oauth2.Token{
		RefreshToken: tok.RefreshToken,
		Expiry:       time.Now().Add(-time.Hour),
	}
	fresh, err := p.conf.TokenSource(context.Background(), stale).Token()
	if err != nil {
		return "", fmt.Errorf("refreshing token: %w", err)
	}
	if err := p.store.Save(fresh); err != nil {
		return "", err
	}
	p.logger.Info().Time("expiry", fresh.Expiry).Msg("Access token refreshed")
	return fresh.AccessToken, nil
}

// CodeFromRedirect extracts the authorization code from a pasted redirect
// URL (the flow prints the URL and the user pastes the full callback back).
func CodeFromRedirect(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing redirect URL: %w", err)
	}
	code := u.Query().Get("code")
	if code == "" {
		return "", fmt.Errorf("redirect URL carries no code parameter")
	}
	return code, nil
}
