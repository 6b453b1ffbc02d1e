// Package gmailauth acquires short-lived Gmail access tokens from a
// long-lived refresh token, for XOAUTH2 IMAP authentication.
package gmailauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/eventspay/payverif/internal/pkg/env"
)

// ErrNotConfigured is returned while any of the three credentials is missing.
var ErrNotConfigured = errors.New("gmail oauth2 credentials not configured")

// Provider caches the current access token and refreshes it shortly before
// expiry. Safe for concurrent use.
type Provider struct {
	clientID     string
	clientSecret string
	refreshToken string
	tokenURL     string

	mu     sync.Mutex
	cached *oauth2.Token
}

// Option adjusts a Provider; used by tests to point at a local token server.
type Option func(*Provider)

func WithTokenURL(u string) Option {
	return func(p *Provider) { p.tokenURL = u }
}

func New(clientID, clientSecret, refreshToken string, opts ...Option) *Provider {
	p := &Provider{
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
		tokenURL:     google.Endpoint.TokenURL,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewFromEnv reads GMAIL_CLIENT_ID / GMAIL_CLIENT_SECRET / GMAIL_REFRESH_TOKEN.
func NewFromEnv() *Provider {
	return New(
		env.GetEnv("GMAIL_CLIENT_ID", ""),
		env.GetEnv("GMAIL_CLIENT_SECRET", ""),
		env.GetEnv("GMAIL_REFRESH_TOKEN", ""),
	)
}

// AccessToken returns a valid access token, refreshing through the token
// endpoint when the cached one is within 30s of expiry.
func (p *Provider) AccessToken() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && time.Now().Before(p.cached.Expiry.Add(-30*time.Second)) {
		return p.cached.AccessToken, nil
	}
	if p.clientID == "" || p.clientSecret == "" || p.refreshToken == "" {
		return "", ErrNotConfigured
	}

	conf := &oauth2.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: p.tokenURL},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: p.refreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("refresh access token: %w", err)
	}
	p.cached = tok
	return tok.AccessToken, nil
}
