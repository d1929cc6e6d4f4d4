// Package identity wraps the hosted OIDC redirect flow of the external
// identity provider. It produces bearer tokens and user identity records;
// whether a user is allowed into the platform is decided elsewhere, by the
// competition backend.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/modelarena/portal/internal/domain"
	"github.com/modelarena/portal/internal/errors"
)

type Config struct {
	// IssuerURL is the provider's OIDC issuer, used for endpoint discovery.
	IssuerURL    string
	ClientID     string
	ClientSecret string
	// RedirectURL is this portal's callback route, absolute.
	RedirectURL string
}

type Client struct {
	provider *oidc.Provider
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// Token is the provider-issued credential pair for one session.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func New(ctx context.Context, c Config) (*Client, error) {
	provider, err := oidc.NewProvider(ctx, c.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("identity: discover provider: %w", err)
	}

	return &Client{
		provider: provider,
		oauth: oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  c.RedirectURL,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: c.ClientID}),
	}, nil
}

// AuthCodeURL returns the provider redirect URL that starts the hosted
// login flow. The state round-trips through the provider; the nonce is
// checked against the ID token on the way back.
func (c *Client) AuthCodeURL(state, nonce string) string {
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oidc.Nonce(nonce))
}

// Exchange trades an authorization code for a token pair and the verified
// user identity. The ID token signature and nonce are checked; a missing or
// unverifiable ID token fails the whole exchange.
func (c *Client) Exchange(ctx context.Context, code, nonce string) (Token, domain.User, error) {
	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return Token{}, domain.User{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("identity: code exchange failed"),
			errors.WithCause(err),
		)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok {
		return Token{}, domain.User{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("identity: no ID token in exchange response"))
	}

	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Token{}, domain.User{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("identity: ID token verification failed"),
			errors.WithCause(err),
		)
	}

	if nonce != "" && idToken.Nonce != nonce {
		return Token{}, domain.User{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("identity: nonce mismatch"))
	}

	var claims struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Token{}, domain.User{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("identity: extract claims failed"),
			errors.WithCause(err),
		)
	}

	if claims.Sub == "" || claims.Email == "" {
		return Token{}, domain.User{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("identity: incomplete identity claims"))
	}

	return Token{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    tok.Expiry,
		}, domain.User{
			ID:          claims.Sub,
			Email:       claims.Email,
			DisplayName: claims.Name,
		}, nil
}

// Refresh exchanges a refresh token for a replacement token pair. Providers
// may rotate the refresh token; callers must persist the returned one.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	ts := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := ts.Token()
	if err != nil {
		return Token{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("identity: token refresh failed"),
			errors.WithCause(err),
		)
	}

	out := Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}

	return out, nil
}
