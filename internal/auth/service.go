// Package auth owns the authenticated session lifecycle: the OIDC redirect
// flow, the mandatory backend verification on every fresh session, token
// refresh, and forced sign-out. A session is authenticated only while a
// non-empty bearer token exists AND its most recent backend verification
// succeeded; a provider-level sign-in alone is never sufficient.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelarena/portal/internal/backend"
	"github.com/modelarena/portal/internal/domain"
	"github.com/modelarena/portal/internal/errors"
	"github.com/modelarena/portal/internal/event"
	"github.com/modelarena/portal/internal/identity"
)

const defaultReverifyAfter = 5 * time.Minute

// Stage markers for callback failures, so the web layer can annotate the
// landing page without inspecting backend internals.
var (
	ErrExchange     = stderrors.New("auth: code exchange failed")
	ErrVerification = stderrors.New("auth: backend verification failed")
)

// Identity is the identity-provider client surface this service needs.
type Identity interface {
	AuthCodeURL(state, nonce string) string
	Exchange(ctx context.Context, code, nonce string) (identity.Token, domain.User, error)
	Refresh(ctx context.Context, refreshToken string) (identity.Token, error)
}

// Store persists sessions. Implemented by the session service.
type Store interface {
	Create(ctx context.Context, ss *domain.Session) error
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	UpdateTokens(ctx context.Context, sessionID, accessToken, refreshToken string, expiresAt time.Time) error
	Touch(ctx context.Context, sessionID string, verifiedAt time.Time) error
	Delete(ctx context.Context, sessionID string) error
}

// Verifier is the backend verification gate.
type Verifier interface {
	VerifyUser(ctx context.Context, token string) (backend.UserStatus, error)
}

type Config struct {
	Identity Identity
	Store    Store
	Verifier Verifier
	EventBus *event.Bus

	// ReverifyAfter is how stale a session's last successful backend
	// verification may be before Resolve re-verifies it.
	ReverifyAfter time.Duration
}

type Service struct {
	idp      Identity
	store    Store
	verifier Verifier
	eb       *event.Bus

	reverifyAfter time.Duration
}

func NewService(c Config) *Service {
	ra := c.ReverifyAfter
	if ra <= 0 {
		ra = defaultReverifyAfter
	}

	return &Service{
		idp:           c.Identity,
		store:         c.Store,
		verifier:      c.Verifier,
		eb:            c.EventBus,
		reverifyAfter: ra,
	}
}

// Flow holds the one-shot parameters of a started login redirect. State and
// nonce round-trip through short-lived cookies and the provider.
type Flow struct {
	State string
	Nonce string
	URL   string
}

// Begin starts the redirect-based login flow.
func (s *Service) Begin(_ context.Context) (Flow, error) {
	state, err := randomToken()
	if err != nil {
		return Flow{}, fmt.Errorf("auth: generate state: %w", err)
	}
	nonce, err := randomToken()
	if err != nil {
		return Flow{}, fmt.Errorf("auth: generate nonce: %w", err)
	}

	return Flow{
		State: state,
		Nonce: nonce,
		URL:   s.idp.AuthCodeURL(state, nonce),
	}, nil
}

// Complete finishes the callback leg: it exchanges the authorization code,
// then runs the mandatory backend verification. Nothing is persisted unless
// both steps succeed, so any failure leaves the caller fully signed out.
func (s *Service) Complete(ctx context.Context, code, nonce string) (*domain.Session, error) {
	tok, user, err := s.idp.Exchange(ctx, code, nonce)
	if err != nil {
		return nil, stderrors.Join(ErrExchange, err)
	}

	if _, err := s.verifier.VerifyUser(ctx, tok.AccessToken); err != nil {
		// The provider session is abandoned and never persisted.
		return nil, stderrors.Join(ErrVerification, err)
	}

	now := time.Now()
	ss := &domain.Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		User:         user,
		ExpiresAt:    tok.ExpiresAt,
		VerifiedAt:   now,
		CreatedAt:    now,
	}
	if err := s.store.Create(ctx, ss); err != nil {
		return nil, fmt.Errorf("auth: persist session: %w", err)
	}

	s.eb.Publish(ctx, domain.EventSessionCreated{Session: *ss})

	return ss, nil
}

// Resolved is the per-request authentication state.
type Resolved struct {
	Session *domain.Session
}

func (r Resolved) IsAuthenticated() bool {
	return r.Session != nil && r.Session.AccessToken != ""
}

func (r Resolved) User() *domain.User {
	if r.Session == nil {
		return nil
	}
	return &r.Session.User
}

// Resolve loads the persisted session for a request. An expired access
// token is refreshed in place; a session whose verification has gone stale
// is re-verified against the backend. Any failure on either path destroys
// the session and reports anonymous — errors are never retried here and
// never surface beyond "not authenticated".
func (s *Service) Resolve(ctx context.Context, sessionID string) (Resolved, error) {
	if sessionID == "" {
		return Resolved{}, nil
	}

	ss, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.IsCode(err, errors.CodeNotFound) {
			return Resolved{}, nil
		}
		return Resolved{}, fmt.Errorf("auth: load session: %w", err)
	}

	if !ss.ExpiresAt.IsZero() && time.Now().After(ss.ExpiresAt) {
		tok, err := s.idp.Refresh(ctx, ss.RefreshToken)
		if err != nil {
			slog.InfoContext(ctx, "auth: token refresh failed, revoking session",
				"session_id", ss.SessionID, "error", err)
			s.revoke(ctx, ss, "refresh_failed")
			return Resolved{}, nil
		}

		if err := s.store.UpdateTokens(ctx, ss.SessionID, tok.AccessToken, tok.RefreshToken, tok.ExpiresAt); err != nil {
			return Resolved{}, fmt.Errorf("auth: persist refreshed tokens: %w", err)
		}
		ss.AccessToken = tok.AccessToken
		ss.RefreshToken = tok.RefreshToken
		ss.ExpiresAt = tok.ExpiresAt
	}

	if time.Since(ss.VerifiedAt) > s.reverifyAfter {
		if _, err := s.verifier.VerifyUser(ctx, ss.AccessToken); err != nil {
			slog.InfoContext(ctx, "auth: re-verification failed, revoking session",
				"session_id", ss.SessionID, "error", err)
			s.revoke(ctx, ss, "verification_failed")
			return Resolved{}, nil
		}

		now := time.Now()
		if err := s.store.Touch(ctx, ss.SessionID, now); err != nil {
			return Resolved{}, fmt.Errorf("auth: touch session: %w", err)
		}
		ss.VerifiedAt = now
	}

	return Resolved{Session: ss}, nil
}

// Logout destroys the persisted session. The caller clears the cookie and
// navigates back to the landing page.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	ss, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.IsCode(err, errors.CodeNotFound) {
			return nil
		}
		return fmt.Errorf("auth: load session: %w", err)
	}

	s.revoke(ctx, ss, "logout")
	return nil
}

func (s *Service) revoke(ctx context.Context, ss *domain.Session, reason string) {
	if err := s.store.Delete(ctx, ss.SessionID); err != nil {
		slog.ErrorContext(ctx, "auth: delete session failed",
			"session_id", ss.SessionID, "error", err)
	}

	s.eb.Publish(ctx, domain.EventSessionRevoked{
		SessionID: ss.SessionID,
		Email:     ss.User.Email,
		Reason:    reason,
	})
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
