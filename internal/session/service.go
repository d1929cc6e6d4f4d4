package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/modelarena/portal/internal/domain"
	"github.com/modelarena/portal/internal/errors"
)

type Config struct {
	DB *pgxpool.Pool
}

// Service persists authenticated sessions. There is a single writer per
// session (the auth service) and many readers; the browser only carries the
// opaque session ID.
type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{
		db: c.DB,
	}
}

// Create assigns a fresh session ID and persists the session.
func (s *Service) Create(ctx context.Context, ss *domain.Session) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate session ID: %w", err)
	}

	const stmt = `
INSERT INTO sessions (session_id, access_token, refresh_token, user_id, email, display_name, expires_at, verified_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`

	now := time.Now()
	if ss.CreatedAt.IsZero() {
		ss.CreatedAt = now
	}

	_, err = s.db.Exec(ctx, stmt,
		id, ss.AccessToken, ss.RefreshToken,
		ss.User.ID, ss.User.Email, ss.User.DisplayName,
		ss.ExpiresAt, ss.VerifiedAt, ss.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	ss.SessionID = id.String()
	return nil
}

func (s *Service) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	const stmt = `
SELECT session_id, access_token, refresh_token, user_id, email, display_name, expires_at, verified_at, created_at
FROM sessions
WHERE session_id = $1;`

	var ss domain.Session
	err := s.db.QueryRow(ctx, stmt, sessionID).Scan(
		&ss.SessionID, &ss.AccessToken, &ss.RefreshToken,
		&ss.User.ID, &ss.User.Email, &ss.User.DisplayName,
		&ss.ExpiresAt, &ss.VerifiedAt, &ss.CreatedAt,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("session not found: %s", sessionID))
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}

	return &ss, nil
}

// UpdateTokens replaces the token pair in place after a provider refresh.
// The session keeps its identity and ID.
func (s *Service) UpdateTokens(ctx context.Context, sessionID, accessToken, refreshToken string, expiresAt time.Time) error {
	const stmt = `
UPDATE sessions
SET access_token = $2, refresh_token = $3, expires_at = $4
WHERE session_id = $1;`

	ct, err := s.db.Exec(ctx, stmt, sessionID, accessToken, refreshToken, expiresAt)
	if err != nil {
		return fmt.Errorf("update session tokens: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("session not found: %s", sessionID))
	}

	return nil
}

// Touch records a successful backend verification time.
func (s *Service) Touch(ctx context.Context, sessionID string, verifiedAt time.Time) error {
	const stmt = `UPDATE sessions SET verified_at = $2 WHERE session_id = $1;`

	if _, err := s.db.Exec(ctx, stmt, sessionID, verifiedAt); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	return nil
}

func (s *Service) Delete(ctx context.Context, sessionID string) error {
	const stmt = `DELETE FROM sessions WHERE session_id = $1;`

	if _, err := s.db.Exec(ctx, stmt, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	return nil
}

// DeleteExpired sweeps sessions whose tokens expired before the cutoff.
// Sessions with pending refresh tokens are kept for the grace window.
func (s *Service) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	const stmt = `DELETE FROM sessions WHERE expires_at < $1;`

	ct, err := s.db.Exec(ctx, stmt, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}

	return ct.RowsAffected(), nil
}
