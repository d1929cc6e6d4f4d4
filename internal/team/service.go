// Package team proxies team operations to the competition backend and keeps
// a per-user read-through cache of team state. The backend is the authority
// on uniqueness, size limits and code validity; the only local validation
// is the cheap kind that avoids a wasted round-trip.
package team

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/modelarena/portal/internal/domain"
	"github.com/modelarena/portal/internal/errors"
	"github.com/modelarena/portal/internal/event"
)

// Backend is the slice of the backend client this service uses.
type Backend interface {
	GetTeam(ctx context.Context, token string) (*domain.Team, error)
	CreateTeam(ctx context.Context, token, name string) (string, error)
	JoinTeam(ctx context.Context, token, code string) (string, error)
	LeaveTeam(ctx context.Context, token string) (string, error)
}

type Config struct {
	Backend  Backend
	EventBus *event.Bus
}

type Service struct {
	backend Backend
	eb      *event.Bus

	mu sync.Mutex
	// cache maps user email to the last fetched team state. A present entry
	// with a nil team means "known to have no team"; mutations invalidate
	// and re-fetch so the panel updates without a reload.
	cache map[string]*entry
}

type entry struct {
	team *domain.Team
}

func NewService(c Config) *Service {
	return &Service{
		backend: c.Backend,
		eb:      c.EventBus,
		cache:   make(map[string]*entry),
	}
}

// Team returns the user's current team, or nil when they have none. The
// cached state is served when present; otherwise the backend is asked and
// the answer cached wholesale.
func (s *Service) Team(ctx context.Context, sess *domain.Session) (*domain.Team, error) {
	if err := requireSession(sess); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if e, ok := s.cache[sess.User.Email]; ok {
		t := e.team
		s.mu.Unlock()
		return t, nil
	}
	s.mu.Unlock()

	return s.refetch(ctx, sess)
}

// CreateTeam creates a team and re-fetches the resulting team state.
func (s *Service) CreateTeam(ctx context.Context, sess *domain.Session, name string) (*domain.Team, error) {
	if err := requireSession(sess); err != nil {
		return nil, err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessage("team name must not be empty"))
	}

	if _, err := s.backend.CreateTeam(ctx, sess.AccessToken, name); err != nil {
		return nil, err
	}

	t, err := s.refetch(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("refetch after create: %w", err)
	}

	s.eb.Publish(ctx, domain.EventTeamChanged{Email: sess.User.Email, Action: "create", Team: t})
	return t, nil
}

// JoinTeam joins via a team code. Codes are trimmed and uppercased before
// the request is issued.
func (s *Service) JoinTeam(ctx context.Context, sess *domain.Session, code string) (*domain.Team, error) {
	if err := requireSession(sess); err != nil {
		return nil, err
	}

	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessage("team code must not be empty"))
	}

	if _, err := s.backend.JoinTeam(ctx, sess.AccessToken, code); err != nil {
		return nil, err
	}

	t, err := s.refetch(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("refetch after join: %w", err)
	}

	s.eb.Publish(ctx, domain.EventTeamChanged{Email: sess.User.Email, Action: "join", Team: t})
	return t, nil
}

// LeaveTeam leaves the current team. On success the cached team state is
// cleared immediately; no re-fetch is needed to know there is no team.
func (s *Service) LeaveTeam(ctx context.Context, sess *domain.Session) error {
	if err := requireSession(sess); err != nil {
		return err
	}

	if _, err := s.backend.LeaveTeam(ctx, sess.AccessToken); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[sess.User.Email] = &entry{team: nil}
	s.mu.Unlock()

	s.eb.Publish(ctx, domain.EventTeamChanged{Email: sess.User.Email, Action: "leave"})
	return nil
}

// Invalidate drops the cached state for a user, forcing the next read to
// hit the backend. Used when a session is revoked.
func (s *Service) Invalidate(email string) {
	s.mu.Lock()
	delete(s.cache, email)
	s.mu.Unlock()
}

func (s *Service) refetch(ctx context.Context, sess *domain.Session) (*domain.Team, error) {
	t, err := s.backend.GetTeam(ctx, sess.AccessToken)
	if err != nil {
		if errors.IsCode(err, errors.CodeNotFound) {
			s.mu.Lock()
			s.cache[sess.User.Email] = &entry{team: nil}
			s.mu.Unlock()
			return nil, nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.cache[sess.User.Email] = &entry{team: t}
	s.mu.Unlock()

	return t, nil
}

func requireSession(sess *domain.Session) error {
	if sess == nil || sess.AccessToken == "" {
		return errors.New(errors.CodeUnauthenticated,
			errors.WithMessage("you must be signed in to manage a team"))
	}
	return nil
}
