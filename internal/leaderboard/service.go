// Package leaderboard keeps a redis-backed cache of the backend's
// leaderboard and refreshes it on a fixed interval. Readers always see the
// cached snapshot; only a cold cache triggers a synchronous fetch, so
// background refreshes are invisible to page loads.
package leaderboard

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelarena/portal/internal/domain"
	"github.com/modelarena/portal/internal/errors"
	"github.com/modelarena/portal/internal/event"
)

// pollInterval matches the backend's refresh cron.
const pollInterval = 5 * time.Minute

// Source fetches the authoritative leaderboard, implemented by the backend
// client.
type Source interface {
	GetLeaderboard(ctx context.Context) (*domain.Leaderboard, error)
}

type Config struct {
	Source   Source
	Redis    redis.UniversalClient
	Prefix   string
	EventBus *event.Bus

	// PollInterval overrides the refresh cadence, used in tests.
	PollInterval time.Duration
	// NewTickerFunc overrides ticker construction, used in tests.
	NewTickerFunc func(d time.Duration) Ticker
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type Service struct {
	source Source
	redis  redis.UniversalClient
	prefix string
	eb     *event.Bus

	interval  time.Duration
	newTicker func(d time.Duration) Ticker
}

func NewService(c Config) *Service {
	s := &Service{
		source:    c.Source,
		redis:     c.Redis,
		prefix:    c.Prefix,
		eb:        c.EventBus,
		interval:  c.PollInterval,
		newTicker: c.NewTickerFunc,
	}

	if s.interval <= 0 {
		s.interval = pollInterval
	}
	if s.newTicker == nil {
		s.newTicker = func(d time.Duration) Ticker {
			return tickerAdapter{time.NewTicker(d)}
		}
	}

	return s
}

// Get returns the cached leaderboard snapshot, filling the cache
// synchronously when it is cold.
func (s *Service) Get(ctx context.Context) (*domain.Leaderboard, error) {
	raw, err := s.redis.Get(ctx, s.snapshotKey()).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return s.Refresh(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("get leaderboard snapshot: %w", err)
	}

	var l domain.Leaderboard
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("decode leaderboard snapshot: %w", err)
	}

	return &l, nil
}

// Rank returns a team's 1-based rank in the cached leaderboard.
func (s *Service) Rank(ctx context.Context, teamName string) (int64, error) {
	r, err := s.redis.ZRevRank(ctx, s.ranksKey(), teamName).Result()
	if stderrors.Is(err, redis.Nil) {
		return 0, errors.New(errors.CodeNotFound,
			errors.WithMessagef("team not ranked: %s", teamName))
	}
	if err != nil {
		return 0, fmt.Errorf("get team rank: %w", err)
	}

	return r + 1, nil
}

// Refresh replaces the cached leaderboard wholesale with the backend's
// current answer and publishes leaderboard.updated when the content
// changed. There is no merging or diffing of entries.
func (s *Service) Refresh(ctx context.Context) (*domain.Leaderboard, error) {
	l, err := s.source.GetLeaderboard(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch leaderboard: %w", err)
	}

	raw, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("encode leaderboard snapshot: %w", err)
	}

	prev, err := s.redis.GetSet(ctx, s.snapshotKey(), raw).Bytes()
	if err != nil && !stderrors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("store leaderboard snapshot: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, s.ranksKey())
	if len(l.Entries) > 0 {
		zs := make([]redis.Z, 0, len(l.Entries))
		for _, e := range l.Entries {
			zs = append(zs, redis.Z{Score: e.Score, Member: e.TeamName})
		}
		pipe.ZAdd(ctx, s.ranksKey(), zs...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store leaderboard ranks: %w", err)
	}

	if !sameSnapshot(prev, raw) {
		s.eb.Publish(ctx, domain.EventLeaderboardUpdated{Leaderboard: *l})
	}

	return l, nil
}

// Run polls the backend until ctx is cancelled. A failed refresh logs and
// waits for the next tick; the ticker is always stopped on the way out.
func (s *Service) Run(ctx context.Context) {
	if _, err := s.Refresh(ctx); err != nil {
		slog.ErrorContext(ctx, "leaderboard: initial refresh failed", "error", err)
	}

	t := s.newTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			if _, err := s.Refresh(ctx); err != nil {
				slog.ErrorContext(ctx, "leaderboard: refresh failed", "error", err)
			}
		}
	}
}

func (s *Service) snapshotKey() string {
	return fmt.Sprintf("%s:leaderboard:snapshot", s.prefix)
}

func (s *Service) ranksKey() string {
	return fmt.Sprintf("%s:leaderboard:ranks", s.prefix)
}

// sameSnapshot ignores the UpdatedAt stamp so an unchanged board does not
// publish an update on every poll.
func sameSnapshot(prev, next []byte) bool {
	if prev == nil {
		return false
	}

	var a, b domain.Leaderboard
	if err := json.Unmarshal(prev, &a); err != nil {
		return false
	}
	if err := json.Unmarshal(next, &b); err != nil {
		return false
	}

	if len(a.Entries) != len(b.Entries) {
		return false
	}
	for i := range a.Entries {
		if a.Entries[i] != b.Entries[i] {
			return false
		}
	}
	return true
}

type tickerAdapter struct {
	t *time.Ticker
}

func (a tickerAdapter) C() <-chan time.Time { return a.t.C }
func (a tickerAdapter) Stop()               { a.t.Stop() }
