// Package notify fans leaderboard updates out over redis pub/sub so live
// surfaces (or other portal replicas) can react without polling the
// backend themselves.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/modelarena/portal/internal/domain"
	"github.com/modelarena/portal/internal/event"
)

const maxConcurrent = 100

type Config struct {
	EventBus *event.Bus
	Redis    Redis
	Prefix   string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	Leaderboard struct {
		UpdatedAt string             `json:"updated_at"`
		Entries   []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		Rank     int    `json:"rank"`
		TeamName string `json:"team_name"`
		Score    string `json:"score"`
	}
)

type Notifier struct {
	redis  Redis
	prefix string
}

func New(c Config) *Notifier {
	n := &Notifier{
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return n.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
	})

	return n
}

// PublishLeaderboardUpdated pushes the fresh board to every ranked team's
// channel with bounded concurrency.
func (n *Notifier) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	l := e.Leaderboard

	data := Leaderboard{
		UpdatedAt: l.UpdatedAt.UTC().Format(time.RFC3339),
		Entries:   make([]LeaderboardEntry, 0, len(l.Entries)),
	}

	for _, entry := range l.Entries {
		data.Entries = append(data.Entries, LeaderboardEntry{
			Rank:     entry.Rank,
			TeamName: entry.TeamName,
			Score:    strconv.FormatFloat(entry.Score, 'f', -1, 64),
		})
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, entry := range data.Entries {
		entry := entry
		eg.Go(func() error {
			return n.publishNotification(ctx, entry.TeamName, e.Name(), data)
		})
	}

	return eg.Wait()
}

func (n *Notifier) publishNotification(ctx context.Context, team, event string, data any) error {
	msg := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %v", event, err)
	}

	return n.redis.Publish(ctx, fmt.Sprintf("%s:team:%s", n.prefix, team), b).Err()
}
