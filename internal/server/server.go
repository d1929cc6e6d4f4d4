package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/modelarena/portal/internal/auth"
	"github.com/modelarena/portal/internal/backend"
	"github.com/modelarena/portal/internal/domain"
	"github.com/modelarena/portal/internal/event"
	"github.com/modelarena/portal/internal/identity"
	"github.com/modelarena/portal/internal/leaderboard"
	"github.com/modelarena/portal/internal/notify"
	"github.com/modelarena/portal/internal/session"
	"github.com/modelarena/portal/internal/submission"
	"github.com/modelarena/portal/internal/team"
	"github.com/modelarena/portal/internal/telemetry"
	"github.com/modelarena/portal/internal/web"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Web struct {
		SessionTTL    time.Duration
		SecureCookies bool
	}

	Redis struct {
		Leaderboard struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Session struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Backend struct {
		BaseURL string
		Timeout time.Duration
	}

	OAuth struct {
		IssuerURL    string
		ClientID     string
		ClientSecret string
		RedirectURL  string
	}

	Auth struct {
		ReverifyAfter time.Duration
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres struct {
			session *pgxpool.Pool
		}
	}

	client struct {
		identity *identity.Client
		backend  *backend.Client
	}

	service struct {
		session     *session.Service
		auth        *auth.Service
		team        *team.Service
		leaderboard *leaderboard.Service
		submission  *submission.Service
	}

	http *http.Server

	pollCtx    context.Context
	pollCancel context.CancelFunc
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}
	s.pollCtx, s.pollCancel = context.WithCancel(context.Background())

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initClients(); err != nil {
		return nil, fmt.Errorf("server: init clients: %w", err)
	}

	s.initService()
	s.initWeb()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.leaderboard, err = connect(s.c.Redis.Leaderboard.Addrs, s.c.Redis.Leaderboard.Pass)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := s.c.Postgres.Session
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", p.User, p.Pass, p.Addr, p.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	s.infra.postgres.session = db
	return nil
}

func (s *Server) initClients() error {
	s.client.backend = backend.NewClient(backend.Config{
		BaseURL: s.c.Backend.BaseURL,
		Timeout: s.c.Backend.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	idp, err := identity.New(ctx, identity.Config{
		IssuerURL:    s.c.OAuth.IssuerURL,
		ClientID:     s.c.OAuth.ClientID,
		ClientSecret: s.c.OAuth.ClientSecret,
		RedirectURL:  s.c.OAuth.RedirectURL,
	})
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	s.client.identity = idp
	return nil
}

func (s *Server) initService() {
	s.service.session = session.NewService(session.Config{
		DB: s.infra.postgres.session,
	})

	s.service.auth = auth.NewService(auth.Config{
		Identity:      s.client.identity,
		Store:         s.service.session,
		Verifier:      s.client.backend,
		EventBus:      s.eb,
		ReverifyAfter: s.c.Auth.ReverifyAfter,
	})

	s.service.team = team.NewService(team.Config{
		Backend:  s.client.backend,
		EventBus: s.eb,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		Source:   s.client.backend,
		Redis:    s.infra.redis.leaderboard,
		Prefix:   s.c.Redis.Leaderboard.Prefix,
		EventBus: s.eb,
	})

	s.service.submission = submission.NewService(submission.Config{
		Backend: s.client.backend,
	})

	notify.New(notify.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis.pubsub,
		Prefix:   s.c.Redis.Pubsub.Prefix,
	})

	// A revoked session must not leave team state behind for the next
	// sign-in of the same user.
	s.eb.Subscribe(domain.EventNameSessionRevoked, func(ctx context.Context, e event.Event) error {
		s.service.team.Invalidate(e.(domain.EventSessionRevoked).Email)
		return nil
	})
}

func (s *Server) initWeb() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())
	e.Use(telemetry.HTTPMiddleware())

	web.New(web.Config{
		Engine:        e,
		Auth:          s.service.auth,
		Team:          s.service.team,
		Leaderboard:   s.service.leaderboard,
		Submission:    s.service.submission,
		CookieTTL:     s.c.Web.SessionTTL,
		SecureCookies: s.c.Web.SecureCookies,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, "server: leaderboard poller started")
		s.service.leaderboard.Run(s.pollCtx)
		return nil
	})

	eg.Go(func() error {
		s.sweepSessions(s.pollCtx)
		return nil
	})

	err := eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

// sweepSessions periodically deletes sessions whose tokens expired too long
// ago to refresh. The grace window lets an expired access token be refreshed
// in place before the row disappears.
func (s *Server) sweepSessions(ctx context.Context) {
	const (
		interval = time.Hour
		grace    = 24 * time.Hour
	)

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.service.session.DeleteExpired(ctx, time.Now().Add(-grace))
			if err != nil {
				slog.ErrorContext(ctx, "server: sweep sessions failed", "error", err)
				continue
			}
			if n > 0 {
				slog.InfoContext(ctx, "server: swept expired sessions", "count", n)
			}
		}
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.pollCancel()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()
	s.infra.postgres.session.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}
