// Package web is the HTTP surface of the portal: the public landing pages
// and the authenticated dashboard, leaderboard and submission pages, all
// server-rendered.
package web

import (
	"embed"
	"html/template"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/modelarena/portal/internal/auth"
	"github.com/modelarena/portal/internal/leaderboard"
	"github.com/modelarena/portal/internal/submission"
	"github.com/modelarena/portal/internal/team"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

const (
	sessionCookie = "ma_session"
	stateCookie   = "ma_oauth_state"
	nonceCookie   = "ma_oauth_nonce"

	// flowCookieTTL bounds the login redirect round-trip.
	flowCookieTTL = 5 * time.Minute
)

type Config struct {
	Engine *gin.Engine

	Auth        *auth.Service
	Team        *team.Service
	Leaderboard *leaderboard.Service
	Submission  *submission.Service

	// CookieTTL is the session cookie lifetime.
	CookieTTL time.Duration
	// SecureCookies marks cookies Secure; enabled when serving over HTTPS.
	SecureCookies bool
}

type Web struct {
	auth        *auth.Service
	team        *team.Service
	leaderboard *leaderboard.Service
	submission  *submission.Service

	cookieTTL time.Duration
	secure    bool
}

func New(c Config) *Web {
	w := &Web{
		auth:        c.Auth,
		team:        c.Team,
		leaderboard: c.Leaderboard,
		submission:  c.Submission,
		cookieTTL:   c.CookieTTL,
		secure:      c.SecureCookies,
	}

	if w.cookieTTL <= 0 {
		w.cookieTTL = 7 * 24 * time.Hour
	}

	funcs := template.FuncMap{
		"date": func(t time.Time) string {
			if t.IsZero() {
				return "-"
			}
			return t.Format("Jan 2, 2006 15:04")
		},
		"clock": func(t time.Time) string {
			return t.Format("15:04:05")
		},
		"score": func(d decimal.Decimal) string {
			return d.StringFixed(4)
		},
	}
	c.Engine.SetHTMLTemplate(template.Must(
		template.New("").Funcs(funcs).ParseFS(templatesFS, "templates/*.tmpl"),
	))

	w.routes(c.Engine)
	return w
}

func (w *Web) routes(e *gin.Engine) {
	e.Use(w.withSession())

	e.GET("/", w.landing)
	e.GET("/timeline", w.timeline)
	e.GET("/healthz", w.healthz)

	e.GET("/auth/login", w.login)
	e.GET("/auth/callback", w.callback)
	e.POST("/auth/logout", w.logout)

	gated := e.Group("", w.requireAuth())
	gated.GET("/dashboard", w.dashboard)
	gated.POST("/team/create", w.createTeam)
	gated.POST("/team/join", w.joinTeam)
	gated.POST("/team/leave", w.leaveTeam)
	gated.GET("/leaderboard", w.leaderboardPage)
	gated.GET("/submit", w.submitPage)
	gated.POST("/submit", w.submitCSV)
}

func (w *Web) healthz(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}
