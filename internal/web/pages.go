package web

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/modelarena/portal/internal/errors"
)

var landingErrors = map[string]string{
	"no_code":             "Login failed: the provider returned no authorization code.",
	"auth_failed":         "Login failed. Please try again.",
	"not_registered":      "This account is not registered for ModelArena.",
	"verification_failed": "We could not verify your registration. Please try again later.",
}

func (w *Web) landing(c *gin.Context) {
	var errMsg string
	if p := c.Query("error"); p != "" {
		errMsg = landingErrors[p]
		if errMsg == "" {
			errMsg = landingErrors["auth_failed"]
		}
	}

	c.HTML(http.StatusOK, "landing.tmpl", gin.H{
		"Auth":  currentAuth(c),
		"Error": errMsg,
	})
}

func (w *Web) timeline(c *gin.Context) {
	c.HTML(http.StatusOK, "timeline.tmpl", gin.H{
		"Auth": currentAuth(c),
	})
}

func (w *Web) dashboard(c *gin.Context) {
	a := currentAuth(c)

	data := gin.H{
		"Auth":    a,
		"Error":   c.Query("error"),
		"Message": c.Query("msg"),
	}

	t, err := w.team.Team(c.Request.Context(), a.Session)
	if err != nil {
		slog.ErrorContext(c.Request.Context(), "web: load team failed", "error", err)
		data["Error"] = errors.Convert(err).Message
		c.HTML(http.StatusOK, "dashboard.tmpl", data)
		return
	}

	data["Team"] = t
	if t != nil {
		if rank, err := w.leaderboard.Rank(c.Request.Context(), t.TeamName); err == nil {
			data["Rank"] = rank
		}
	}

	c.HTML(http.StatusOK, "dashboard.tmpl", data)
}

func (w *Web) leaderboardPage(c *gin.Context) {
	lb, err := w.leaderboard.Get(c.Request.Context())
	if err != nil {
		slog.ErrorContext(c.Request.Context(), "web: load leaderboard failed", "error", err)
		c.HTML(http.StatusOK, "leaderboard.tmpl", gin.H{
			"Auth":  currentAuth(c),
			"Error": "Failed to load leaderboard data.",
		})
		return
	}

	top := lb.Entries
	if len(top) > 3 {
		top = top[:3]
	}
	var rest []any
	for _, e := range lb.Entries[len(top):] {
		rest = append(rest, e)
	}

	c.HTML(http.StatusOK, "leaderboard.tmpl", gin.H{
		"Auth":      currentAuth(c),
		"Top":       top,
		"Rest":      rest,
		"UpdatedAt": lb.UpdatedAt,
	})
}

func (w *Web) submitPage(c *gin.Context) {
	a := currentAuth(c)

	data := gin.H{
		"Auth":    a,
		"Error":   c.Query("error"),
		"Message": c.Query("msg"),
	}

	subs, err := w.submission.List(c.Request.Context(), a.Session)
	if err != nil {
		slog.ErrorContext(c.Request.Context(), "web: load submissions failed", "error", err)
		if data["Error"] == "" {
			data["Error"] = errors.Convert(err).Message
		}
	}
	data["Submissions"] = subs

	c.HTML(http.StatusOK, "submit.tmpl", data)
}

func (w *Web) submitCSV(c *gin.Context) {
	a := currentAuth(c)

	githubLink := c.PostForm("githubLink")

	file, header, err := c.Request.FormFile("csv")
	if err != nil {
		redirectWithError(c, "/submit", "a CSV file is required")
		return
	}
	defer file.Close()

	res, err := w.submission.Submit(c.Request.Context(), a.Session, githubLink, header.Filename, file)
	if err != nil {
		redirectWithError(c, "/submit", errors.Convert(err).Message)
		return
	}

	redirectWithMessage(c, "/submit", "Submission scored "+res.Score.StringFixed(4))
}

func redirectWithError(c *gin.Context, path, msg string) {
	c.Redirect(http.StatusSeeOther, path+"?error="+url.QueryEscape(msg))
}

func redirectWithMessage(c *gin.Context, path, msg string) {
	c.Redirect(http.StatusSeeOther, path+"?msg="+url.QueryEscape(msg))
}
