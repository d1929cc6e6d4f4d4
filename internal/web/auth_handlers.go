package web

import (
	stderrors "errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/modelarena/portal/internal/auth"
	"github.com/modelarena/portal/internal/errors"
)

// login starts the provider redirect flow. State and nonce round-trip
// through short-lived cookies and come back on the callback.
func (w *Web) login(c *gin.Context) {
	if currentAuth(c).IsAuthenticated() {
		c.Redirect(http.StatusSeeOther, "/dashboard")
		return
	}

	flow, err := w.auth.Begin(c.Request.Context())
	if err != nil {
		slog.ErrorContext(c.Request.Context(), "web: begin login failed", "error", err)
		c.Redirect(http.StatusSeeOther, "/?error=auth_failed")
		return
	}

	w.setCookie(c, stateCookie, flow.State, int(flowCookieTTL.Seconds()))
	w.setCookie(c, nonceCookie, flow.Nonce, int(flowCookieTTL.Seconds()))

	c.Redirect(http.StatusFound, flow.URL)
}

// callback finishes the flow: code exchange plus the mandatory backend
// verification. Every failure path lands back on the landing page with an
// error annotation and nothing persisted.
func (w *Web) callback(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		c.Redirect(http.StatusSeeOther, "/?error=no_code")
		return
	}

	state, err := c.Cookie(stateCookie)
	if err != nil || state == "" || c.Query("state") != state {
		c.Redirect(http.StatusSeeOther, "/?error=auth_failed")
		return
	}
	nonce, _ := c.Cookie(nonceCookie)

	w.clearCookie(c, stateCookie)
	w.clearCookie(c, nonceCookie)

	sess, err := w.auth.Complete(c.Request.Context(), code, nonce)
	if err != nil {
		slog.InfoContext(c.Request.Context(), "web: login callback rejected", "error", err)
		c.Redirect(http.StatusSeeOther, "/?error="+callbackErrorParam(err))
		return
	}

	w.setCookie(c, sessionCookie, sess.SessionID, int(w.cookieTTL.Seconds()))
	c.Redirect(http.StatusSeeOther, "/dashboard")
}

func (w *Web) logout(c *gin.Context) {
	if sid, err := c.Cookie(sessionCookie); err == nil && sid != "" {
		if err := w.auth.Logout(c.Request.Context(), sid); err != nil {
			slog.ErrorContext(c.Request.Context(), "web: logout failed", "error", err)
		}
	}

	w.clearCookie(c, sessionCookie)
	c.Redirect(http.StatusSeeOther, "/")
}

func callbackErrorParam(err error) string {
	switch {
	case stderrors.Is(err, auth.ErrExchange):
		return "auth_failed"
	case stderrors.Is(err, auth.ErrVerification):
		if errors.IsCode(err, errors.CodeUnavailable) {
			return "verification_failed"
		}
		return "not_registered"
	default:
		return "auth_failed"
	}
}
