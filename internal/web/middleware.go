package web

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/modelarena/portal/internal/auth"
)

const ctxKeyAuth = "portal.auth"

// withSession resolves the session cookie into an auth state for every
// request. Resolution failures degrade to anonymous; a cookie that no
// longer maps to a live session is cleared.
func (w *Web) withSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		sid, err := c.Cookie(sessionCookie)
		if err != nil {
			sid = ""
		}

		resolved, err := w.auth.Resolve(c.Request.Context(), sid)
		if err != nil {
			slog.ErrorContext(c.Request.Context(), "web: resolve session failed", "error", err)
			resolved = auth.Resolved{}
		}

		if sid != "" && !resolved.IsAuthenticated() {
			w.clearCookie(c, sessionCookie)
		}

		c.Set(ctxKeyAuth, resolved)
		c.Next()
	}
}

// requireAuth sends anonymous visitors back to the landing page.
func (w *Web) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !currentAuth(c).IsAuthenticated() {
			c.Redirect(http.StatusSeeOther, "/")
			c.Abort()
			return
		}
		c.Next()
	}
}

func currentAuth(c *gin.Context) auth.Resolved {
	v, ok := c.Get(ctxKeyAuth)
	if !ok {
		return auth.Resolved{}
	}
	return v.(auth.Resolved)
}

func (w *Web) setCookie(c *gin.Context, name, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(name, value, maxAge, "/", "", w.secure, true)
}

func (w *Web) clearCookie(c *gin.Context, name string) {
	w.setCookie(c, name, "", -1)
}
