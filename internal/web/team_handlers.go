package web

import (
	"github.com/gin-gonic/gin"

	"github.com/modelarena/portal/internal/errors"
)

func (w *Web) createTeam(c *gin.Context) {
	a := currentAuth(c)

	t, err := w.team.CreateTeam(c.Request.Context(), a.Session, c.PostForm("teamName"))
	if err != nil {
		redirectWithError(c, "/dashboard", errors.Convert(err).Message)
		return
	}

	msg := "Team created"
	if t != nil {
		msg = "Team " + t.TeamName + " created"
	}
	redirectWithMessage(c, "/dashboard", msg)
}

func (w *Web) joinTeam(c *gin.Context) {
	a := currentAuth(c)

	t, err := w.team.JoinTeam(c.Request.Context(), a.Session, c.PostForm("teamCode"))
	if err != nil {
		redirectWithError(c, "/dashboard", errors.Convert(err).Message)
		return
	}

	msg := "Joined team"
	if t != nil {
		msg = "Joined team " + t.TeamName
	}
	redirectWithMessage(c, "/dashboard", msg)
}

// leaveTeam requires an explicit confirmation field, the server-side
// analogue of the confirmation modal.
func (w *Web) leaveTeam(c *gin.Context) {
	if c.PostForm("confirm") != "yes" {
		redirectWithError(c, "/dashboard", "leaving a team requires confirmation")
		return
	}

	a := currentAuth(c)

	if err := w.team.LeaveTeam(c.Request.Context(), a.Session); err != nil {
		redirectWithError(c, "/dashboard", errors.Convert(err).Message)
		return
	}

	redirectWithMessage(c, "/dashboard", "You left the team")
}
