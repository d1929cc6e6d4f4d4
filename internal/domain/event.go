package domain

const (
	EventNameSessionCreated     = "session.created"
	EventNameSessionRevoked     = "session.revoked"
	EventNameTeamChanged        = "team.changed"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventSessionCreated struct {
	Session Session
}

func (EventSessionCreated) Name() string { return EventNameSessionCreated }

type EventSessionRevoked struct {
	SessionID string
	Email     string
	// Reason is "logout", "verification_failed" or "refresh_failed".
	Reason string
}

func (EventSessionRevoked) Name() string { return EventNameSessionRevoked }

type EventTeamChanged struct {
	Email string
	// Action is "create", "join" or "leave".
	Action string
	Team   *Team
}

func (EventTeamChanged) Name() string { return EventNameTeamChanged }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
