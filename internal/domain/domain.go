package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is the identity-provider view of a participant. It is immutable from
// this application's perspective.
type User struct {
	ID          string
	Email       string
	DisplayName string
}

// Session is an authenticated browser session. The browser only ever holds
// the opaque SessionID; the bearer tokens stay on the server.
type Session struct {
	SessionID    string
	AccessToken  string
	RefreshToken string
	User         User
	ExpiresAt    time.Time
	// VerifiedAt is the time of the most recent successful backend
	// verification for this session's access token.
	VerifiedAt time.Time
	CreatedAt  time.Time
}

// Team is a read-through cache of the competition backend's team record.
// It is re-fetched wholesale after every mutating action.
type Team struct {
	TeamID       string
	TeamName     string
	TeamCode     string
	CurrentScore decimal.Decimal
	LeaderEmail  string
	Members      []TeamMember
	MemberCount  int
	CreatedAt    time.Time
}

type TeamMember struct {
	Email        string
	Name         string
	RegNo        string
	IsTeamLeader bool
}

// Submission is one entry of the backend's append-only submission history.
type Submission struct {
	ID              string
	TeamName        string
	CSVName         string
	GithubLink      string
	CalculatedScore decimal.Decimal
	CreatedAt       time.Time
}

// Leaderboard is the latest ranking snapshot. It is replaced as a whole on
// every refresh; entries are never merged or diffed.
type Leaderboard struct {
	Entries   []LeaderboardEntry
	UpdatedAt time.Time
}

type LeaderboardEntry struct {
	Rank        int       `json:"rank"`
	TeamID      string    `json:"teamId"`
	TeamName    string    `json:"teamName"`
	Score       float64   `json:"score"`
	SubmittedAt time.Time `json:"submittedAt"`
}
