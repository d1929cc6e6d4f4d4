// Package backend is the typed HTTP client for the external competition
// backend. The backend owns users, teams, submissions and the leaderboard;
// this portal is only a consumer. Responses are decoded with validation at
// the boundary and fail closed on shape mismatch.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/modelarena/portal/internal/domain"
	"github.com/modelarena/portal/internal/errors"
)

const defaultTimeout = 15 * time.Second

type Config struct {
	// BaseURL of the competition backend, without a trailing slash.
	BaseURL string
	Timeout time.Duration

	// HTTPClient overrides the transport, used in tests.
	HTTPClient *http.Client
}

type Client struct {
	base string
	http *http.Client
}

func NewClient(c Config) *Client {
	hc := c.HTTPClient
	if hc == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		base: strings.TrimRight(c.BaseURL, "/"),
		http: hc,
	}
}

// UserStatus is the backend's answer to a verification call.
type UserStatus struct {
	HasTeam bool `json:"hasTeam"`
}

// VerifyUser confirms that the bearer token belongs to a registered user.
// Any non-2xx response, transport error or malformed body is a hard
// rejection; there is no partial success.
func (c *Client) VerifyUser(ctx context.Context, token string) (UserStatus, error) {
	status, body, err := c.do(ctx, http.MethodPost, "/user", token, nil)
	if err != nil {
		return UserStatus{}, err
	}

	if status < 200 || status > 299 {
		return UserStatus{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessage(serverMessage(body, "user is not registered")))
	}

	var us UserStatus
	if err := json.Unmarshal(body, &us); err != nil {
		return UserStatus{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("backend: malformed verification response"),
			errors.WithCause(err),
		)
	}

	return us, nil
}

type teamWire struct {
	TeamID       string          `json:"teamId"`
	TeamName     string          `json:"teamName"`
	TeamCode     string          `json:"teamCode"`
	CurrentScore decimal.Decimal `json:"currentScore"`
	LeaderEmail  string          `json:"leaderEmail"`
	Members      []struct {
		Email        string `json:"email"`
		Name         string `json:"name"`
		RegNo        string `json:"regNo"`
		IsTeamLeader bool   `json:"isTeamLeader"`
	} `json:"members"`
	MemberCount int       `json:"memberCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (w teamWire) toDomain() *domain.Team {
	t := &domain.Team{
		TeamID:       w.TeamID,
		TeamName:     w.TeamName,
		TeamCode:     w.TeamCode,
		CurrentScore: w.CurrentScore,
		LeaderEmail:  w.LeaderEmail,
		MemberCount:  w.MemberCount,
		CreatedAt:    w.CreatedAt,
	}
	for _, m := range w.Members {
		t.Members = append(t.Members, domain.TeamMember(m))
	}
	return t
}

// GetTeam fetches the caller's team. A 404 maps to CodeNotFound, which
// callers read as "no team yet".
func (c *Client) GetTeam(ctx context.Context, token string) (*domain.Team, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/team", token, nil)
	if err != nil {
		return nil, err
	}

	if status == http.StatusNotFound {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessage(serverMessage(body, "team not found")))
	}
	if err := c.reject(status, body); err != nil {
		return nil, err
	}

	var env struct {
		Success bool            `json:"success"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.New(errors.CodeInternal,
			errors.WithMessagef("backend: malformed team response"),
			errors.WithCause(err),
		)
	}
	if !env.Success {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessage(orDefault(env.Message, "could not load team")))
	}

	var w teamWire
	if err := json.Unmarshal(env.Data, &w); err != nil || w.TeamName == "" {
		return nil, errors.New(errors.CodeInternal,
			errors.WithMessagef("backend: malformed team payload"),
			errors.WithCause(err),
		)
	}

	return w.toDomain(), nil
}

// CreateTeam creates a team named name. Returns the server's message.
func (c *Client) CreateTeam(ctx context.Context, token, name string) (string, error) {
	return c.mutateTeam(ctx, token, "/team/create", map[string]string{"teamName": name})
}

// JoinTeam joins the team identified by code. The caller is responsible for
// normalizing the code.
func (c *Client) JoinTeam(ctx context.Context, token, code string) (string, error) {
	return c.mutateTeam(ctx, token, "/team/join", map[string]string{"teamCode": code})
}

// LeaveTeam removes the caller from their current team.
func (c *Client) LeaveTeam(ctx context.Context, token string) (string, error) {
	return c.mutateTeam(ctx, token, "/team/leave", nil)
}

func (c *Client) mutateTeam(ctx context.Context, token, path string, payload map[string]string) (string, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("backend: marshal %s payload: %w", path, err)
		}
		body = bytes.NewReader(b)
	}

	status, respBody, err := c.do(ctx, http.MethodPost, path, token, body)
	if err != nil {
		return "", err
	}
	if err := c.reject(status, respBody); err != nil {
		return "", err
	}

	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", errors.New(errors.CodeInternal,
			errors.WithMessagef("backend: malformed %s response", path),
			errors.WithCause(err),
		)
	}
	if !resp.Success {
		return "", errors.New(errors.CodeFailedPrecondition,
			errors.WithMessage(orDefault(resp.Message, "request was rejected")))
	}

	return resp.Message, nil
}

// GetLeaderboard fetches the current leaderboard. Three response shapes are
// accepted for backward compatibility: {leaderboard: [...], lastUpdated},
// a bare array, and {data: [...]}. Anything else yields an empty list and a
// logged anomaly. This is a compatibility shim for an unversioned backend
// contract, not a protocol.
func (c *Client) GetLeaderboard(ctx context.Context) (*domain.Leaderboard, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/leaderboard", "", nil)
	if err != nil {
		return nil, err
	}
	if err := c.reject(status, body); err != nil {
		return nil, err
	}

	l := &domain.Leaderboard{UpdatedAt: time.Now()}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &l.Entries); err != nil {
			return nil, errors.New(errors.CodeInternal,
				errors.WithMessagef("backend: malformed leaderboard array"),
				errors.WithCause(err),
			)
		}
		return l, nil
	}

	var env struct {
		Leaderboard []domain.LeaderboardEntry `json:"leaderboard"`
		LastUpdated *time.Time                `json:"lastUpdated"`
		Data        []domain.LeaderboardEntry `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.New(errors.CodeInternal,
			errors.WithMessagef("backend: malformed leaderboard response"),
			errors.WithCause(err),
		)
	}

	switch {
	case env.Leaderboard != nil:
		l.Entries = env.Leaderboard
		if env.LastUpdated != nil {
			l.UpdatedAt = *env.LastUpdated
		}
	case env.Data != nil:
		l.Entries = env.Data
	default:
		slog.WarnContext(ctx, "backend: unexpected leaderboard shape, treating as empty")
		l.Entries = []domain.LeaderboardEntry{}
	}

	return l, nil
}

// SubmitResult is the backend's scoring answer for an accepted submission.
type SubmitResult struct {
	Score   decimal.Decimal `json:"score"`
	Message string          `json:"message"`
}

// CreateSubmission uploads a CSV plus GitHub link as a multipart form.
func (c *Client) CreateSubmission(ctx context.Context, token, githubLink, filename string, csv io.Reader) (SubmitResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("githubLink", githubLink); err != nil {
		return SubmitResult{}, fmt.Errorf("backend: write githubLink field: %w", err)
	}
	fw, err := mw.CreateFormFile("csv", filename)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("backend: create csv part: %w", err)
	}
	if _, err := io.Copy(fw, csv); err != nil {
		return SubmitResult{}, fmt.Errorf("backend: copy csv: %w", err)
	}
	if err := mw.Close(); err != nil {
		return SubmitResult{}, fmt.Errorf("backend: close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/submission", &buf)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("backend: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	status, body, err := c.send(req)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := c.reject(status, body); err != nil {
		return SubmitResult{}, err
	}

	var res SubmitResult
	if err := json.Unmarshal(body, &res); err != nil {
		return SubmitResult{}, errors.New(errors.CodeInternal,
			errors.WithMessagef("backend: malformed submission response"),
			errors.WithCause(err),
		)
	}

	return res, nil
}

// ListSubmissions returns the caller's submission history, newest first as
// served by the backend.
func (c *Client) ListSubmissions(ctx context.Context, token string) ([]domain.Submission, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/submission", token, nil)
	if err != nil {
		return nil, err
	}
	if err := c.reject(status, body); err != nil {
		return nil, err
	}

	var env struct {
		Data []struct {
			ID              string          `json:"id"`
			TeamName        string          `json:"teamName"`
			CSV             string          `json:"csv"`
			GithubLink      string          `json:"githubLink"`
			CalculatedScore decimal.Decimal `json:"calculatedScore"`
			CreatedAt       time.Time       `json:"createdAt"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.New(errors.CodeInternal,
			errors.WithMessagef("backend: malformed submissions response"),
			errors.WithCause(err),
		)
	}

	subs := make([]domain.Submission, 0, len(env.Data))
	for _, d := range env.Data {
		subs = append(subs, domain.Submission{
			ID:              d.ID,
			TeamName:        d.TeamName,
			CSVName:         d.CSV,
			GithubLink:      d.GithubLink,
			CalculatedScore: d.CalculatedScore,
			CreatedAt:       d.CreatedAt,
		})
	}

	return subs, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("backend: new request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.send(req)
}

func (c *Client) send(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, errors.New(errors.CodeUnavailable,
			errors.WithMessagef("backend is unreachable"),
			errors.WithCause(err),
		)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, errors.New(errors.CodeUnavailable,
			errors.WithMessagef("backend response read failed"),
			errors.WithCause(err),
		)
	}

	return resp.StatusCode, body, nil
}

// reject maps a non-2xx status to the error taxonomy, carrying the server's
// message verbatim when one is present.
func (c *Client) reject(status int, body []byte) error {
	if status >= 200 && status <= 299 {
		return nil
	}

	msg := serverMessage(body, "request failed, try again")

	switch status {
	case http.StatusUnauthorized:
		return errors.New(errors.CodeUnauthenticated, errors.WithMessage(msg))
	case http.StatusForbidden:
		return errors.New(errors.CodePermissionDenied, errors.WithMessage(msg))
	case http.StatusNotFound:
		return errors.New(errors.CodeNotFound, errors.WithMessage(msg))
	default:
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessage(msg))
	}
}

// serverMessage extracts the server's message or error field from a JSON
// body, falling back to the given default.
func serverMessage(body []byte, fallback string) string {
	var m struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &m); err == nil {
		if m.Message != "" {
			return m.Message
		}
		if m.Error != "" {
			return m.Error
		}
	}
	return fallback
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
