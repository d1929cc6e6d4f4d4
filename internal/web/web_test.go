package web_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/modelarena/portal/internal/auth"
	"github.com/modelarena/portal/internal/backend"
	"github.com/modelarena/portal/internal/domain"
	"github.com/modelarena/portal/internal/errors"
	"github.com/modelarena/portal/internal/event"
	"github.com/modelarena/portal/internal/identity"
	"github.com/modelarena/portal/internal/leaderboard"
	"github.com/modelarena/portal/internal/submission"
	"github.com/modelarena/portal/internal/team"
	"github.com/modelarena/portal/internal/web"
)

// These tests drive the rendered portal end to end: a browser-like client
// with a cookie jar against the real handler stack, with only the identity
// provider and the competition backend faked out.

func TestPortal_LoginFlow(t *testing.T) {
	p := newPortal(t)
	p.backend.register("tok-ok")

	// Anonymous visitors are sent back to the landing page.
	resp := p.get(t, "/dashboard")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/", resp.Header.Get("Location"))

	resp = p.get(t, "/auth/login")
	require.Equal(t, http.StatusFound, resp.StatusCode)

	idpURL, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	state := idpURL.Query().Get("state")
	require.NotEmpty(t, state)

	resp = p.get(t, "/auth/callback?code=ok&state="+url.QueryEscape(state))
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/dashboard", resp.Header.Get("Location"))

	resp = p.get(t, "/dashboard")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := readBody(t, resp)
	require.Contains(t, body, "u1@example.com")
	require.Contains(t, body, "Create Team", "a member without a team sees the create card")
	require.Contains(t, body, "Join via Code")
}

func TestPortal_CallbackRejections(t *testing.T) {
	tests := map[string]struct {
		arrange   func(p *portal) (code, state string)
		wantParam string
		wantFlash string
	}{
		"missing code": {
			arrange: func(p *portal) (string, string) {
				return "", p.beginLogin(t)
			},
			wantParam: "no_code",
			wantFlash: "no authorization code",
		},

		"state mismatch": {
			arrange: func(p *portal) (string, string) {
				p.beginLogin(t)
				return "ok", "forged-state"
			},
			wantParam: "auth_failed",
			wantFlash: "Login failed",
		},

		"exchange failure": {
			arrange: func(p *portal) (string, string) {
				return "bad", p.beginLogin(t)
			},
			wantParam: "auth_failed",
			wantFlash: "Login failed",
		},

		"unregistered account": {
			arrange: func(p *portal) (string, string) {
				// The provider accepts the code but the backend does not
				// know the resulting token.
				return "ok", p.beginLogin(t)
			},
			wantParam: "not_registered",
			wantFlash: "not registered for ModelArena",
		},

		"backend down": {
			arrange: func(p *portal) (string, string) {
				p.backend.close()
				return "ok", p.beginLogin(t)
			},
			wantParam: "verification_failed",
			wantFlash: "could not verify your registration",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			p := newPortal(t)
			code, state := tt.arrange(p)

			resp := p.get(t, "/auth/callback?code="+url.QueryEscape(code)+"&state="+url.QueryEscape(state))
			require.Equal(t, http.StatusSeeOther, resp.StatusCode)
			require.Equal(t, "/?error="+tt.wantParam, resp.Header.Get("Location"))

			// The visitor stays signed out.
			resp = p.get(t, "/dashboard")
			require.Equal(t, http.StatusSeeOther, resp.StatusCode)
			require.Equal(t, "/", resp.Header.Get("Location"))

			resp = p.get(t, "/?error="+tt.wantParam)
			require.Contains(t, readBody(t, resp), tt.wantFlash)
		})
	}
}

func TestPortal_TeamLifecycle(t *testing.T) {
	p := newPortal(t)
	p.backend.register("tok-ok")
	p.signIn(t)

	// Create a team and land back on the dashboard with it rendered.
	resp := p.postForm(t, "/team/create", url.Values{"teamName": {"Rocket Squad"}})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Location"), "/dashboard?msg=")

	resp = p.get(t, "/dashboard")
	body := readBody(t, resp)
	require.Contains(t, body, "Rocket Squad")
	require.Contains(t, body, p.backend.teamCode(), "the join code is shown to the leader")
	require.NotContains(t, body, "Create Team")

	// Leaving without the confirmation field is refused.
	resp = p.postForm(t, "/team/leave", url.Values{})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Location"), "confirmation")

	resp = p.get(t, "/dashboard")
	require.Contains(t, readBody(t, resp), "Rocket Squad")

	resp = p.postForm(t, "/team/leave", url.Values{"confirm": {"yes"}})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	resp = p.get(t, "/dashboard")
	body = readBody(t, resp)
	require.NotContains(t, body, "Rocket Squad")
	require.Contains(t, body, "Create Team")
}

func TestPortal_JoinTeamNormalizesCode(t *testing.T) {
	p := newPortal(t)
	p.backend.register("tok-ok")
	p.backend.seedTeam("Gradient Gang", "XY42ZQ")
	p.signIn(t)

	resp := p.postForm(t, "/team/join", url.Values{"teamCode": {"  xy42zq "}})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Location"), "/dashboard?msg=")

	require.Contains(t, readBody(t, p.get(t, "/dashboard")), "Gradient Gang")
}

func TestPortal_LeaderboardPage(t *testing.T) {
	p := newPortal(t)
	p.backend.register("tok-ok")
	p.backend.setLeaderboard([]domain.LeaderboardEntry{
		{Rank: 1, TeamID: "t-1", TeamName: "Rocket Squad", Score: 0.91},
		{Rank: 2, TeamID: "t-2", TeamName: "Gradient Gang", Score: 0.84},
	})
	p.signIn(t)

	resp := p.get(t, "/leaderboard")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := readBody(t, resp)
	require.Contains(t, body, "Rocket Squad")
	require.Contains(t, body, "Gradient Gang")
}

func TestPortal_SubmitCSV(t *testing.T) {
	p := newPortal(t)
	p.backend.register("tok-ok")
	p.signIn(t)

	resp := p.postCSV(t, "predictions.csv", "id,label\n1,0\n", "https://github.com/acme/model")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Location"), url.QueryEscape("Submission scored 0.7700"))

	resp = p.get(t, "/submit")
	require.Contains(t, readBody(t, resp), "predictions.csv")
}

func TestPortal_SubmitRejectsNonCSV(t *testing.T) {
	p := newPortal(t)
	p.backend.register("tok-ok")
	p.signIn(t)

	resp := p.postCSV(t, "predictions.xlsx", "junk", "https://github.com/acme/model")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Location"), url.QueryEscape(".csv"))
	require.Zero(t, p.backend.submissionCount())
}

func TestPortal_Logout(t *testing.T) {
	p := newPortal(t)
	p.backend.register("tok-ok")
	p.signIn(t)

	resp := p.postForm(t, "/auth/logout", url.Values{})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/", resp.Header.Get("Location"))

	resp = p.get(t, "/dashboard")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/", resp.Header.Get("Location"))
}

func TestPortal_PublicPages(t *testing.T) {
	p := newPortal(t)

	for _, path := range []string{"/", "/timeline", "/healthz"} {
		resp := p.get(t, path)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

type portal struct {
	srv     *httptest.Server
	client  *http.Client
	backend *fakeCompetitionBackend
}

func newPortal(t *testing.T) *portal {
	t.Helper()
	gin.SetMode(gin.TestMode)

	be := newFakeCompetitionBackend(t)
	bc := backend.NewClient(backend.Config{BaseURL: be.url()})

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	eb := event.NewBus()
	t.Cleanup(eb.Stop)

	authSvc := auth.NewService(auth.Config{
		Identity:      &fakeIdentity{},
		Store:         newMemStore(),
		Verifier:      bc,
		EventBus:      eb,
		ReverifyAfter: time.Hour,
	})

	e := gin.New()
	web.New(web.Config{
		Engine:      e,
		Auth:        authSvc,
		Team:        team.NewService(team.Config{Backend: bc, EventBus: eb}),
		Leaderboard: leaderboard.NewService(leaderboard.Config{Source: bc, Redis: rdb, Prefix: "test", EventBus: eb}),
		Submission:  submission.NewService(submission.Config{Backend: bc}),
	})

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &portal{
		srv:     srv,
		backend: be,
		client: &http.Client{
			Jar: jar,
			// Redirects are followed by hand so each hop can be asserted.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (p *portal) get(t *testing.T, path string) *http.Response {
	t.Helper()

	resp, err := p.client.Get(p.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func (p *portal) postForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()

	resp, err := p.client.Post(p.srv.URL+path,
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func (p *portal) postCSV(t *testing.T, filename, content, githubLink string) *http.Response {
	t.Helper()

	var buf strings.Builder
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("githubLink", githubLink))
	fw, err := mw.CreateFormFile("csv", filename)
	require.NoError(t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := p.client.Post(p.srv.URL+"/submit", mw.FormDataContentType(), strings.NewReader(buf.String()))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

// beginLogin walks the login redirect and returns the state the provider
// would echo back.
func (p *portal) beginLogin(t *testing.T) string {
	t.Helper()

	resp := p.get(t, "/auth/login")
	require.Equal(t, http.StatusFound, resp.StatusCode)

	u, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	return u.Query().Get("state")
}

func (p *portal) signIn(t *testing.T) {
	t.Helper()

	state := p.beginLogin(t)
	resp := p.get(t, "/auth/callback?code=ok&state="+url.QueryEscape(state))
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/dashboard", resp.Header.Get("Location"))
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return string(b)
}

// fakeIdentity accepts any code except "bad" and mints token "tok-<code>".
type fakeIdentity struct{}

func (fakeIdentity) AuthCodeURL(state, nonce string) string {
	return "https://idp.example.com/authorize?state=" + url.QueryEscape(state) +
		"&nonce=" + url.QueryEscape(nonce)
}

func (fakeIdentity) Exchange(_ context.Context, code, _ string) (identity.Token, domain.User, error) {
	if code == "bad" {
		return identity.Token{}, domain.User{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessage("invalid code"))
	}

	return identity.Token{
			AccessToken:  "tok-" + code,
			RefreshToken: "refresh-" + code,
			ExpiresAt:    time.Now().Add(time.Hour),
		}, domain.User{
			ID:          "u-1",
			Email:       "u1@example.com",
			DisplayName: "User One",
		}, nil
}

func (fakeIdentity) Refresh(_ context.Context, _ string) (identity.Token, error) {
	return identity.Token{}, errors.New(errors.CodeUnauthenticated)
}

type memStore struct {
	mu       sync.Mutex
	next     int
	sessions map[string]domain.Session
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]domain.Session)}
}

func (m *memStore) Create(_ context.Context, ss *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	ss.SessionID = fmt.Sprintf("sess-%d", m.next)
	m.sessions[ss.SessionID] = *ss
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ss, ok := m.sessions[id]
	if !ok {
		return nil, errors.New(errors.CodeNotFound)
	}
	return &ss, nil
}

func (m *memStore) UpdateTokens(_ context.Context, id, access, refresh string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ss, ok := m.sessions[id]
	if !ok {
		return errors.New(errors.CodeNotFound)
	}
	ss.AccessToken, ss.RefreshToken, ss.ExpiresAt = access, refresh, expiresAt
	m.sessions[id] = ss
	return nil
}

func (m *memStore) Touch(_ context.Context, id string, verifiedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ss, ok := m.sessions[id]
	if !ok {
		return errors.New(errors.CodeNotFound)
	}
	ss.VerifiedAt = verifiedAt
	m.sessions[id] = ss
	return nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// fakeCompetitionBackend is a stateful stand-in for the external backend:
// registered tokens, one joinable team, a leaderboard and submissions.
type fakeCompetitionBackend struct {
	srv *httptest.Server

	mu          sync.Mutex
	tokens      map[string]bool
	team        *teamState
	onTeam      map[string]bool
	leaderboard []domain.LeaderboardEntry
	submissions []map[string]any
}

type teamState struct {
	name string
	code string
}

func newFakeCompetitionBackend(t *testing.T) *fakeCompetitionBackend {
	t.Helper()

	f := &fakeCompetitionBackend{
		tokens: make(map[string]bool),
		onTeam: make(map[string]bool),
	}

	mux := http.NewServeMux()
	// Method-based mux patterns need Go 1.22+; dispatch on method by hand
	// so the fake runs on the Go 1.21 toolchain.
	routes := map[string]map[string]http.HandlerFunc{
		"/user":        {http.MethodPost: f.verifyUser},
		"/team":        {http.MethodGet: f.getTeam},
		"/team/create": {http.MethodPost: f.createTeam},
		"/team/join":   {http.MethodPost: f.joinTeam},
		"/team/leave":  {http.MethodPost: f.leaveTeam},
		"/leaderboard": {http.MethodGet: f.getLeaderboard},
		"/submission":  {http.MethodGet: f.listSubmissions, http.MethodPost: f.createSubmission},
	}
	for path, methods := range routes {
		methods := methods
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			if h, ok := methods[r.Method]; ok {
				h(w, r)
				return
			}
			w.WriteHeader(http.StatusMethodNotAllowed)
		})
	}

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeCompetitionBackend) url() string { return f.srv.URL }
func (f *fakeCompetitionBackend) close()      { f.srv.Close() }

func (f *fakeCompetitionBackend) register(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = true
}

func (f *fakeCompetitionBackend) seedTeam(name, code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.team = &teamState{name: name, code: code}
}

func (f *fakeCompetitionBackend) teamCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.team == nil {
		return ""
	}
	return f.team.code
}

func (f *fakeCompetitionBackend) setLeaderboard(entries []domain.LeaderboardEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaderboard = entries
}

func (f *fakeCompetitionBackend) submissionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

func (f *fakeCompetitionBackend) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	f.mu.Lock()
	ok := f.tokens[token]
	f.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "user is not registered"})
		return "", false
	}
	return token, true
}

func (f *fakeCompetitionBackend) verifyUser(w http.ResponseWriter, r *http.Request) {
	token, ok := f.authorize(w, r)
	if !ok {
		return
	}

	f.mu.Lock()
	hasTeam := f.onTeam[token]
	f.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]bool{"hasTeam": hasTeam})
}

func (f *fakeCompetitionBackend) getTeam(w http.ResponseWriter, r *http.Request) {
	token, ok := f.authorize(w, r)
	if !ok {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.team == nil || !f.onTeam[token] {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"message": "you are not on a team"})
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data": map[string]any{
			"teamId":       "t-1",
			"teamName":     f.team.name,
			"teamCode":     f.team.code,
			"currentScore": 0.0,
			"leaderEmail":  "u1@example.com",
			"members": []map[string]any{
				{"email": "u1@example.com", "name": "User One", "regNo": "REG-001", "isTeamLeader": true},
			},
			"memberCount": 1,
			"createdAt":   time.Now().UTC().Format(time.RFC3339),
		},
	})
}

func (f *fakeCompetitionBackend) createTeam(w http.ResponseWriter, r *http.Request) {
	token, ok := f.authorize(w, r)
	if !ok {
		return
	}

	var body struct {
		TeamName string `json:"teamName"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.team != nil {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "team name already taken"})
		return
	}

	f.team = &teamState{name: body.TeamName, code: "ABC123"}
	f.onTeam[token] = true
	json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "Team created successfully"})
}

func (f *fakeCompetitionBackend) joinTeam(w http.ResponseWriter, r *http.Request) {
	token, ok := f.authorize(w, r)
	if !ok {
		return
	}

	var body struct {
		TeamCode string `json:"teamCode"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.team == nil || body.TeamCode != f.team.code {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "invalid team code"})
		return
	}

	f.onTeam[token] = true
	json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "Joined team"})
}

func (f *fakeCompetitionBackend) leaveTeam(w http.ResponseWriter, r *http.Request) {
	token, ok := f.authorize(w, r)
	if !ok {
		return
	}

	f.mu.Lock()
	delete(f.onTeam, token)
	f.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "You left the team"})
}

func (f *fakeCompetitionBackend) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	entries := f.leaderboard
	f.mu.Unlock()

	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}
	json.NewEncoder(w).Encode(map[string]any{
		"leaderboard": entries,
		"lastUpdated": time.Now().UTC().Format(time.RFC3339),
	})
}

func (f *fakeCompetitionBackend) createSubmission(w http.ResponseWriter, r *http.Request) {
	if _, ok := f.authorize(w, r); !ok {
		return
	}

	if err := r.ParseMultipartForm(1 << 20); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	_, header, err := r.FormFile("csv")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.submissions = append(f.submissions, map[string]any{
		"id":              fmt.Sprintf("s-%d", len(f.submissions)+1),
		"teamName":        "Rocket Squad",
		"csv":             header.Filename,
		"githubLink":      r.FormValue("githubLink"),
		"calculatedScore": 0.77,
		"createdAt":       time.Now().UTC().Format(time.RFC3339),
	})
	f.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]any{"score": 0.77, "message": "scored"})
}

func (f *fakeCompetitionBackend) listSubmissions(w http.ResponseWriter, r *http.Request) {
	if _, ok := f.authorize(w, r); !ok {
		return
	}

	f.mu.Lock()
	subs := f.submissions
	f.mu.Unlock()

	if subs == nil {
		subs = []map[string]any{}
	}
	json.NewEncoder(w).Encode(map[string]any{"data": subs})
}
