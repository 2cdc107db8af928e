package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/accountdash/pkg/auth"
	"github.com/gregtusar/accountdash/pkg/dashboard"
	"github.com/gregtusar/accountdash/pkg/metacopier"
	"github.com/gregtusar/accountdash/pkg/models"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetcherFunc func(ctx context.Context) []models.Account

func (f fetcherFunc) Snapshot(ctx context.Context) []models.Account {
	return f(ctx)
}

type upstream struct {
	mu   sync.Mutex
	keys []string
}

func (u *upstream) fetcher(apiKey string) metacopier.Fetcher {
	return fetcherFunc(func(context.Context) []models.Account {
		u.mu.Lock()
		u.keys = append(u.keys, apiKey)
		u.mu.Unlock()
		return []models.Account{
			{ID: "acc-" + apiKey, Name: "Main", Balance: 1000.25, Equity: 1010.5, OpenPnL: 10.25,
				Status: models.AccountStatusConnected, Positions: []models.Position{}},
		}
	})
}

func (u *upstream) seen() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string{}, u.keys...)
}

func newTestServer(t *testing.T, defaultKey string) (*Server, *upstream) {
	t.Helper()
	logger, _ := test.NewNullLogger()

	up := &upstream{}
	tokens, err := auth.NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	sessions := dashboard.NewManager(func(apiKey string) *dashboard.Session {
		return dashboard.NewSession(up.fetcher(apiKey), nil, dashboard.SessionOptions{}, logger)
	}, logger)
	t.Cleanup(sessions.Close)

	s := NewServer(Options{
		Users: auth.NewDirectory([]models.User{
			{ID: "7", Name: "Demo User", Email: "demo@example.com", Password: "password123", APIKey: "user-key"},
			{ID: "8", Name: "No Key", Email: "nokey@example.com", Password: "pw"},
		}),
		Tokens:         tokens,
		Sessions:       sessions,
		Fetchers:       up.fetcher,
		DefaultAPIKey:  defaultKey,
		AllowedOrigins: []string{"http://localhost:3000"},
		Port:           "0",
	}, logger)
	return s, up
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := do(t, s.Handler(), http.MethodGet, "/api/health", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestLogin(t *testing.T) {
	s, _ := newTestServer(t, "")
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/auth/login", `{"email":"demo@example.com","password":"password123"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["token"])
	user := body["user"].(map[string]interface{})
	assert.Equal(t, "7", user["id"])
	assert.Equal(t, "Demo User", user["name"])
	assert.Equal(t, "demo@example.com", user["email"])
	assert.NotContains(t, user, "password")
	assert.NotContains(t, rec.Body.String(), "user-key")

	claims, err := s.opts.Tokens.Parse(body["token"].(string))
	require.NoError(t, err)
	assert.Equal(t, "demo@example.com", claims.Email)
}

func TestLoginFailures(t *testing.T) {
	s, _ := newTestServer(t, "")
	h := s.Handler()

	tests := []struct {
		name  string
		body  string
		code  int
		error string
	}{
		{"missing password", `{"email":"demo@example.com"}`, http.StatusBadRequest, "Email and password are required"},
		{"missing email", `{"password":"x"}`, http.StatusBadRequest, "Email and password are required"},
		{"wrong password", `{"email":"demo@example.com","password":"nope"}`, http.StatusUnauthorized, "Invalid email or password"},
		{"unknown user", `{"email":"who@example.com","password":"x"}`, http.StatusUnauthorized, "Invalid email or password"},
		{"bad json", `{`, http.StatusBadRequest, "Invalid request body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/auth/login", tt.body, nil)
			assert.Equal(t, tt.code, rec.Code)

			var body map[string]interface{}
			decode(t, rec, &body)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.error, body["error"])
		})
	}
}

func TestUser(t *testing.T) {
	s, _ := newTestServer(t, "")
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/user", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Not authenticated"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/user", "", map[string]string{
		"x-user-email": "someone@example.com",
		"x-user-name":  "Jane Doe",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var id models.Identity
	decode(t, rec, &id)
	assert.Equal(t, models.Identity{ID: "1", Name: "Jane Doe", Email: "someone@example.com", Initials: "JD"}, id)

	rec = do(t, h, http.MethodGet, "/api/user", "", map[string]string{"x-user-email": "demo@example.com"})
	decode(t, rec, &id)
	assert.Equal(t, "7", id.ID)
	assert.Equal(t, "User", id.Name)
	assert.Equal(t, "U", id.Initials)

	token, err := s.opts.Tokens.Issue(&models.User{ID: "7", Name: "Demo User", Email: "demo@example.com"})
	require.NoError(t, err)
	rec = do(t, h, http.MethodGet, "/api/user", "", map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &id)
	assert.Equal(t, "Demo User", id.Name)
	assert.Equal(t, "DU", id.Initials)

	rec = do(t, h, http.MethodGet, "/api/user", "", map[string]string{"Authorization": "Bearer forged"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenQueryParamOnlyOnStream(t *testing.T) {
	s, up := newTestServer(t, "")
	h := s.Handler()

	token, err := s.opts.Tokens.Issue(&models.User{ID: "7", Name: "Demo User", Email: "demo@example.com"})
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/api/user?token="+token, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/accounts?token="+token, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Empty(t, up.seen())

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/stream?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Len(t, msg.Accounts, 1)
	assert.Equal(t, "acc-user-key", msg.Accounts[0].ID)
}

func TestAccountsKeySelection(t *testing.T) {
	s, up := newTestServer(t, "default-key")
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/accounts", "", map[string]string{"x-user-email": "demo@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	var accounts []models.Account
	decode(t, rec, &accounts)
	require.Len(t, accounts, 1)
	assert.Equal(t, "acc-user-key", accounts[0].ID)

	rec = do(t, h, http.MethodGet, "/api/accounts", "", map[string]string{"x-user-email": "nokey@example.com"})
	decode(t, rec, &accounts)
	assert.Equal(t, "acc-default-key", accounts[0].ID)

	rec = do(t, h, http.MethodGet, "/api/accounts", "", nil)
	decode(t, rec, &accounts)
	assert.Equal(t, "acc-default-key", accounts[0].ID)

	assert.Equal(t, []string{"user-key", "default-key", "default-key"}, up.seen())
}

func TestAccountsWithoutKeyIsEmpty(t *testing.T) {
	s, up := newTestServer(t, "")

	rec := do(t, s.Handler(), http.MethodGet, "/api/accounts", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Empty(t, up.seen())
}

func TestAccountsSummary(t *testing.T) {
	s, _ := newTestServer(t, "default-key")

	rec := do(t, s.Handler(), http.MethodGet, "/api/accounts/summary", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var summary models.Summary
	decode(t, rec, &summary)
	assert.Equal(t, models.Summary{
		TotalBalance: 1000.25,
		TotalEquity:  1010.5,
		TotalOpenPnL: 10.25,
		Accounts:     1,
		Connected:    1,
	}, summary)
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, "")
	h := s.Handler()

	rec := do(t, h, http.MethodOptions, "/api/accounts", "", map[string]string{"Origin": "http://localhost:3000"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-User-Email")

	rec = do(t, h, http.MethodGet, "/api/health", "", map[string]string{"Origin": "http://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := do(t, s.Handler(), http.MethodGet, "/api/auth/login", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStream(t *testing.T) {
	s, up := newTestServer(t, "")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	header := http.Header{}
	header.Set("x-user-email", "demo@example.com")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/stream", header)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "accounts", msg.Type)
	assert.False(t, msg.Live)
	require.Len(t, msg.Accounts, 1)
	assert.Equal(t, "acc-user-key", msg.Accounts[0].ID)
	assert.Equal(t, 1, msg.Summary.Accounts)

	assert.Equal(t, 1, s.opts.Sessions.Len())
	calls := len(up.seen())

	rec := do(t, s.Handler(), http.MethodGet, "/api/accounts", "", map[string]string{"x-user-email": "demo@example.com"})
	var accounts []models.Account
	decode(t, rec, &accounts)
	assert.Len(t, accounts, 1)
	assert.Equal(t, calls, len(up.seen()))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return s.opts.Sessions.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamRequiresKey(t *testing.T) {
	s, _ := newTestServer(t, "")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/stream", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
