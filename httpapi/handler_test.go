package httpapi_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/httpapi"
	"github.com/MrEthical07/authcore/internal/authtest"
	"github.com/MrEthical07/authcore/middleware"
)

type apiClient struct {
	t      *testing.T
	server *httptest.Server
	http   *http.Client
}

func newAPI(t *testing.T, f *authtest.Fixture, opts httpapi.Options) *apiClient {
	t.Helper()
	srv := httptest.NewServer(httpapi.New(f.Engine, opts))
	t.Cleanup(srv.Close)
	return &apiClient{t: t, server: srv, http: newJarClient(t)}
}

func newJarClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

// do sends body as JSON (when non-nil) and returns the response with its
// body read.
func (c *apiClient) do(client *http.Client, method, path string, body any, cookies ...*http.Cookie) (*http.Response, []byte) {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.server.URL+path, rd)
	require.NoError(c.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	resp, err := client.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp, out
}

func (c *apiClient) call(method, path string, body any) (*http.Response, []byte) {
	c.t.Helper()
	return c.do(c.http, method, path, body)
}

func errorCode(t *testing.T, body []byte) authcore.Code {
	t.Helper()
	var env struct {
		Error struct {
			Code authcore.Code `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &env), string(body))
	return env.Error.Code
}

func cookieNamed(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func login(t *testing.T, api *apiClient, email, pw string) (*http.Response, map[string]any) {
	t.Helper()
	resp, body := api.call(http.MethodPost, "/auth/login", map[string]any{"email": email, "password": pw})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	return resp, out
}

func TestLoginSetsHTTPOnlyCookiesAndKeepsTokensOutOfBody(t *testing.T) {
	f := authtest.New(t, nil)
	f.AddUser(t, "u1", "alice@example.com", "correct-horse")
	f.AddOrg("u1", "t1", "Acme", authcore.RoleOwner)
	api := newAPI(t, f, httpapi.Options{})

	resp, body := api.call(http.MethodPost, "/auth/login", map[string]any{"email": "alice@example.com", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	access := cookieNamed(resp, middleware.AccessCookieName)
	refresh := cookieNamed(resp, middleware.RefreshCookieName)
	require.NotNil(t, access)
	require.NotNil(t, refresh)
	assert.True(t, access.HttpOnly)
	assert.True(t, refresh.HttpOnly)
	assert.Equal(t, "/", access.Path)
	assert.Equal(t, "/auth", refresh.Path)
	assert.NotContains(t, string(body), access.Value)
	assert.NotContains(t, string(body), refresh.Value)

	var out struct {
		User struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"user"`
		Orgs            []json.RawMessage `json:"orgs"`
		HasMultipleOrgs bool              `json:"has_multiple_orgs"`
		TenantID        string            `json:"tenant_id"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "u1", out.User.ID)
	assert.Len(t, out.Orgs, 1)
	assert.False(t, out.HasMultipleOrgs)
	assert.Equal(t, "t1", out.TenantID)

	resp, body = api.call(http.MethodGet, "/auth/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"current":true`)
}

func TestLoginFailuresUseEnvelope(t *testing.T) {
	f := authtest.New(t, func(c *authcore.Config) {
		c.Lockout.Threshold = 100
		c.RateLimit.LoginPerEmail.Max = 1
	})
	f.AddUser(t, "u1", "alice@example.com", "correct-horse")
	api := newAPI(t, f, httpapi.Options{})

	resp, body := api.call(http.MethodPost, "/auth/login", map[string]any{"email": "alice@example.com", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, authcore.CodeInvalidCredentials, errorCode(t, body))

	resp, body = api.call(http.MethodPost, "/auth/login", map[string]any{"email": "alice@example.com", "password": "correct-horse"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, authcore.CodeRateLimited, errorCode(t, body))

	req, err := http.NewRequest(http.MethodPost, api.server.URL+"/auth/login", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	rawBody, err := io.ReadAll(raw.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
	assert.Equal(t, authcore.CodeInvalidRequest, errorCode(t, rawBody))
}

func TestTwoOrgLoginThenSelect(t *testing.T) {
	f := authtest.New(t, nil)
	f.AddUser(t, "u1", "alice@example.com", "correct-horse")
	f.AddOrg("u1", "t1", "Acme", authcore.RoleOwner)
	f.AddOrg("u1", "t2", "Globex", authcore.RoleMember)
	f.AddOrg("u2", "t3", "Initech", authcore.RoleOwner)
	api := newAPI(t, f, httpapi.Options{})

	_, out := login(t, api, "alice@example.com", "correct-horse")
	assert.Equal(t, true, out["has_multiple_orgs"])
	assert.Len(t, out["orgs"], 2)

	resp, body := api.call(http.MethodGet, "/auth/orgs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "tenant_id")

	gated := []struct{ method, path string }{
		{http.MethodGet, "/auth/sessions"},
		{http.MethodDelete, "/auth/sessions/some-id"},
		{http.MethodPost, "/auth/logout-all"},
		{http.MethodPost, "/auth/mfa/setup"},
		{http.MethodGet, "/auth/mfa/status"},
		{http.MethodPost, "/auth/mfa/disable"},
	}
	for _, g := range gated {
		resp, body = api.call(g.method, g.path, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, "%s %s", g.method, g.path)
		assert.Equal(t, authcore.CodeOrgSelectionRequired, errorCode(t, body), "%s %s", g.method, g.path)
	}

	resp, body = api.call(http.MethodPost, "/auth/select-org", map[string]string{"tenant_id": "t3"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, authcore.CodeNotAMember, errorCode(t, body))

	resp, body = api.call(http.MethodPost, "/auth/select-org", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, authcore.CodeInvalidRequest, errorCode(t, body))

	resp, body = api.call(http.MethodPost, "/auth/select-org", map[string]string{"tenant_id": "t1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.NotNil(t, cookieNamed(resp, middleware.AccessCookieName))
	var bound struct {
		SessionID string `json:"session_id"`
		TenantID  string `json:"tenant_id"`
		Role      string `json:"role"`
	}
	require.NoError(t, json.Unmarshal(body, &bound))
	assert.Equal(t, "t1", bound.TenantID)
	assert.Equal(t, "owner", bound.Role)

	resp, _ = api.call(http.MethodGet, "/auth/sessions", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "bound token passes the gate")

	resp, body = api.call(http.MethodPost, "/auth/switch-org", map[string]string{"tenant_id": "t2"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var switched struct {
		SessionID string `json:"session_id"`
		TenantID  string `json:"tenant_id"`
		Role      string `json:"role"`
	}
	require.NoError(t, json.Unmarshal(body, &switched))
	assert.Equal(t, bound.SessionID, switched.SessionID)
	assert.Equal(t, "t2", switched.TenantID)
	assert.Equal(t, "member", switched.Role)

	resp, body = api.call(http.MethodGet, "/auth/orgs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"tenant_id":"t2"`)
}

func TestRefreshRotatesAndReplayRevokes(t *testing.T) {
	f := authtest.New(t, nil)
	f.AddUser(t, "u1", "alice@example.com", "correct-horse")
	api := newAPI(t, f, httpapi.Options{})

	resp, _ := login(t, api, "alice@example.com", "correct-horse")
	original := cookieNamed(resp, middleware.RefreshCookieName)
	require.NotNil(t, original)

	resp, body := api.call(http.MethodPost, "/auth/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	rotated := cookieNamed(resp, middleware.RefreshCookieName)
	require.NotNil(t, rotated)
	assert.NotEqual(t, original.Value, rotated.Value)

	replay := &http.Cookie{Name: middleware.RefreshCookieName, Value: original.Value}
	resp, body = api.do(http.DefaultClient, http.MethodPost, "/auth/refresh", nil, replay)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, authcore.CodeSessionReused, errorCode(t, body))
	cleared := cookieNamed(resp, middleware.RefreshCookieName)
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)

	resp, body = api.call(http.MethodPost, "/auth/refresh", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, authcore.CodeSessionRevoked, errorCode(t, body))

	resp, body = api.do(http.DefaultClient, http.MethodPost, "/auth/refresh", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, authcore.CodeUnauthorized, errorCode(t, body))
}

func TestSessionsLogoutAndLogoutAll(t *testing.T) {
	f := authtest.New(t, nil)
	f.AddUser(t, "u1", "alice@example.com", "correct-horse")
	laptop := newAPI(t, f, httpapi.Options{})
	phone := &apiClient{t: t, server: laptop.server, http: newJarClient(t)}
	tablet := &apiClient{t: t, server: laptop.server, http: newJarClient(t)}

	login(t, laptop, "alice@example.com", "correct-horse")
	login(t, phone, "alice@example.com", "correct-horse")
	login(t, tablet, "alice@example.com", "correct-horse")

	resp, body := laptop.call(http.MethodGet, "/auth/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Sessions []authcore.SessionInfo `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Sessions, 3)

	var phoneID string
	_, phoneBody := phone.call(http.MethodGet, "/auth/sessions", nil)
	var phoneList struct {
		Sessions []authcore.SessionInfo `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(phoneBody, &phoneList))
	for _, s := range phoneList.Sessions {
		if s.Current {
			phoneID = s.ID
		}
	}
	require.NotEmpty(t, phoneID)

	resp, _ = laptop.call(http.MethodDelete, "/auth/sessions/"+phoneID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, body = phone.call(http.MethodGet, "/auth/sessions", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, authcore.CodeSessionRevoked, errorCode(t, body))

	resp, body = laptop.call(http.MethodDelete, "/auth/sessions/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, authcore.CodeSessionNotFound, errorCode(t, body))

	resp, _ = tablet.call(http.MethodPost, "/auth/logout", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = tablet.call(http.MethodGet, "/auth/sessions", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "cookies were cleared")

	login(t, tablet, "alice@example.com", "correct-horse")
	resp, body = laptop.call(http.MethodPost, "/auth/logout-all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"revoked":2}`, string(body))

	resp, _ = tablet.call(http.MethodPost, "/auth/refresh", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthzAndMetricsMount(t *testing.T) {
	f := authtest.New(t, nil)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "authcore_login_success_total 0\n")
	})
	api := newAPI(t, f, httpapi.Options{Metrics: metrics})

	resp, body := api.call(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"redis_available":true`)

	resp, body = api.call(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "authcore_login_success_total")

	f.Redis.Close()
	resp, _ = api.call(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
