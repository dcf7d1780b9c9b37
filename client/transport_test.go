package client_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/client"
	"github.com/MrEthical07/authcore/httpapi"
	"github.com/MrEthical07/authcore/internal/authtest"
)

type countingServer struct {
	*httptest.Server
	refreshes atomic.Int32
}

func newCountingServer(t *testing.T, next http.Handler) *countingServer {
	t.Helper()
	s := &countingServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh" {
			s.refreshes.Add(1)
		}
		next.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

// newSessionClient wires a jar-backed http.Client through a Transport whose
// coordinator refreshes with a plain client sharing the same jar.
func newSessionClient(t *testing.T, baseURL string, opts ...client.Option) (*http.Client, *client.Coordinator) {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	coord := client.NewCoordinator(client.Refresher(&http.Client{Jar: jar}, baseURL), opts...)
	return &http.Client{Jar: jar, Transport: &client.Transport{Coordinator: coord, Jar: jar}}, coord
}

func post(t *testing.T, hc *http.Client, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := hc.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func TestParallelExpiredCallsShareOneRefresh(t *testing.T) {
	f := authtest.New(t, nil)
	f.AddUser(t, "u1", "alice@example.com", "correct-horse")
	f.AddOrg("u1", "t1", "Acme", authcore.RoleOwner)
	f.AddOrg("u1", "t2", "Globex", authcore.RoleMember)
	srv := newCountingServer(t, httpapi.New(f.Engine, httpapi.Options{}))
	hc, coord := newSessionClient(t, srv.URL)

	resp := post(t, hc, srv.URL+"/auth/login", map[string]string{"email": "alice@example.com", "password": "correct-horse"})
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f.Clock.Advance(f.Config.JWT.AccessTTL + f.Config.JWT.Leeway + 1)

	const calls = 3
	var wg sync.WaitGroup
	statuses := make(chan int, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := hc.Get(srv.URL + "/auth/orgs")
			if !assert.NoError(t, err) {
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			statuses <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(statuses)

	for status := range statuses {
		assert.Equal(t, http.StatusOK, status)
	}
	assert.Equal(t, int32(1), srv.refreshes.Load())
	assert.Equal(t, uint64(1), coord.Generation())

	// A body-carrying request is replayed from GetBody after the next expiry.
	f.Clock.Advance(f.Config.JWT.AccessTTL + f.Config.JWT.Leeway + 1)
	resp = post(t, hc, srv.URL+"/auth/select-org", map[string]string{"tenant_id": "t2"})
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"tenant_id":"t2"`)
	assert.Equal(t, int32(2), srv.refreshes.Load())
}

func TestRejectedRefreshFiresAuthFailureOnce(t *testing.T) {
	var apiCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"code":"session_revoked","message":"session revoked"}}`)
	})
	mux.HandleFunc("GET /api/data", func(w http.ResponseWriter, r *http.Request) {
		apiCalls.Add(1)
		assert.Empty(t, r.Header.Get(client.RetryHeader), "rejected refresh means no replay")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"code":"token_expired","message":"token expired"}}`)
	})
	srv := newCountingServer(t, mux)

	var failures atomic.Int32
	hc, _ := newSessionClient(t, srv.URL, client.WithAuthFailureHandler(func(error) { failures.Add(1) }))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := hc.Get(srv.URL + "/api/data")
			if !assert.NoError(t, err) {
				return
			}
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Contains(t, string(body), "token_expired", "original body stays readable")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), srv.refreshes.Load())
	assert.Equal(t, int32(1), failures.Load())
	assert.Equal(t, int32(3), apiCalls.Load())
}

func TestLostMembershipFailsQueuedCallsTogether(t *testing.T) {
	f := authtest.New(t, nil)
	f.AddUser(t, "u1", "alice@example.com", "correct-horse")
	f.AddOrg("u1", "t1", "Acme", authcore.RoleMember)
	srv := newCountingServer(t, httpapi.New(f.Engine, httpapi.Options{}))

	var failures atomic.Int32
	hc, _ := newSessionClient(t, srv.URL, client.WithAuthFailureHandler(func(err error) {
		assert.ErrorIs(t, err, client.ErrRefreshRejected)
		failures.Add(1)
	}))

	resp := post(t, hc, srv.URL+"/auth/login", map[string]string{"email": "alice@example.com", "password": "correct-horse"})
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f.Store.Revoke("u1", "t1")
	f.Clock.Advance(f.Config.JWT.AccessTTL + f.Config.JWT.Leeway + 1)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := hc.Get(srv.URL + "/auth/sessions")
			if !assert.NoError(t, err) {
				return
			}
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Contains(t, string(body), "token_expired")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), srv.refreshes.Load())
	assert.Equal(t, int32(1), failures.Load())
}

func TestRefresherClassifiesStatuses(t *testing.T) {
	tests := []struct {
		status   int
		rejected bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, true},
		{http.StatusGone, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":{"code":"x","message":"x"}}`)
			}))
			defer srv.Close()

			err := client.Refresher(srv.Client(), srv.URL)(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.rejected, errors.Is(err, client.ErrRefreshRejected))
		})
	}
}

func TestExcludedPathsAreNotRetried(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"code":"token_expired","message":"token expired"}}`)
	})
	srv := newCountingServer(t, mux)
	hc, _ := newSessionClient(t, srv.URL)

	resp := post(t, hc, srv.URL+"/auth/login", map[string]string{})
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, srv.refreshes.Load())
}
