package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// RetryHeader marks a request replayed after a refresh. A marked request
// is never routed through the refresh path again.
const RetryHeader = "X-Authcore-Retry"

const maxErrorBody = 64 << 10

// DefaultExcludedPaths are never retried: refreshing cannot help them.
var DefaultExcludedPaths = []string{
	"/auth/login",
	"/auth/refresh",
	"/auth/mfa/verify",
	"/auth/mfa/backup",
	"/auth/forgot-password",
	"/auth/reset-password",
}

// Transport replays requests that failed with an expired access token once
// the Coordinator has refreshed.
type Transport struct {
	Base        http.RoundTripper
	Coordinator *Coordinator
	// Jar supplies the cookies for a replayed request. It should be the
	// jar of the http.Client using this Transport.
	Jar http.CookieJar
	// Exclude lists paths that are never retried; nil means
	// DefaultExcludedPaths.
	Exclude []string
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) excluded(path string) bool {
	exclude := t.Exclude
	if exclude == nil {
		exclude = DefaultExcludedPaths
	}
	for _, p := range exclude {
		if path == p {
			return true
		}
	}
	return false
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Coordinator == nil || req.Header.Get(RetryHeader) != "" || t.excluded(req.URL.Path) {
		return t.base().RoundTrip(req)
	}
	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	observed := t.Coordinator.Generation()
	resp, err := t.base().RoundTrip(req)
	if err != nil || !replayable {
		return resp, err
	}
	expired, err := accessExpired(resp)
	if err != nil || !expired {
		return resp, err
	}

	if err := t.Coordinator.Await(req.Context(), observed); err != nil {
		if errors.Is(err, ErrRefreshRejected) {
			return resp, nil
		}
		_ = resp.Body.Close()
		return nil, err
	}
	_ = resp.Body.Close()

	retry, err := t.replay(req)
	if err != nil {
		return nil, err
	}
	return t.base().RoundTrip(retry)
}

func (t *Transport) replay(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("client: replay body: %w", err)
		}
		retry.Body = body
	}
	retry.Header.Set(RetryHeader, "1")
	if t.Jar != nil {
		retry.Header.Del("Cookie")
		for _, c := range t.Jar.Cookies(req.URL) {
			retry.AddCookie(c)
		}
	}
	return retry, nil
}

// accessExpired reports whether resp is a 401 token_expired envelope. A
// 401 body is buffered so the caller can still read it.
func accessExpired(resp *http.Response) (bool, error) {
	if resp.StatusCode != http.StatusUnauthorized {
		return false, nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return false, fmt.Errorf("client: read error body: %w", err)
	}
	return errorCode(raw) == "token_expired", nil
}

func errorCode(raw []byte) string {
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &env) != nil {
		return ""
	}
	return env.Error.Code
}

// Refresher returns a RefreshFunc that POSTs to baseURL + "/auth/refresh"
// with hc. hc's cookie jar carries the refresh cookie in and the rotated
// pair back out.
func Refresher(hc *http.Client, baseURL string) RefreshFunc {
	endpoint := strings.TrimRight(baseURL, "/") + "/auth/refresh"
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := hc.Do(req)
		if err != nil {
			return fmt.Errorf("client: refresh: %w", err)
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		switch {
		case resp.StatusCode == http.StatusOK:
			return nil
		case refreshRejected(resp.StatusCode):
			return fmt.Errorf("%w: %d %s", ErrRefreshRejected, resp.StatusCode, errorCode(raw))
		default:
			return fmt.Errorf("client: refresh: unexpected status %d", resp.StatusCode)
		}
	}
}

// refreshRejected reports whether a refresh status is final for the
// session. Throttling and timeouts are retried on the next expiry.
func refreshRejected(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return false
	}
	return status >= 400 && status < 500
}
