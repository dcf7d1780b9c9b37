package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/internal/config"
)

func TestKeygenOutputLoadsIntoConfig(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeKeys(&buf, rand.Reader))

	env := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		require.True(t, ok, line)
		env[k] = v
	}
	assert.Contains(t, buf.String(), "# -----BEGIN PUBLIC KEY-----")

	_, err := config.ParseSigningKey(env["AUTHCORE_JWT_PRIVATE_KEY"])
	require.NoError(t, err)
	key, err := base64.StdEncoding.DecodeString(env["AUTHCORE_MFA_ENCRYPTION_KEY"])
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestResetLinkKeepsExistingQuery(t *testing.T) {
	link, err := resetLink("https://app.example.com/reset?lang=en", "tok/with+chars")
	require.NoError(t, err)

	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "en", u.Query().Get("lang"))
	assert.Equal(t, "tok/with+chars", u.Query().Get("token"))

	_, err = resetLink("://bad", "x")
	require.Error(t, err)
}

func TestLinkNotifierLogsLink(t *testing.T) {
	var buf bytes.Buffer
	n := &linkNotifier{
		baseURL: "http://localhost:3000/reset-password",
		logger:  slog.New(slog.NewJSONHandler(&buf, nil)),
	}
	err := n.SendPasswordReset(context.Background(), authcore.Identity{ID: "u1"}, "abc", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"identity_id":"u1"`)
	assert.Contains(t, buf.String(), "reset-password?token=abc")
}

func TestLoadtestAgainstMiniredis(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	var out bytes.Buffer
	err := runLoadtest(context.Background(), &out, &loadtestOptions{
		sessions:    20,
		concurrency: 4,
		ops:         200,
		prefix:      "lt",
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "get: ops=200 failures=0")
	assert.Contains(t, out.String(), "rotate: ops=200 failures=0")
}

func TestLoadtestRejectsZeroCounts(t *testing.T) {
	err := runLoadtest(context.Background(), &bytes.Buffer{}, &loadtestOptions{sessions: 1, concurrency: 0, ops: 1})
	require.Error(t, err)
}

func TestPercentile(t *testing.T) {
	samples := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, time.Duration(1), percentile(samples, 0))
	assert.Equal(t, time.Duration(5), percentile(samples, 50))
	assert.Equal(t, time.Duration(10), percentile(samples, 100))
	assert.Zero(t, percentile(nil, 50))

	s := computeStats(time.Second, []time.Duration{3, 1, 2}, 1)
	assert.Equal(t, 3, s.ops)
	assert.Equal(t, int64(1), s.failures)
	assert.Equal(t, time.Duration(2), s.p50)
}

func TestMigrateRejectsUnknownDirection(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"migrate", "sideways"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	require.Error(t, cmd.Execute())
}

func TestCheckConfigStrictFailsOnWarn(t *testing.T) {
	cfg := authcore.DefaultConfig()
	cfg.ValidationMode = authcore.ModeStrict

	var buf bytes.Buffer
	require.NoError(t, writeConfigCheck(&buf, cfg, true))
	assert.Contains(t, buf.String(), `"validation_mode": "strict"`)
	assert.Contains(t, buf.String(), `"warnings": []`)

	cfg.JWT.Leeway = 2 * time.Minute
	buf.Reset()
	err := writeConfigCheck(&buf, cfg, true)
	require.ErrorContains(t, err, "leeway_large")
	require.NoError(t, writeConfigCheck(&buf, cfg, false))
}
