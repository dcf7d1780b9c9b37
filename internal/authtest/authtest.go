// Package authtest builds a fully wired Engine over miniredis and the
// in-memory stores for transport-level tests.
package authtest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/store/memory"
)

// Clock is a manually advanced time source. It starts at wall-clock time so
// cookie expiries written by HTTP handlers are in the future for real
// cookie jars.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Mailbox records delivered reset tokens.
type Mailbox struct {
	mu     sync.Mutex
	tokens []string
}

func (m *Mailbox) SendPasswordReset(_ context.Context, _ authcore.Identity, token string, _ time.Time) error {
	m.mu.Lock()
	m.tokens = append(m.tokens, token)
	m.mu.Unlock()
	return nil
}

// Last returns the most recently delivered token, or "".
func (m *Mailbox) Last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tokens) == 0 {
		return ""
	}
	return m.tokens[len(m.tokens)-1]
}

func (m *Mailbox) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

type Fixture struct {
	Engine  *authcore.Engine
	Store   *memory.Store
	Redis   *miniredis.Miniredis
	Clock   *Clock
	Mailbox *Mailbox
	Config  authcore.Config

	hasher *password.Argon2
}

// New builds a fixture. mutate, when set, adjusts the config before Build.
func New(t testing.TB, mutate func(*authcore.Config)) *Fixture {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cfg := authcore.DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.MFA.EncryptionKey = make([]byte, 32)
	_, err = rand.Read(cfg.MFA.EncryptionKey)
	require.NoError(t, err)
	cfg.Audit.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	hasher, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
		MinBytes:    cfg.Password.MinBytes,
		MaxBytes:    cfg.Password.MaxBytes,
	})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &Fixture{
		Store:   memory.New(),
		Redis:   mr,
		Clock:   &Clock{now: time.Now().Truncate(time.Second)},
		Mailbox: &Mailbox{},
		Config:  cfg,
		hasher:  hasher,
	}

	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithIdentityStore(f.Store).
		WithMembershipStore(f.Store).
		WithEnrollmentStore(f.Store).
		WithResetTokenStore(f.Store).
		WithResetNotifier(f.Mailbox).
		WithClock(f.Clock.Now).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	f.Engine = engine
	return f
}

// AddUser seeds a verified password identity.
func (f *Fixture) AddUser(t testing.TB, id, email, pw string) {
	t.Helper()
	hash, err := f.hasher.Hash(pw)
	require.NoError(t, err)
	f.Store.PutIdentity(authcore.Identity{
		ID:            id,
		Email:         email,
		PasswordHash:  hash,
		EmailVerified: true,
		Provider:      authcore.ProviderPassword,
	})
}

func (f *Fixture) AddOrg(identityID, tenantID, name string, role authcore.Role) {
	f.Store.PutOrganization(authcore.Organization{ID: tenantID, Name: name})
	f.Store.Grant(identityID, tenantID, role)
}

// Login signs in and fails the test on error.
func (f *Fixture) Login(t testing.TB, email, pw string) *authcore.LoginResult {
	t.Helper()
	res, err := f.Engine.Login(context.Background(), email, pw, false)
	require.NoError(t, err)
	return res
}

// TOTPCode returns the code for secret at the fixture's current time.
func (f *Fixture) TOTPCode(t testing.TB, secret string) string {
	t.Helper()
	code, err := authcore.GenerateTOTPCode(secret, f.Clock.Now(), f.Config.MFA)
	require.NoError(t, err)
	return code
}
