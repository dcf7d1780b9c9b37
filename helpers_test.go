package authcore_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/store/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_010, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentReset struct {
	identityID string
	token      string
	expiresAt  time.Time
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []sentReset
}

func (n *captureNotifier) SendPasswordReset(_ context.Context, identity authcore.Identity, token string, expiresAt time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentReset{identityID: identity.ID, token: token, expiresAt: expiresAt})
	return nil
}

func (n *captureNotifier) last(t *testing.T) sentReset {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.sent, "no reset token delivered")
	return n.sent[len(n.sent)-1]
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// flakyMemberships fails the next n membership reads with errBackend.
type flakyMemberships struct {
	authcore.MembershipStore
	fail atomic.Int32
}

var errBackend = errors.New("db blip")

func (f *flakyMemberships) take() bool {
	for {
		n := f.fail.Load()
		if n <= 0 {
			return false
		}
		if f.fail.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (f *flakyMemberships) Memberships(ctx context.Context, identityID string) ([]authcore.Membership, error) {
	if f.take() {
		return nil, errBackend
	}
	return f.MembershipStore.Memberships(ctx, identityID)
}

func (f *flakyMemberships) Membership(ctx context.Context, identityID, tenantID string) (authcore.Membership, error) {
	if f.take() {
		return authcore.Membership{}, errBackend
	}
	return f.MembershipStore.Membership(ctx, identityID, tenantID)
}

type harness struct {
	engine   *authcore.Engine
	store    *memory.Store
	members  *flakyMemberships
	redis    *miniredis.Miniredis
	clock    *testClock
	notifier *captureNotifier
	audit    *authcore.ChannelSink
	hasher   *password.Argon2
	config   authcore.Config
}

func testPasswordConfig() password.Config {
	return password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
		MinBytes:    8,
		MaxBytes:    128,
	}
}

func testConfig(t *testing.T) authcore.Config {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cfg := authcore.DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub

	pw := testPasswordConfig()
	cfg.Password.Memory = pw.Memory
	cfg.Password.Time = pw.Time
	cfg.Password.Parallelism = pw.Parallelism

	cfg.MFA.EncryptionKey = make([]byte, 32)
	_, err = rand.Read(cfg.MFA.EncryptionKey)
	require.NoError(t, err)
	cfg.RateLimit.MFAPerIdentity.Max = 100

	cfg.Audit.Enabled = false
	return cfg
}

func newHarness(t *testing.T, mutate func(*authcore.Config)) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}

	hasher, err := password.NewArgon2(testPasswordConfig())
	require.NoError(t, err)

	store := memory.New()
	h := &harness{
		store:    store,
		members:  &flakyMemberships{MembershipStore: store},
		redis:    mr,
		clock:    newTestClock(),
		notifier: &captureNotifier{},
		audit:    authcore.NewChannelSink(1024),
		hasher:   hasher,
		config:   cfg,
	}

	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithIdentityStore(h.store).
		WithMembershipStore(h.members).
		WithEnrollmentStore(h.store).
		WithResetTokenStore(h.store).
		WithResetNotifier(h.notifier).
		WithAuditSink(h.audit).
		WithClock(h.clock.Now).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	h.engine = engine
	return h
}

// addUser seeds a verified password identity.
func (h *harness) addUser(t *testing.T, id, email, pw string) {
	t.Helper()
	hash, err := h.hasher.Hash(pw)
	require.NoError(t, err)
	h.store.PutIdentity(authcore.Identity{
		ID:            id,
		Email:         email,
		PasswordHash:  hash,
		EmailVerified: true,
		Provider:      authcore.ProviderPassword,
	})
}

func (h *harness) addOrg(identityID, tenantID, name string, role authcore.Role) {
	h.store.PutOrganization(authcore.Organization{ID: tenantID, Name: name})
	h.store.Grant(identityID, tenantID, role)
}

func (h *harness) login(t *testing.T, email, pw string, rememberMe bool) *authcore.LoginResult {
	t.Helper()
	res, err := h.engine.Login(context.Background(), email, pw, rememberMe)
	require.NoError(t, err)
	return res
}

func (h *harness) totpCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := authcore.GenerateTOTPCode(secret, at, h.config.MFA)
	require.NoError(t, err)
	return code
}

// wrongTOTPCode returns a well-formed code that matches no step inside the
// accepted window at at.
func (h *harness) wrongTOTPCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	period := time.Duration(h.config.MFA.Period) * time.Second
	valid := map[string]bool{}
	for _, d := range []time.Duration{-period, 0, period} {
		valid[h.totpCode(t, secret, at.Add(d))] = true
	}
	for _, c := range []string{"000000", "111111", "222222", "333333"} {
		if !valid[c] {
			return c
		}
	}
	t.Fatal("no wrong code found")
	return ""
}

// enableMFA runs setup and confirm for identityID and returns the secret and
// backup codes.
func (h *harness) enableMFA(t *testing.T, identityID string) (string, []string) {
	t.Helper()
	ctx := context.Background()
	setup, err := h.engine.StartMFASetup(ctx, identityID)
	require.NoError(t, err)
	codes, err := h.engine.ConfirmMFASetup(ctx, identityID, setup.SetupToken, h.totpCode(t, setup.Secret, h.clock.Now()))
	require.NoError(t, err)
	return setup.Secret, codes
}
