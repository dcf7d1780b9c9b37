package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEdManager(t *testing.T, mutate func(*Config)) (*Manager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cfg := Config{
		AccessTTL:     5 * time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        "authcore",
		Audience:      "api",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m, priv
}

func TestCreateAndParseCarriesBinding(t *testing.T) {
	m, _ := newEdManager(t, nil)

	token, exp, err := m.CreateAccess(Subject{
		IdentityID: "u1",
		SessionID:  "s1",
		TenantID:   "t1",
		Role:       "admin",
		RememberMe: true,
	})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), exp, 2*time.Second)

	claims, err := m.ParseAccess(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UID)
	assert.Equal(t, "s1", claims.SID)
	assert.Equal(t, "t1", claims.TID)
	assert.Equal(t, "admin", claims.Role)
	assert.False(t, claims.OSR)
	assert.True(t, claims.RM)
}

func TestParseAccessOrgSelectionFlag(t *testing.T) {
	m, _ := newEdManager(t, nil)
	token, _, err := m.CreateAccess(Subject{IdentityID: "u1", SessionID: "s1", OrgSelectionRequired: true})
	require.NoError(t, err)

	claims, err := m.ParseAccess(token)
	require.NoError(t, err)
	assert.Empty(t, claims.TID)
	assert.True(t, claims.OSR)
}

func TestParseAccessExpiredIsDistinct(t *testing.T) {
	m, _ := newEdManager(t, nil)
	issued := time.Now()
	m.SetClock(func() time.Time { return issued })
	token, _, err := m.CreateAccess(Subject{IdentityID: "u1", SessionID: "s1"})
	require.NoError(t, err)

	m.SetClock(func() time.Time { return issued.Add(10 * time.Minute) })
	_, err = m.ParseAccess(token)
	require.ErrorIs(t, err, ErrExpired)
}

func TestParseAccessRejectsWrongAlgorithm(t *testing.T) {
	m, _ := newEdManager(t, nil)

	claims := AccessClaims{UID: "u1", SID: "s1", RegisteredClaims: gjwt.RegisteredClaims{
		Issuer:    "authcore",
		Audience:  gjwt.ClaimStrings{"api"},
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	token, err := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims).SignedString([]byte("secret-secret-secret-secret-secret"))
	require.NoError(t, err)

	_, err = m.ParseAccess(token)
	require.Error(t, err)
}

func TestParseAccessIssuerAndAudience(t *testing.T) {
	m, priv := newEdManager(t, nil)

	for name, claims := range map[string]AccessClaims{
		"issuer": {UID: "u1", SID: "s1", RegisteredClaims: gjwt.RegisteredClaims{
			Issuer:    "other",
			Audience:  gjwt.ClaimStrings{"api"},
			ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
		}},
		"audience": {UID: "u1", SID: "s1", RegisteredClaims: gjwt.RegisteredClaims{
			Issuer:    "authcore",
			Audience:  gjwt.ClaimStrings{"other-api"},
			ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
		}},
		"missing sid": {UID: "u1", RegisteredClaims: gjwt.RegisteredClaims{
			Issuer:    "authcore",
			Audience:  gjwt.ClaimStrings{"api"},
			ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
		}},
	} {
		t.Run(name, func(t *testing.T) {
			token, err := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, claims).SignedString(priv)
			require.NoError(t, err)
			_, err = m.ParseAccess(token)
			require.Error(t, err)
		})
	}
}

func TestParseAccessUnknownKidFails(t *testing.T) {
	m, priv := newEdManager(t, func(c *Config) {
		c.KeyID = "k1"
		c.VerifyKeys = map[string][]byte{"k1": c.PublicKey}
	})

	claims := AccessClaims{UID: "u1", SID: "s1", RegisteredClaims: gjwt.RegisteredClaims{
		Issuer:    "authcore",
		Audience:  gjwt.ClaimStrings{"api"},
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	tok := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = "k2"
	bad, err := tok.SignedString(priv)
	require.NoError(t, err)
	_, err = m.ParseAccess(bad)
	require.Error(t, err)

	tok = gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = "k1"
	good, err := tok.SignedString(priv)
	require.NoError(t, err)
	_, err = m.ParseAccess(good)
	require.NoError(t, err)
}

func TestNewManagerRejectsShortHMACKey(t *testing.T) {
	_, err := NewManager(Config{AccessTTL: time.Minute, SigningMethod: MethodHS256, PrivateKey: []byte("short")})
	require.Error(t, err)
}
