package password

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func newHasher(t *testing.T, cfg Config) *Argon2 {
	t.Helper()
	a, err := NewArgon2(cfg)
	require.NoError(t, err)
	return a
}

func TestHashAndVerify(t *testing.T) {
	a := newHasher(t, fastConfig())

	hash, err := a.Hash("correct horse battery")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=8192,t=1,p=1$"))

	ok, err := a.Verify("correct horse battery", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.Verify("wrong horse battery", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashEnforcesLengthPolicy(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxBytes = 16
	a := newHasher(t, cfg)

	_, err := a.Hash("short")
	require.ErrorIs(t, err, ErrTooShort)

	_, err = a.Hash(strings.Repeat("x", 17))
	require.ErrorIs(t, err, ErrTooLong)

	_, err = a.Hash(strings.Repeat("x", 16))
	require.NoError(t, err)
}

func TestVerifyOverlongInputRejectedWithoutError(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxBytes = 16
	a := newHasher(t, cfg)
	hash, err := a.Hash("0123456789")
	require.NoError(t, err)

	ok, err := a.Verify(strings.Repeat("x", 64), hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNeedsUpgrade(t *testing.T) {
	weak := newHasher(t, fastConfig())
	hash, err := weak.Hash("correct horse battery")
	require.NoError(t, err)

	stronger := fastConfig()
	stronger.Time = 2
	strong := newHasher(t, stronger)

	upgrade, err := strong.NeedsUpgrade(hash)
	require.NoError(t, err)
	assert.True(t, upgrade)

	upgrade, err = weak.NeedsUpgrade(hash)
	require.NoError(t, err)
	assert.False(t, upgrade)
}

func TestVerifyMalformedHash(t *testing.T) {
	a := newHasher(t, fastConfig())
	for _, bad := range []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA==$aGFzaA==",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA==$aGFzaA==",
		"$argon2id$v=19$m=1,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA==$aGFzaA==",
	} {
		_, err := a.Verify("correct horse battery", bad)
		assert.Error(t, err, bad)
	}
}

func TestVerifyDummyDoesNotPanic(t *testing.T) {
	a := newHasher(t, fastConfig())
	a.VerifyDummy("anything at all")
}

func TestNewArgon2RejectsWeakConfig(t *testing.T) {
	cfg := fastConfig()
	cfg.Memory = 1024
	_, err := NewArgon2(cfg)
	require.Error(t, err)
}
