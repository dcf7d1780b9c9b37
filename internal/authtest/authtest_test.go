package authtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/authcore"
)

func TestFixtureSeedsLoginableUser(t *testing.T) {
	f := New(t, nil)
	f.AddUser(t, "u1", "alice@example.com", "correct-horse")
	f.AddOrg("u1", "t1", "Acme", authcore.RoleOwner)

	res := f.Login(t, "alice@example.com", "correct-horse")
	assert.Equal(t, "u1", res.Identity.ID)
	assert.NotEmpty(t, res.Tokens.RefreshToken)
}

func TestFixtureFollowsConfiguredPasswordPolicy(t *testing.T) {
	f := New(t, func(c *authcore.Config) { c.Password.MinBytes = 12 })
	require.Equal(t, 12, f.Config.Password.MinBytes)

	_, err := f.hasher.Hash("eleven-char")
	require.Error(t, err)
	f.AddUser(t, "u1", "alice@example.com", "twelve-chars")
}
