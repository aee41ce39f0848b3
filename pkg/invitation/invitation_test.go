package invitation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSeed(t *testing.T) {
	seed, err := GenerateSeed()
	require.NoError(t, err)
	assert.Len(t, seed, 16)
	assert.Equal(t, strings.ToLower(seed), seed)

	other, err := GenerateSeed()
	require.NoError(t, err)
	assert.NotEqual(t, seed, other)
}

func TestCreate_SeedIsNotStored(t *testing.T) {
	seed := "passw0rd-abcd-efgh"
	inv, err := Create(seed, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, inv.MaxUses)
	assert.Zero(t, inv.Expiration)
	assert.NotContains(t, string(inv.PublicKey), seed)

	// Normalization makes typed variants equivalent
	id, err := ID("PASSW0RD abcd efgh")
	require.NoError(t, err)
	assert.Equal(t, inv.ID, id)
}

func TestCreate_RejectsNegativeMaxUses(t *testing.T) {
	_, err := Create("passw0rd-abcd-efgh", Options{MaxUses: -1})
	assert.ErrorIs(t, err, ErrInvitationInvalid)
}

func TestValidate(t *testing.T) {
	now := time.Now()
	seed, err := GenerateSeed()
	require.NoError(t, err)
	inv, err := Create(seed, Options{MaxUses: 2, Expiration: now.Add(time.Hour)})
	require.NoError(t, err)
	state := State{Invitation: inv}

	challenge := []byte("nonce-1")
	proof, err := Prove(seed, "bob", "laptop", challenge)
	require.NoError(t, err)
	require.NoError(t, Validate(proof, state, now))

	t.Run("wrong seed", func(t *testing.T) {
		bad, err := Prove("not the seed", "bob", "laptop", challenge)
		require.NoError(t, err)
		bad.InvitationID = inv.ID
		assert.ErrorIs(t, Validate(bad, state, now), ErrInvitationInvalid)
	})

	t.Run("replayed for another user", func(t *testing.T) {
		replay := proof
		replay.UserID = "eve"
		assert.ErrorIs(t, Validate(replay, state, now), ErrInvitationInvalid)
	})

	t.Run("revoked", func(t *testing.T) {
		s := state
		s.Revoked = true
		assert.ErrorIs(t, Validate(proof, s, now), ErrInvitationInvalid)
	})

	t.Run("expired", func(t *testing.T) {
		assert.ErrorIs(t, Validate(proof, state, now.Add(2*time.Hour)), ErrInvitationInvalid)
	})

	t.Run("exhausted", func(t *testing.T) {
		s := state
		s.Uses = 2
		err := Validate(proof, s, now)
		assert.ErrorIs(t, err, ErrInvitationInvalid)
		assert.Contains(t, err.Error(), "usage limit")
	})

	t.Run("device invitation for another member", func(t *testing.T) {
		s := state
		s.UserID = "alice"
		assert.ErrorIs(t, Validate(proof, s, now), ErrInvitationInvalid)
	})
}

func TestShareURL(t *testing.T) {
	t.Run("gRPC address", func(t *testing.T) {
		link := FormatShareURL("localhost:7400", "abcd")
		assert.True(t, IsShareURL(link))

		addr, seed, err := ParseShareURL(link)
		require.NoError(t, err)
		assert.Equal(t, "localhost:7400", addr)
		assert.Equal(t, "abcd", seed)
	})

	t.Run("WebSocket address keeps its path", func(t *testing.T) {
		link := FormatShareURL("ws://team.example:7701/sync", "abcd efgh")

		addr, seed, err := ParseShareURL(link)
		require.NoError(t, err)
		assert.Equal(t, "ws://team.example:7701/sync", addr)
		assert.Equal(t, "abcd efgh", seed)
	})

	t.Run("rejects other links", func(t *testing.T) {
		for _, link := range []string{
			"https://join?address=x&seed=y",
			"teamtrust://leave?address=x&seed=y",
			"teamtrust://join?address=x",
			"localhost:7400",
		} {
			_, _, err := ParseShareURL(link)
			assert.ErrorIs(t, err, ErrInvitationInvalid, link)
		}
		assert.False(t, IsShareURL("localhost:7400"))
	})
}
