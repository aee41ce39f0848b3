package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamtrust/pkg/invitation"
)

func TestJoinTarget(t *testing.T) {
	t.Run("address and seed", func(t *testing.T) {
		addr, seed, err := joinTarget([]string{"localhost:7700", "abcd"})
		require.NoError(t, err)
		assert.Equal(t, "localhost:7700", addr)
		assert.Equal(t, "abcd", seed)
	})

	t.Run("link printed by invite", func(t *testing.T) {
		link := invitation.FormatShareURL("ws://team.example:7701/sync", "abcd")
		addr, seed, err := joinTarget([]string{link})
		require.NoError(t, err)
		assert.Equal(t, "ws://team.example:7701/sync", addr)
		assert.Equal(t, "abcd", seed)
	})

	t.Run("lone address", func(t *testing.T) {
		_, _, err := joinTarget([]string{"localhost:7700"})
		assert.Error(t, err)
	})
}

func TestAdvertisedAddress(t *testing.T) {
	hostname, err := os.Hostname()
	require.NoError(t, err)

	assert.Equal(t, "peer.example:7700", advertisedAddress("peer.example:7700"))
	assert.Equal(t, hostname+":7700", advertisedAddress(":7700"))
	assert.Equal(t, hostname+":7700", advertisedAddress("0.0.0.0:7700"))
}

func TestInviteCmd_RejectsZeroMaxUses(t *testing.T) {
	cmd := inviteCmd()
	cmd.SetArgs([]string{"member", "--max-uses", "0"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--max-uses must be at least 1")
}
