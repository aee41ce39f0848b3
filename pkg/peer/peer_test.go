package peer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"teamtrust/pkg/auth"
	"teamtrust/pkg/config"
	"teamtrust/pkg/team"
	"teamtrust/pkg/types"
)

const waitFor = 5 * time.Second

func testConfig(t *testing.T, user string, listen bool) *config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.UserID = user
	cfg.DeviceID = "laptop"
	cfg.ListenAddress = ""
	cfg.HTTPAddress = ""
	if listen {
		cfg.ListenAddress = "127.0.0.1:0"
		cfg.HTTPAddress = "127.0.0.1:0"
	}
	return cfg
}

func newPeer(t *testing.T, cfg *config.Config) *Peer {
	t.Helper()
	if _, err := os.Stat(cfg.IdentityPath()); err != nil {
		_, err := CreateIdentity(cfg.IdentityPath(), types.UserID(cfg.UserID), types.DeviceID(cfg.DeviceID), false)
		require.NoError(t, err)
	}
	p, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	_, err := LoadIdentity(path)
	require.ErrorIs(t, err, ErrNoIdentity)

	local, err := CreateIdentity(path, "alice", "laptop", false)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, local, loaded)
	assert.True(t, loaded.User.Keys.HasSecrets())

	_, err = CreateIdentity(path, "alice", "laptop", false)
	assert.ErrorIs(t, err, ErrIdentityExists)

	t.Run("device only", func(t *testing.T) {
		local, err := CreateIdentity(filepath.Join(t.TempDir(), "identity.json"), "alice", "phone", true)
		require.NoError(t, err)
		assert.False(t, local.User.Keys.HasSecrets())
		assert.True(t, local.Device.Keys.HasSecrets())
	})
}

func TestPeer_NoTeam(t *testing.T) {
	p := newPeer(t, testConfig(t, "alice", false))
	assert.Nil(t, p.Team())
	_, err := p.Invite(false, team.InviteOptions{})
	assert.ErrorIs(t, err, ErrNoTeam)
	_, err = p.Summary()
	assert.ErrorIs(t, err, ErrNoTeam)

	_, err = p.CreateTeam("Spies Я Us")
	require.NoError(t, err)
	_, err = p.CreateTeam("again")
	assert.ErrorIs(t, err, ErrAlreadyTeam)
}

func TestPeer_JoinAndRestore(t *testing.T) {
	alice := newPeer(t, testConfig(t, "alice", true))
	_, err := alice.CreateTeam("Spies Я Us")
	require.NoError(t, err)
	require.NoError(t, alice.Start())

	inv, err := alice.Invite(false, team.InviteOptions{})
	require.NoError(t, err)

	bobCfg := testConfig(t, "bob", false)
	bob := newPeer(t, bobCfg)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	joined, err := bob.Join(ctx, alice.GRPCAddr().String(), inv.Seed)
	require.NoError(t, err)
	assert.True(t, joined.Has("bob"))
	assert.True(t, alice.Team().Has("bob"))
	_, err = joined.TeamKeys()
	require.NoError(t, err)

	require.NoError(t, bob.Close())
	restored := newPeer(t, bobCfg)
	require.NotNil(t, restored.Team())
	assert.Equal(t, alice.Team().ID(), restored.Team().ID())
	assert.True(t, restored.Team().Has("bob"))
	_, err = restored.Team().TeamKeys()
	require.NoError(t, err)

	t.Run("reconnect after restart", func(t *testing.T) {
		require.NoError(t, alice.Team().AddRole("managers"))
		_, err := restored.Connect(ctx, "alice", alice.GRPCAddr().String())
		require.NoError(t, err)
		require.Eventually(t, func() bool { return restored.Team().HasRole("managers") }, waitFor, 10*time.Millisecond)
	})

	t.Run("join over websocket", func(t *testing.T) {
		inv, err := alice.Invite(false, team.InviteOptions{})
		require.NoError(t, err)
		carol := newPeer(t, testConfig(t, "carol", false))
		joined, err := carol.Join(ctx, "ws://"+alice.HTTPAddr().String()+"/sync", inv.Seed)
		require.NoError(t, err)
		assert.True(t, joined.Has("carol"))
	})
}

func TestPeer_HTTP(t *testing.T) {
	alice := newPeer(t, testConfig(t, "alice", true))
	require.NoError(t, alice.Start())
	base := "http://" + alice.HTTPAddr().String()

	get := func(path string) (int, []byte) {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, body
	}

	code, _ := get("/team")
	assert.Equal(t, http.StatusNotFound, code)

	_, err := alice.CreateTeam("Spies Я Us")
	require.NoError(t, err)

	code, body := get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"team":true`)

	code, body = get("/team")
	require.Equal(t, http.StatusOK, code)
	var summary TeamSummary
	require.NoError(t, json.Unmarshal(body, &summary))
	assert.Equal(t, "Spies Я Us", summary.Name)
	assert.Positive(t, summary.StoredBytes)
	require.Len(t, summary.Members, 1)
	assert.True(t, summary.Members[0].Admin)
	assert.Equal(t, []types.DeviceID{"laptop"}, summary.Members[0].Devices)
	assert.Equal(t, 0, summary.Keys[types.TeamScope().String()])

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "teamtrust_resolutions_total")
}

func TestPeer_TLS(t *testing.T) {
	ca, err := auth.NewAuthority(t.TempDir(), "Spies Я Us", time.Hour)
	require.NoError(t, err)
	aliceTLS, err := ca.Issue("alice", []string{"127.0.0.1", "localhost"}, time.Hour)
	require.NoError(t, err)
	aliceTLS.RequireClientAuth = true
	bobTLS, err := ca.Issue("bob", nil, time.Hour)
	require.NoError(t, err)

	aliceCfg := testConfig(t, "alice", true)
	aliceCfg.TLS = *aliceTLS
	alice := newPeer(t, aliceCfg)
	_, err = alice.CreateTeam("Spies Я Us")
	require.NoError(t, err)
	require.NoError(t, alice.Start())
	inv, err := alice.Invite(false, team.InviteOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	t.Run("without a certificate", func(t *testing.T) {
		eve := newPeer(t, testConfig(t, "eve", false))
		_, err := eve.Join(ctx, alice.GRPCAddr().String(), inv.Seed)
		assert.Error(t, err)
		assert.Nil(t, eve.Team())
	})

	bobCfg := testConfig(t, "bob", false)
	bobCfg.TLS = *bobTLS
	bob := newPeer(t, bobCfg)
	joined, err := bob.Join(ctx, alice.GRPCAddr().String(), inv.Seed)
	require.NoError(t, err)
	assert.True(t, joined.Has("bob"))
}
