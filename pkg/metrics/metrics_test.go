package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamtrust/pkg/history"
	"teamtrust/pkg/team"
	"teamtrust/pkg/types"
)

func TestMetrics_Creation(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	assert.NotNil(t, m.ConnectionsActive)
	assert.NotNil(t, m.SyncLatency)
	assert.NotNil(t, m.KeyRotations)
	assert.NotNil(t, m.InvitationsCreated)
}

func TestMetrics_ObservesTeam(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	alice, err := team.NewLocalContext("alice", "laptop")
	require.NoError(t, err)
	tm, err := team.Create("Spies Я Us", alice, team.WithObserver(m))
	require.NoError(t, err)

	bob, err := team.NewLocalContext("bob", "laptop")
	require.NoError(t, err)
	init, err := bob.MemberInit()
	require.NoError(t, err)
	require.NoError(t, tm.Add(init))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Resolutions))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.MembersActive))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.HistoryLinks))

	require.NoError(t, tm.Remove("bob"))
	scope := types.TeamScope().String()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.KeyRotations.WithLabelValues(scope)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.KeyGeneration.WithLabelValues(scope)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MembersActive))
}

func TestMetrics_Merged(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	alice, err := team.NewLocalContext("alice", "laptop")
	require.NoError(t, err)
	tmA, err := team.Create("Spies Я Us", alice, team.WithObserver(m))
	require.NoError(t, err)
	bob, err := team.NewLocalContext("bob", "laptop")
	require.NoError(t, err)
	init, err := bob.MemberInit()
	require.NoError(t, err)
	require.NoError(t, tmA.Add(init, types.ADMIN))
	tmB, err := team.Load(tmA.Graph(), bob)
	require.NoError(t, err)

	require.NoError(t, tmA.AddRole("managers"))
	require.NoError(t, tmB.AddRole("engineers"))
	_, err = tmA.Merge(tmB.Links())
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConcurrentMerges))
	assert.Equal(t, 2, testutil.CollectAndCount(m.MergeBranchLinks))

	// a fast-forward is not concurrent
	m.Merged(history.Divergence{BranchB: []types.Hash{"x"}})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConcurrentMerges))
}

func TestMetrics_Connections(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ConnectionStarted()
	m.ConnectionStarted()
	m.ConnectionEnded("")
	m.ConnectionEnded("TRUST")
	m.StateEntered("connected")
	m.LinksExchanged(3, 2)
	m.Synced(20 * time.Millisecond)

	assert.Equal(t, float64(0), testutil.ToFloat64(m.ConnectionsActive))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ConnectionAttempts))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectionFailures.WithLabelValues("TRUST")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StateTransitions.WithLabelValues("connected")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.LinksSent))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.LinksReceived))
	assert.Equal(t, 1, testutil.CollectAndCount(m.SyncLatency))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.ConnectionStarted()
	m.ConnectionEnded("TIMEOUT")
	m.InvitationChecked(true)
	m.Rotated(types.AdminScope(), 2)
	m.Merged(history.Divergence{})
	m.CacheStats(1, 2)
}

func TestHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	m.InvitationCreated()
	m.InvitationChecked(false)

	rec := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "teamtrust_invitations_created_total 1"))
	assert.True(t, strings.Contains(body, "teamtrust_invitations_rejected_total 1"))
}
