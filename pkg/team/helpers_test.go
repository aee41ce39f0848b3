package team

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"teamtrust/pkg/history"
	"teamtrust/pkg/types"
)

type userSpec struct {
	name  types.UserID
	admin bool
}

func admin(name string) userSpec  { return userSpec{name: types.UserID(name), admin: true} }
func member(name string) userSpec { return userSpec{name: types.UserID(name)} }

type fixture struct {
	contexts map[types.UserID]LocalContext
	teams    map[types.UserID]*Team
}

func (f *fixture) team(name string) *Team { return f.teams[types.UserID(name)] }

func newContext(t *testing.T, name types.UserID) LocalContext {
	t.Helper()
	ctx, err := NewLocalContext(name, "laptop")
	require.NoError(t, err)
	return ctx
}

// setup founds a team with the first user and adds the rest from the
// founder's device. Every user then loads their own replica.
func setup(t *testing.T, users ...userSpec) *fixture {
	t.Helper()
	f := &fixture{
		contexts: make(map[types.UserID]LocalContext),
		teams:    make(map[types.UserID]*Team),
	}
	founder := users[0].name
	f.contexts[founder] = newContext(t, founder)
	founderTeam, err := Create("Spies Я Us", f.contexts[founder], WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	f.teams[founder] = founderTeam

	for _, u := range users[1:] {
		ctx := newContext(t, u.name)
		f.contexts[u.name] = ctx
		init, err := ctx.MemberInit()
		require.NoError(t, err)
		var roles []string
		if u.admin {
			roles = append(roles, types.ADMIN)
		}
		require.NoError(t, founderTeam.Add(init, roles...))
	}
	for _, u := range users[1:] {
		f.teams[u.name] = load(t, founderTeam.Graph(), f.contexts[u.name])
	}
	return f
}

func load(t *testing.T, g *history.Graph, ctx LocalContext) *Team {
	t.Helper()
	tm, err := Load(g, ctx, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return tm
}

// syncAll merges every replica into every other until nothing new arrives
func syncAll(t *testing.T, teams ...*Team) {
	t.Helper()
	for round := 0; round < 5; round++ {
		changed := false
		for _, from := range teams {
			for _, to := range teams {
				if from == to {
					continue
				}
				ok, err := to.Merge(from.Links())
				require.NoError(t, err)
				changed = changed || ok
			}
		}
		if !changed {
			return
		}
	}
	t.Fatal("replicas did not converge")
}

func requireConverged(t *testing.T, teams ...*Team) {
	t.Helper()
	for _, tm := range teams[1:] {
		require.Equal(t, teams[0].Heads(), tm.Heads())
		require.Equal(t, sequenceOf(teams[0]), sequenceOf(tm))
	}
}

func sequenceOf(tm *Team) []types.Hash {
	var out []types.Hash
	for _, l := range tm.Resolution().Sequence {
		out = append(out, l.Hash)
	}
	return out
}
