package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamtrust/pkg/crypto"
	"teamtrust/pkg/types"
)

type note struct {
	Text string `json:"text"`
}

func testAuthor(t *testing.T, user string) Author {
	t.Helper()
	keys, err := crypto.NewSigningKeyPair()
	require.NoError(t, err)
	return Author{UserID: types.UserID(user), DeviceID: "laptop", Keys: keys}
}

// fork returns a graph with a root and two concurrent branches merged into g
func fork(t *testing.T) (g *Graph, a, b *Link) {
	t.Helper()
	alice := testAuthor(t, "alice")
	bob := testAuthor(t, "bob")
	now := time.Unix(1700000000, 0)

	g, _, err := Genesis("ROOT", note{"root"}, alice, now)
	require.NoError(t, err)

	other := g.Clone()
	a, err = g.Append("NOTE", note{"from alice"}, alice, now.Add(time.Second))
	require.NoError(t, err)
	b, err = other.Append("NOTE", note{"from bob"}, bob, now.Add(time.Second))
	require.NoError(t, err)

	added, err := g.Add(other.Missing(g.Heads())...)
	require.NoError(t, err)
	require.Len(t, added, 1)
	return g, a, b
}

func TestLink_VerifyDetectsTampering(t *testing.T) {
	alice := testAuthor(t, "alice")
	link, err := NewLink("NOTE", note{"hi"}, nil, alice, time.Now())
	require.NoError(t, err)
	require.NoError(t, link.Verify())

	tampered := *link
	tampered.Body.Payload = []byte(`{"text":"bye"}`)
	assert.ErrorIs(t, tampered.Verify(), ErrInvalidLink)

	resigned := *link
	resigned.SignerKey = testAuthor(t, "eve").Keys.PublicKey
	assert.ErrorIs(t, resigned.Verify(), ErrInvalidLink)

	var n note
	require.NoError(t, link.Decode(&n))
	assert.Equal(t, "hi", n.Text)
}

func TestGraph_HeadsAndMerge(t *testing.T) {
	g, a, b := fork(t)

	assert.Equal(t, types.SortHashes([]types.Hash{a.Hash, b.Hash}), g.Heads())
	assert.Equal(t, 3, g.Len())
	require.NoError(t, g.Validate())

	// The next append records the merge
	m, err := g.Append("NOTE", note{"merge"}, testAuthor(t, "alice"), time.Now())
	require.NoError(t, err)
	assert.Len(t, m.Body.Prev, 2)
	assert.Equal(t, []types.Hash{m.Hash}, g.Heads())
}

func TestGraph_SortIsIndependentOfArrival(t *testing.T) {
	g, _, _ := fork(t)
	links := g.Links()

	reversed := make([]*Link, len(links))
	for i, l := range links {
		reversed[len(links)-1-i] = l
	}
	other, err := FromLinks(reversed)
	require.NoError(t, err)

	assert.Equal(t, g.Sort(), other.Sort())
	assert.Equal(t, g.Root(), g.Sort()[0])
}

func TestGraph_Ancestry(t *testing.T) {
	g, a, b := fork(t)
	anc := g.Ancestry()

	assert.True(t, anc.IsAncestor(g.Root(), a.Hash))
	assert.False(t, anc.IsAncestor(a.Hash, g.Root()))
	assert.True(t, anc.Concurrent(a.Hash, b.Hash))
	assert.False(t, anc.Concurrent(a.Hash, a.Hash))

	assert.True(t, g.IsAncestor(g.Root(), b.Hash))
	assert.False(t, g.IsAncestor(a.Hash, b.Hash))

	i, ok := anc.Index(g.Root())
	require.True(t, ok)
	assert.Equal(t, 0, i)
}

func TestGraph_Diverge(t *testing.T) {
	g, a, b := fork(t)

	d, err := g.Diverge([]types.Hash{a.Hash}, []types.Hash{b.Hash})
	require.NoError(t, err)
	assert.Equal(t, []types.Hash{g.Root()}, d.Common)
	assert.Equal(t, []types.Hash{a.Hash}, d.BranchA)
	assert.Equal(t, []types.Hash{b.Hash}, d.BranchB)

	_, err = g.Diverge([]types.Hash{"nope"}, []types.Hash{b.Hash})
	assert.ErrorIs(t, err, ErrUnknownHash)
}

func TestGraph_Missing(t *testing.T) {
	g, a, b := fork(t)

	missing := g.Missing([]types.Hash{a.Hash})
	require.Len(t, missing, 1)
	assert.Equal(t, b.Hash, missing[0].Hash)

	assert.Len(t, g.Missing(nil), 3)
	assert.Len(t, g.Missing([]types.Hash{"unknown"}), 3)
	assert.Empty(t, g.Missing(g.Heads()))
}

func TestGraph_AddRejectsForeignAndOrphans(t *testing.T) {
	g, _, _ := fork(t)

	other, _, err := Genesis("ROOT", note{"other team"}, testAuthor(t, "mallory"), time.Now())
	require.NoError(t, err)
	_, err = g.Add(other.Links()...)
	assert.ErrorIs(t, err, ErrForeignRoot)

	orphan, err := NewLink("NOTE", note{"orphan"}, []types.Hash{"deadbeef"}, testAuthor(t, "bob"), time.Now())
	require.NoError(t, err)
	_, err = g.Add(orphan)
	assert.ErrorIs(t, err, ErrMissingParent)

	// Re-adding known links is a no-op
	added, err := g.Add(g.Links()...)
	require.NoError(t, err)
	assert.Empty(t, added)
}

func TestGraph_ValidateRejectsTampering(t *testing.T) {
	g, a, _ := fork(t)

	bad := *a
	bad.Signature = append([]byte(nil), a.Signature...)
	bad.Signature[0] ^= 0xff
	g.links[a.Hash] = &bad

	assert.ErrorIs(t, g.Validate(), ErrBrokenHistory)
	assert.Error(t, VerifyLinks([]*Link{&bad}))
}
