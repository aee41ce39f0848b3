package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"teamtrust/pkg/crypto"
	"teamtrust/pkg/history"
	"teamtrust/pkg/types"
)

type note struct {
	Text string `json:"text"`
}

func testGraph(t *testing.T, n int) *history.Graph {
	t.Helper()
	keys, err := crypto.NewSigningKeyPair()
	require.NoError(t, err)
	author := history.Author{UserID: "alice", DeviceID: "laptop", Keys: keys}
	now := time.Unix(1700000000, 0)

	g, _, err := history.Genesis("ROOT", note{"root"}, author, now)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := g.Append("NOTE", note{"entry"}, author, now.Add(time.Duration(i+1)*time.Second))
		require.NoError(t, err)
	}
	return g
}

func TestLevelDB_SaveAndLoad(t *testing.T) {
	tests := []struct {
		name     string
		compress bool
	}{
		{"Raw", false},
		{"Compressed", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := OpenMemory(Options{Compress: tt.compress, Logger: zaptest.NewLogger(t)})
			require.NoError(t, err)
			defer store.Close()

			g := testGraph(t, 3)
			require.NoError(t, store.SaveLinks(g.Root(), g.Links()))
			// saving again is harmless
			require.NoError(t, store.SaveLinks(g.Root(), g.Links()[1:]))

			loaded, err := store.LoadGraph(g.Root())
			require.NoError(t, err)
			assert.Equal(t, g.Len(), loaded.Len())
			assert.Equal(t, g.Heads(), loaded.Heads())
			assert.Equal(t, g.Sort(), loaded.Sort())
		})
	}
}

func TestLevelDB_NotFound(t *testing.T) {
	store, err := OpenMemory(Options{})
	require.NoError(t, err)
	defer store.Close()

	_, err = store.LoadGraph("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLevelDB_Teams(t *testing.T) {
	store, err := OpenMemory(Options{})
	require.NoError(t, err)
	defer store.Close()

	a, b := testGraph(t, 2), testGraph(t, 1)
	require.NoError(t, store.SaveLinks(a.Root(), a.Links()))
	require.NoError(t, store.SaveLinks(b.Root(), b.Links()))

	teams, err := store.Teams()
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.Hash{a.Root(), b.Root()}, teams)

	sizeA, err := store.Size(a.Root())
	require.NoError(t, err)
	sizeB, err := store.Size(b.Root())
	require.NoError(t, err)
	assert.Greater(t, sizeA, sizeB)
	assert.Positive(t, sizeB)

	none, err := store.Size("missing")
	require.NoError(t, err)
	assert.Zero(t, none)
}

func TestLevelDB_Reopen(t *testing.T) {
	dir := t.TempDir()
	g := testGraph(t, 2)

	store, err := Open(dir, Options{Compress: true})
	require.NoError(t, err)
	require.NoError(t, store.SaveLinks(g.Root(), g.Links()))
	require.NoError(t, store.Close())

	// a store opened without compression still reads compressed values
	store, err = Open(dir, Options{})
	require.NoError(t, err)
	defer store.Close()

	loaded, err := store.LoadGraph(g.Root())
	require.NoError(t, err)
	assert.Equal(t, g.Heads(), loaded.Heads())
}

func TestCodec_RejectsCorruptValues(t *testing.T) {
	codec := newLinkCodec(false, 0)
	for _, value := range [][]byte{nil, {9, 1, 2}, {formatGzip, 1, 2, 3}, {formatRaw, '{'}} {
		_, err := codec.decode(value)
		assert.ErrorIs(t, err, ErrCorrupt)
	}
}
