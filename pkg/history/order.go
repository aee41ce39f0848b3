package history

import (
	"container/heap"
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"teamtrust/pkg/types"
)

// hashHeap is a min-heap of hashes; it is the deterministic tie-break between
// links that are ready at the same time
type hashHeap []types.Hash

func (h hashHeap) Len() int           { return len(h) }
func (h hashHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h hashHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hashHeap) Push(x any)        { *h = append(*h, x.(types.Hash)) }
func (h *hashHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Sort returns the canonical order of the graph: parents before children,
// concurrent links ordered by hash. The result depends only on the set of links.
func (g *Graph) Sort() []types.Hash {
	if g.root == "" {
		return nil
	}
	indegree := make(map[types.Hash]int, len(g.links))
	for h, l := range g.links {
		indegree[h] = len(l.Body.Prev)
	}

	ready := &hashHeap{g.root}
	order := make([]types.Hash, 0, len(g.links))
	for ready.Len() > 0 {
		h := heap.Pop(ready).(types.Hash)
		order = append(order, h)
		for _, c := range g.children[h] {
			indegree[c]--
			if indegree[c] == 0 {
				heap.Push(ready, c)
			}
		}
	}
	return order
}

// Ancestry holds the canonical order with a strict-ancestor set per link so
// that causal questions are answered without walking the graph
type Ancestry struct {
	order []types.Hash
	index map[types.Hash]int
	sets  []*bitset.BitSet
}

func (g *Graph) Ancestry() *Ancestry {
	order := g.Sort()
	a := &Ancestry{
		order: order,
		index: make(map[types.Hash]int, len(order)),
		sets:  make([]*bitset.BitSet, len(order)),
	}
	n := uint(len(order))
	for i, h := range order {
		a.index[h] = i
		set := bitset.New(n)
		for _, p := range g.links[h].Body.Prev {
			pi := a.index[p]
			set.Set(uint(pi))
			set.InPlaceUnion(a.sets[pi])
		}
		a.sets[i] = set
	}
	return a
}

func (a *Ancestry) Order() []types.Hash {
	return a.order
}

// Index returns the canonical position of h
func (a *Ancestry) Index(h types.Hash) (int, bool) {
	i, ok := a.index[h]
	return i, ok
}

// IsAncestor reports whether x is a strict ancestor of y
func (a *Ancestry) IsAncestor(x, y types.Hash) bool {
	xi, ok := a.index[x]
	if !ok {
		return false
	}
	yi, ok := a.index[y]
	if !ok {
		return false
	}
	return a.sets[yi].Test(uint(xi))
}

// Concurrent reports whether neither link is an ancestor of the other
func (a *Ancestry) Concurrent(x, y types.Hash) bool {
	if x == y {
		return false
	}
	return !a.IsAncestor(x, y) && !a.IsAncestor(y, x)
}

// Divergence describes two views of one graph
type Divergence struct {
	// Common are the heads of the shared part of both views
	Common  []types.Hash
	BranchA []types.Hash
	BranchB []types.Hash
}

// Diverge finds the common ancestor of two sets of heads and the links only
// reachable from each side, both in canonical order
func (g *Graph) Diverge(headsA, headsB []types.Hash) (Divergence, error) {
	for _, h := range append(append([]types.Hash(nil), headsA...), headsB...) {
		if !g.Has(h) {
			return Divergence{}, fmt.Errorf("%w: %s", ErrUnknownHash, h)
		}
	}
	ancA := g.Ancestors(headsA...)
	ancB := g.Ancestors(headsB...)

	var d Divergence
	for _, h := range g.Sort() {
		_, inA := ancA[h]
		_, inB := ancB[h]
		switch {
		case inA && inB:
			common := true
			for _, c := range g.children[h] {
				_, ca := ancA[c]
				_, cb := ancB[c]
				if ca && cb {
					common = false
					break
				}
			}
			if common {
				d.Common = append(d.Common, h)
			}
		case inA:
			d.BranchA = append(d.BranchA, h)
		case inB:
			d.BranchB = append(d.BranchB, h)
		}
	}
	d.Common = types.SortHashes(d.Common)
	return d, nil
}
