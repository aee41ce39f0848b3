// Package history implements the signed, content addressed action DAG that
// every peer of a team replicates.
package history

import (
	"errors"
	"fmt"
	"time"

	"teamtrust/pkg/types"
)

var (
	ErrInvalidLink   = errors.New("invalid link")
	ErrMissingParent = errors.New("link references unknown parent")
	ErrForeignRoot   = errors.New("link belongs to a different history")
	ErrBrokenHistory = errors.New("broken history")
	ErrUnknownHash   = errors.New("unknown hash")
)

// Graph is an arena of links keyed by hash with parent and child edges.
// It is not safe for concurrent use; owners serialize access.
type Graph struct {
	root     types.Hash
	links    map[types.Hash]*Link
	children map[types.Hash][]types.Hash
	heads    map[types.Hash]struct{}
}

func New() *Graph {
	return &Graph{
		links:    make(map[types.Hash]*Link),
		children: make(map[types.Hash][]types.Hash),
		heads:    make(map[types.Hash]struct{}),
	}
}

// Genesis starts a new history with a root link
func Genesis(typ string, payload any, author Author, ts time.Time) (*Graph, *Link, error) {
	link, err := NewLink(typ, payload, nil, author, ts)
	if err != nil {
		return nil, nil, err
	}
	g := New()
	g.insert(link)
	return g, link, nil
}

// FromLinks rebuilds a graph from links in any order and validates it
func FromLinks(links []*Link) (*Graph, error) {
	g := New()
	if _, err := g.Add(links...); err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Append signs a new link whose parents are the current heads
func (g *Graph) Append(typ string, payload any, author Author, ts time.Time) (*Link, error) {
	if g.root == "" {
		return nil, fmt.Errorf("%w: append to empty graph", ErrBrokenHistory)
	}
	link, err := NewLink(typ, payload, g.Heads(), author, ts)
	if err != nil {
		return nil, err
	}
	g.insert(link)
	return link, nil
}

// Add inserts links received from elsewhere. Links may arrive in any order
// but every parent must be known once the batch is applied. Signatures are
// not checked here; see VerifyLinks.
func (g *Graph) Add(links ...*Link) ([]*Link, error) {
	pending := make([]*Link, 0, len(links))
	seen := make(map[types.Hash]struct{}, len(links))
	for _, l := range links {
		if l == nil {
			continue
		}
		if _, dup := seen[l.Hash]; dup || g.Has(l.Hash) {
			continue
		}
		seen[l.Hash] = struct{}{}
		pending = append(pending, l)
	}

	var added []*Link
	for len(pending) > 0 {
		progress := false
		rest := pending[:0]
		for _, l := range pending {
			if l.IsRoot() {
				if g.root != "" && g.root != l.Hash {
					return added, fmt.Errorf("%w: root %s, have %s", ErrForeignRoot, l.Hash, g.root)
				}
				g.insert(l)
				added = append(added, l)
				progress = true
				continue
			}
			if !g.hasAll(l.Body.Prev) {
				rest = append(rest, l)
				continue
			}
			g.insert(l)
			added = append(added, l)
			progress = true
		}
		pending = rest
		if !progress {
			return added, fmt.Errorf("%w: %d links unresolved", ErrMissingParent, len(pending))
		}
	}
	return added, nil
}

func (g *Graph) insert(l *Link) {
	if l.IsRoot() {
		g.root = l.Hash
	}
	g.links[l.Hash] = l
	for _, p := range l.Body.Prev {
		g.children[p] = append(g.children[p], l.Hash)
		delete(g.heads, p)
	}
	if len(g.children[l.Hash]) == 0 {
		g.heads[l.Hash] = struct{}{}
	}
}

func (g *Graph) hasAll(hashes []types.Hash) bool {
	for _, h := range hashes {
		if !g.Has(h) {
			return false
		}
	}
	return true
}

func (g *Graph) Root() types.Hash {
	return g.root
}

// Heads returns the sorted hashes of links without children
func (g *Graph) Heads() []types.Hash {
	heads := make([]types.Hash, 0, len(g.heads))
	for h := range g.heads {
		heads = append(heads, h)
	}
	return types.SortHashes(heads)
}

func (g *Graph) Has(h types.Hash) bool {
	_, ok := g.links[h]
	return ok
}

func (g *Graph) Get(h types.Hash) (*Link, bool) {
	l, ok := g.links[h]
	return l, ok
}

func (g *Graph) Len() int {
	return len(g.links)
}

// Children returns the direct descendants of h
func (g *Graph) Children(h types.Hash) []types.Hash {
	return append([]types.Hash(nil), g.children[h]...)
}

// Links returns every link in canonical topological order
func (g *Graph) Links() []*Link {
	order := g.Sort()
	out := make([]*Link, len(order))
	for i, h := range order {
		out[i] = g.links[h]
	}
	return out
}

// Clone returns a graph sharing the immutable links but none of the indexes
func (g *Graph) Clone() *Graph {
	c := New()
	c.root = g.root
	for h, l := range g.links {
		c.links[h] = l
	}
	for h, cs := range g.children {
		c.children[h] = append([]types.Hash(nil), cs...)
	}
	for h := range g.heads {
		c.heads[h] = struct{}{}
	}
	return c
}

// Validate checks every link and the overall shape: one root, all parents
// present and no cycles
func (g *Graph) Validate() error {
	if g.root == "" {
		return fmt.Errorf("%w: no root", ErrBrokenHistory)
	}
	for h, l := range g.links {
		if err := l.Verify(); err != nil {
			return fmt.Errorf("%w: %v", ErrBrokenHistory, err)
		}
		if l.IsRoot() && h != g.root {
			return fmt.Errorf("%w: multiple roots", ErrBrokenHistory)
		}
		if !g.hasAll(l.Body.Prev) {
			return fmt.Errorf("%w: %s has missing parents", ErrBrokenHistory, h)
		}
	}
	if n := len(g.Sort()); n != len(g.links) {
		return fmt.Errorf("%w: %d of %d links unreachable from root", ErrBrokenHistory, len(g.links)-n, len(g.links))
	}
	return nil
}

// Ancestors returns the given hashes plus everything reachable through
// parent edges. Unknown hashes are ignored.
func (g *Graph) Ancestors(hashes ...types.Hash) map[types.Hash]struct{} {
	out := make(map[types.Hash]struct{})
	stack := make([]types.Hash, 0, len(hashes))
	for _, h := range hashes {
		if g.Has(h) {
			stack = append(stack, h)
		}
	}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := out[h]; ok {
			continue
		}
		out[h] = struct{}{}
		stack = append(stack, g.links[h].Body.Prev...)
	}
	return out
}

// IsAncestor reports whether a is a strict ancestor of b
func (g *Graph) IsAncestor(a, b types.Hash) bool {
	if a == b || !g.Has(a) || !g.Has(b) {
		return false
	}
	_, ok := g.Ancestors(g.links[b].Body.Prev...)[a]
	return ok
}

// Missing returns, in topological order, the links not reachable from the
// known members of since. It is what a peer declaring since still needs.
func (g *Graph) Missing(since []types.Hash) []*Link {
	known := g.Ancestors(since...)
	var out []*Link
	for _, l := range g.Links() {
		if _, ok := known[l.Hash]; !ok {
			out = append(out, l)
		}
	}
	return out
}

// Knows reports whether every hash is present
func (g *Graph) Knows(hashes []types.Hash) bool {
	return g.hasAll(hashes)
}
