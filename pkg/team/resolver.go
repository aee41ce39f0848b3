package team

import (
	"bytes"
	"fmt"
	"math"
	"slices"

	"teamtrust/pkg/history"
	"teamtrust/pkg/types"
)

// Resolution is the outcome of resolving a whole history: the canonical
// sequence of surviving actions, the state they fold to and why every other
// action was discarded
type Resolution struct {
	State     State
	Sequence  []*history.Link
	Discarded map[types.Hash]error
	Heads     []types.Hash

	ancestry *history.Ancestry
	links    map[types.Hash]*history.Link
	payloads map[types.Hash]any
}

// Kept reports whether the action survived resolution
func (r *Resolution) Kept(h types.Hash) bool {
	_, known := r.links[h]
	_, dropped := r.Discarded[h]
	return known && !dropped
}

// neutralization is a removal or an ADMIN demotion
type neutralization struct {
	link    *history.Link
	author  types.UserID
	target  types.UserID
	removal bool
}

// Resolve orders the history canonically, applies the conflict rules for
// concurrent removals and demotions, then folds the survivors while checking
// each against the state before it. The result depends only on the set of
// links in g.
func Resolve(g *history.Graph) (*Resolution, error) {
	anc := g.Ancestry()
	order := anc.Order()
	if len(order) == 0 || len(order) != g.Len() {
		return nil, fmt.Errorf("%w: %d of %d links reachable", history.ErrBrokenHistory, len(order), g.Len())
	}

	res := &Resolution{
		Discarded: make(map[types.Hash]error),
		Heads:     g.Heads(),
		ancestry:  anc,
		links:     make(map[types.Hash]*history.Link, len(order)),
		payloads:  make(map[types.Hash]any, len(order)),
	}
	for _, h := range order {
		link, _ := g.Get(h)
		res.links[h] = link
		payload, err := decode(link)
		if err != nil {
			res.Discarded[h] = err
			continue
		}
		res.payloads[h] = payload
	}
	if _, ok := res.payloads[order[0]].(*RootPayload); !ok {
		return nil, fmt.Errorf("%w: history does not start with a root action", history.ErrBrokenHistory)
	}

	// A first fold without conflict rules tells which grants and
	// revocations are structurally valid
	prelimState, prelimSeq, _, err := res.foldAll(nil)
	if err != nil {
		return nil, err
	}

	seniority := res.seniority()
	res.applyConflictRules(seniority, prelimState, prelimSeq)

	state, seq, rejected, err := res.foldAll(res.Discarded)
	if err != nil {
		return nil, err
	}
	for h, reason := range rejected {
		res.Discarded[h] = reason
	}
	for i := range state.Members {
		state.Members[i].Seniority = seniority[state.Members[i].UserID]
	}
	res.State = state
	res.Sequence = seq
	return res, nil
}

// foldAll folds the canonical order, skipping actions in skip and rejecting
// actions that fail authorization against the state before them
func (r *Resolution) foldAll(skip map[types.Hash]error) (State, []*history.Link, map[types.Hash]error, error) {
	var (
		state    State
		seq      []*history.Link
		rejected = make(map[types.Hash]error)
		folded   = make(map[types.Hash]struct{})
	)
	for i, h := range r.ancestry.Order() {
		payload, ok := r.payloads[h]
		if !ok {
			continue
		}
		if _, dropped := skip[h]; dropped {
			continue
		}
		link := r.links[h]
		if p, ok := payload.(*RotateKeysPayload); ok && p.Cause != "" {
			if _, ok := folded[p.Cause]; !ok {
				rejected[h] = invalid("rotation of %s answers an action that did not survive", p.Keys.Scope())
				continue
			}
		}
		if err := authorize(state, link, payload, r.ancestry); err != nil {
			if i == 0 {
				return State{}, nil, nil, fmt.Errorf("%w: %v", history.ErrBrokenHistory, err)
			}
			rejected[h] = err
			continue
		}
		state = fold(state, link, payload)
		seq = append(seq, link)
		folded[h] = struct{}{}
	}
	return state, seq, rejected, nil
}

// seniority maps each user to the canonical position of their first admission
func (r *Resolution) seniority() map[types.UserID]int {
	out := make(map[types.UserID]int)
	for i, h := range r.ancestry.Order() {
		var user types.UserID
		switch p := r.payloads[h].(type) {
		case *RootPayload:
			user = p.Founder
		case *AddMemberPayload:
			user = p.UserID
		default:
			continue
		}
		if _, seen := out[user]; !seen {
			out[user] = i
		}
	}
	return out
}

func rank(seniority map[types.UserID]int, user types.UserID) int {
	if s, ok := seniority[user]; ok {
		return s
	}
	return math.MaxInt
}

// applyConflictRules settles concurrent removals and demotions. One is
// discarded if a surviving concurrent one removed or demoted its author,
// whatever the seniority of the two. Seniority only breaks cycles. Every
// surviving one then voids the target's concurrent actions: all of them for
// a removal, the admin gated ones for a demotion.
func (r *Resolution) applyConflictRules(seniority map[types.UserID]int, prelim State, prelimSeq []*history.Link) {
	standing := r.adminStanding(prelim, prelimSeq)

	var candidates []neutralization
	for _, h := range r.ancestry.Order() {
		link := r.links[h]
		switch p := r.payloads[h].(type) {
		case *RemoveMemberPayload:
			candidates = append(candidates, neutralization{link: link, author: link.Body.UserID, target: p.UserID, removal: true})
		case *MemberRolePayload:
			if link.Body.Type == ActionRemoveMemberRole && p.RoleName == types.ADMIN {
				candidates = append(candidates, neutralization{link: link, author: link.Body.UserID, target: p.UserID})
			}
		}
	}
	if len(candidates) == 0 {
		return
	}

	slices.SortStableFunc(candidates, func(a, b neutralization) int {
		ra, rb := rank(seniority, a.author), rank(seniority, b.author)
		if ra != rb {
			if ra < rb {
				return -1
			}
			return 1
		}
		ia, _ := r.ancestry.Index(a.link.Hash)
		ib, _ := r.ancestry.Index(b.link.Hash)
		return ia - ib
	})

	var eligible []neutralization
	for _, n := range candidates {
		if standing(n.author, n.link) {
			eligible = append(eligible, n)
		}
	}
	kept := r.settle(eligible)

	for _, k := range kept {
		for _, h := range r.ancestry.Order() {
			link := r.links[h]
			if link.Body.UserID != k.target || h == k.link.Hash {
				continue
			}
			if _, dropped := r.Discarded[h]; dropped || !r.ancestry.Concurrent(h, k.link.Hash) {
				continue
			}
			if k.removal {
				r.Discarded[h] = unauthorized("%s was concurrently removed by %s", k.target, k.author)
			} else if adminGated(link, r.payloads[h]) {
				r.Discarded[h] = unauthorized("%s was concurrently demoted by %s", k.target, k.author)
			}
		}
	}
}

// adminStanding returns a predicate telling whether user held ADMIN, as far
// as link's own ancestors show, and signed link with one of their devices.
// Grants and revocations only count if they survived the preliminary fold.
func (r *Resolution) adminStanding(prelim State, prelimSeq []*history.Link) func(types.UserID, *history.Link) bool {
	grants := make(map[types.UserID][]types.Hash)
	revokes := make(map[types.UserID][]types.Hash)
	for _, link := range prelimSeq {
		switch p := r.payloads[link.Hash].(type) {
		case *RootPayload:
			grants[p.Founder] = append(grants[p.Founder], link.Hash)
		case *AddMemberPayload:
			if slices.Contains(p.Roles, types.ADMIN) {
				grants[p.UserID] = append(grants[p.UserID], link.Hash)
			}
		case *MemberRolePayload:
			if p.RoleName != types.ADMIN {
				continue
			}
			if link.Body.Type == ActionAddMemberRole {
				grants[p.UserID] = append(grants[p.UserID], link.Hash)
			} else {
				revokes[p.UserID] = append(revokes[p.UserID], link.Hash)
			}
		case *RemoveMemberPayload:
			revokes[p.UserID] = append(revokes[p.UserID], link.Hash)
		}
	}

	return func(user types.UserID, link *history.Link) bool {
		m, ok := prelim.Member(user)
		if !ok {
			return false
		}
		signed := false
		for _, d := range m.Devices {
			if bytes.Equal(d.Keys.Signature, link.SignerKey) && d.DeviceID == link.Body.DeviceID && r.ancestry.IsAncestor(d.AddedAt, link.Hash) {
				signed = true
			}
		}
		if !signed {
			return false
		}
		for _, g := range grants[user] {
			if !r.ancestry.IsAncestor(g, link.Hash) {
				continue
			}
			revoked := slices.ContainsFunc(revokes[user], func(v types.Hash) bool {
				return v != link.Hash && r.ancestry.IsAncestor(v, link.Hash) && r.ancestry.IsAncestor(g, v)
			})
			if !revoked {
				return true
			}
		}
		return false
	}
}

// settle decides which of the candidates survive. A candidate is attacked
// by every concurrent candidate that removes or demotes its author. It is
// kept once all its attackers are out and dropped as soon as one attacker is
// kept. When only cycles remain (mutual or circular removals), the most
// senior undecided candidate is kept and its attackers dropped.
func (r *Resolution) settle(candidates []neutralization) []neutralization {
	const (
		undecided = iota
		in
		out
	)
	attackers := make([][]int, len(candidates))
	for i, n := range candidates {
		if n.author == n.target {
			continue
		}
		for j, k := range candidates {
			if i != j && k.target == n.author && r.ancestry.Concurrent(k.link.Hash, n.link.Hash) {
				attackers[i] = append(attackers[i], j)
			}
		}
	}

	status := make([]int, len(candidates))
	drop := func(i, by int) {
		status[i] = out
		k := candidates[by]
		r.Discarded[candidates[i].link.Hash] = unauthorized("%s was concurrently removed or demoted by %s", candidates[i].author, k.author)
	}
	for {
		for progress := true; progress; {
			progress = false
			for i := range candidates {
				if status[i] != undecided {
					continue
				}
				allOut := true
				for _, j := range attackers[i] {
					if status[j] == in {
						drop(i, j)
						progress = true
						break
					}
					if status[j] != out {
						allOut = false
					}
				}
				if status[i] == undecided && allOut {
					status[i] = in
					progress = true
				}
			}
		}

		// candidates are sorted by seniority, so the first undecided one
		// breaks the cycle
		next := slices.Index(status, undecided)
		if next < 0 {
			break
		}
		status[next] = in
		for _, j := range attackers[next] {
			if status[j] == undecided {
				drop(j, next)
			}
		}
	}

	var kept []neutralization
	for i, n := range candidates {
		if status[i] == in {
			kept = append(kept, n)
		}
	}
	return kept
}
