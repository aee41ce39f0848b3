package team

import (
	"bytes"
	"slices"

	"teamtrust/pkg/history"
	"teamtrust/pkg/keyring"
	"teamtrust/pkg/types"
)

// rotation is a key rotation the local device owes the team
type rotation struct {
	scope types.KeyScope
	cause types.Hash
}

// rotationTriggers lists the scopes a surviving action compromises
func (r *Resolution) rotationTriggers(link *history.Link) []types.KeyScope {
	s := r.State
	switch p := r.payloads[link.Hash].(type) {
	case *RemoveMemberPayload:
		m, _ := s.Member(p.UserID)
		return memberScopes(m)
	case *RemoveDevicePayload:
		m, ok := s.Member(p.UserID)
		if ok && !m.Removed && len(m.ActiveDevices()) == 0 {
			return memberScopes(m)
		}
	case *MemberRolePayload:
		if link.Body.Type == ActionRemoveMemberRole && p.RoleName == types.ADMIN {
			return []types.KeyScope{types.AdminScope()}
		}
	}
	return nil
}

// memberScopes are the shared scopes a member could read
func memberScopes(m Member) []types.KeyScope {
	scopes := []types.KeyScope{types.TeamScope()}
	if m.HasRole(types.ADMIN) {
		scopes = append(scopes, types.AdminScope())
	}
	return scopes
}

// covered reports whether a surviving rotation of scope descends from cause
func (r *Resolution) covered(scope types.KeyScope, cause types.Hash) bool {
	for _, link := range r.Sequence {
		p, ok := r.payloads[link.Hash].(*RotateKeysPayload)
		if ok && p.Keys.Scope() == scope && r.ancestry.IsAncestor(cause, link.Hash) {
			return true
		}
	}
	return false
}

// rotator picks who must rotate scope after trigger: its author while they
// can still act, otherwise the most senior admin with an active device
func (r *Resolution) rotator(scope types.KeyScope, trigger *history.Link) (types.UserID, types.DeviceID, bool) {
	s := r.State
	author, ok := s.Member(trigger.Body.UserID)
	if ok && s.HasDevice(author.UserID, trigger.Body.DeviceID) &&
		(scope != types.AdminScope() || author.IsAdmin()) {
		return author.UserID, trigger.Body.DeviceID, true
	}
	for _, m := range s.Admins() {
		if devices := m.ActiveDevices(); len(devices) > 0 {
			return m.UserID, devices[0].DeviceID, true
		}
	}
	return "", "", false
}

// pendingRotations lists the rotations that resolution assigns to the given
// device, at most one per scope
func (r *Resolution) pendingRotations(userID types.UserID, deviceID types.DeviceID) []rotation {
	var out []rotation
	index := make(map[types.KeyScope]int)
	for _, link := range r.Sequence {
		for _, scope := range r.rotationTriggers(link) {
			if r.covered(scope, link.Hash) {
				continue
			}
			user, device, ok := r.rotator(scope, link)
			if !ok || user != userID || device != deviceID {
				continue
			}
			if i, seen := index[scope]; seen {
				out[i].cause = link.Hash
				continue
			}
			index[scope] = len(out)
			out = append(out, rotation{scope: scope, cause: link.Hash})
		}
	}
	return out
}

// recipients are the user keysets entitled to a scope's keys
func (s State) recipients(scope types.KeyScope) []keyring.PublicKeyset {
	var members []Member
	switch scope {
	case types.TeamScope():
		members = s.ActiveMembers()
	case types.AdminScope():
		members = s.Admins()
	}
	var out []keyring.PublicKeyset
	for _, m := range members {
		if len(m.ActiveDevices()) == 0 {
			continue
		}
		if k, ok := s.CurrentKeys(types.UserScope(m.UserID)); ok {
			out = append(out, k)
		}
	}
	return out
}

// buildRotation generates the next generation of scope and locks it for
// every entitled holder
func buildRotation(s State, rot rotation) (RotateKeysPayload, keyring.Keyset, error) {
	generation := 1
	if cur, ok := s.CurrentKeys(rot.scope); ok {
		generation = cur.Generation + 1
	}
	keys, err := keyring.NewKeyset(rot.scope, generation)
	if err != nil {
		return RotateKeysPayload{}, keyring.Keyset{}, err
	}
	p := RotateKeysPayload{Keys: keys.Public(), Cause: rot.cause}
	for _, recipient := range s.recipients(rot.scope) {
		lb, err := keyring.Create(keys, recipient)
		if err != nil {
			return RotateKeysPayload{}, keyring.Keyset{}, err
		}
		p.Lockboxes = append(p.Lockboxes, lb)
	}
	return p, keys, nil
}

func samePublic(a, b keyring.PublicKeyset) bool {
	return a.Scope() == b.Scope() && a.Generation == b.Generation &&
		bytes.Equal(a.Signature, b.Signature) && bytes.Equal(a.Encryption, b.Encryption)
}

// hasLockbox reports whether some lockbox carries pub to recipient
func (s State) hasLockbox(pub, recipient keyring.PublicKeyset) bool {
	return slices.ContainsFunc(s.Lockboxes, func(lb keyring.Lockbox) bool {
		return samePublic(lb.Contents, pub) && samePublic(lb.Recipient, recipient)
	})
}

// unboxed returns the keys of scope in force and the entitled holders that
// have no lockbox for them. Members admitted concurrently with a rotation
// end up here.
func (s State) unboxed(scope types.KeyScope) (keyring.PublicKeyset, []keyring.PublicKeyset) {
	pub, ok := s.CurrentKeys(scope)
	if !ok {
		return keyring.PublicKeyset{}, nil
	}
	var missing []keyring.PublicKeyset
	for _, recipient := range s.recipients(scope) {
		if !s.hasLockbox(pub, recipient) {
			missing = append(missing, recipient)
		}
	}
	return pub, missing
}

// reboxer picks who shares the keys of scope in force with the holders that
// missed them: the most senior holder with a lockbox for them, on their
// first active device
func (s State) reboxer(scope types.KeyScope) (types.UserID, types.DeviceID, bool) {
	pub, ok := s.CurrentKeys(scope)
	if !ok {
		return "", "", false
	}
	members := s.ActiveMembers()
	if scope == types.AdminScope() {
		members = s.Admins()
	}
	for _, m := range members {
		devices := m.ActiveDevices()
		if len(devices) == 0 {
			continue
		}
		if k, ok := s.CurrentKeys(types.UserScope(m.UserID)); ok && s.hasLockbox(pub, k) {
			return m.UserID, devices[0].DeviceID, true
		}
	}
	return "", "", false
}
