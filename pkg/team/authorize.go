package team

import (
	"bytes"
	"fmt"
	"slices"
	"time"

	"teamtrust/pkg/history"
	"teamtrust/pkg/invitation"
	"teamtrust/pkg/keyring"
	"teamtrust/pkg/types"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func unauthorized(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, fmt.Sprintf(format, args...))
}

// authorize checks link against the state produced by everything before it
// in canonical order. The author's admission and, where needed, admin grant
// must also be causal ancestors of the link, so an action is judged by what
// its author could see.
func authorize(s State, link *history.Link, payload any, anc *history.Ancestry) error {
	if p, ok := payload.(*RootPayload); ok {
		return checkRoot(link, p, anc)
	}
	if link.IsRoot() {
		return invalid("%s link has no parents", link.Body.Type)
	}

	author, ok := s.Member(link.Body.UserID)
	if !ok {
		return unauthorized("%s is not a member", link.Body.UserID)
	}
	if author.Removed {
		return unauthorized("%s was removed", author.UserID)
	}
	device, ok := author.Device(link.Body.DeviceID)
	if !ok || device.Removed {
		return unauthorized("device %s is not active", types.DeviceName(author.UserID, link.Body.DeviceID))
	}
	if !bytes.Equal(device.Keys.Signature, link.SignerKey) {
		return unauthorized("link signed with a key not registered to %s", types.DeviceName(author.UserID, device.DeviceID))
	}
	if !anc.IsAncestor(author.AdmittedAt, link.Hash) || !anc.IsAncestor(device.AddedAt, link.Hash) {
		return unauthorized("%s acted without having been admitted", author.UserID)
	}

	requireAdmin := func() error {
		if !author.IsAdmin() || !anc.IsAncestor(author.AdminGrantedAt, link.Hash) {
			return unauthorized("%s requires %s, %s is not one", link.Body.Type, types.ADMIN, author.UserID)
		}
		return nil
	}
	selfOrAdmin := func(target types.UserID) error {
		if target == author.UserID {
			return nil
		}
		return requireAdmin()
	}
	at := time.UnixMilli(link.Body.Timestamp)

	switch p := payload.(type) {
	case *AddMemberPayload:
		if err := checkNewMember(s, p); err != nil {
			return err
		}
		if p.UseLink == "" {
			return requireAdmin()
		}
		if len(p.Roles) > 0 {
			return invalid("invitation admissions cannot grant roles")
		}
		return checkAdmission(s, p.UseLink, "", p.UserID, p.Device.DeviceID)

	case *RemoveMemberPayload:
		if _, ok := s.Member(p.UserID); !ok {
			return invalid("cannot remove unknown member %s", p.UserID)
		}
		return requireAdmin()

	case *AddRolePayload:
		if p.RoleName == "" {
			return invalid("role name is empty")
		}
		return requireAdmin()

	case *MemberRolePayload:
		if !s.Has(p.UserID) {
			return invalid("%s is not a current member", p.UserID)
		}
		if !s.HasRole(p.RoleName) {
			return invalid("role %q does not exist", p.RoleName)
		}
		return requireAdmin()

	case *AddDevicePayload:
		if !s.Has(p.Device.UserID) {
			return invalid("%s is not a current member", p.Device.UserID)
		}
		if err := checkKeys(p.Device.Keys, types.DeviceScope(p.Device.UserID, p.Device.DeviceID)); err != nil {
			return err
		}
		if s.DeviceWasRemoved(p.Device.UserID, p.Device.DeviceID) {
			return invalid("device %s was removed", types.DeviceName(p.Device.UserID, p.Device.DeviceID))
		}
		if p.UseLink != "" {
			if author.UserID != p.Device.UserID {
				return unauthorized("only %s can admit their own devices", p.Device.UserID)
			}
			return checkAdmission(s, p.UseLink, p.Device.UserID, p.Device.UserID, p.Device.DeviceID)
		}
		return selfOrAdmin(p.Device.UserID)

	case *RemoveDevicePayload:
		if _, ok := s.Device(p.UserID, p.DeviceID); !ok {
			return invalid("unknown device %s", types.DeviceName(p.UserID, p.DeviceID))
		}
		return selfOrAdmin(p.UserID)

	case *CreateInvitationPayload:
		inv := p.Invitation
		if inv.ID == "" || len(inv.PublicKey) == 0 || inv.MaxUses < 1 {
			return invalid("malformed invitation")
		}
		if inv.UserID == "" {
			return requireAdmin()
		}
		if !s.Has(inv.UserID) {
			return invalid("device invitation for unknown member %s", inv.UserID)
		}
		return selfOrAdmin(inv.UserID)

	case *UseInvitationPayload:
		inv, ok := s.Invitation(p.Proof.InvitationID)
		if !ok {
			return invalid("unknown invitation %s", p.Proof.InvitationID)
		}
		if inv.UserID != "" && inv.UserID != author.UserID {
			return unauthorized("only %s can admit devices with invitation %s", inv.UserID, inv.ID)
		}
		if inv.UserID == "" && s.memberIndex(p.Proof.UserID) >= 0 {
			return invalid("%s is already a member", p.Proof.UserID)
		}
		return invitation.Validate(p.Proof, inv, at)

	case *RevokeInvitationPayload:
		inv, ok := s.Invitation(p.ID)
		if !ok {
			return invalid("unknown invitation %s", p.ID)
		}
		if inv.UserID != "" {
			return selfOrAdmin(inv.UserID)
		}
		return requireAdmin()

	case *AddServerPayload:
		if p.Host == "" {
			return invalid("server host is empty")
		}
		if s.ServerWasRemoved(p.Host) {
			return invalid("server %s was removed", p.Host)
		}
		if err := checkKeys(p.Keys, types.ServerScope(p.Host)); err != nil {
			return err
		}
		return requireAdmin()

	case *RemoveServerPayload:
		if _, ok := s.Server(p.Host); !ok {
			return invalid("unknown server %s", p.Host)
		}
		return requireAdmin()

	case *RotateKeysPayload:
		return checkRotation(s, link, p, anc, author, requireAdmin)

	case *AddLockboxesPayload:
		return checkLockboxes(s, p, requireAdmin)
	}
	return invalid("unhandled action %s", link.Body.Type)
}

func checkRoot(link *history.Link, p *RootPayload, anc *history.Ancestry) error {
	if i, _ := anc.Index(link.Hash); i != 0 || !link.IsRoot() {
		return invalid("root action must be the first link")
	}
	if p.TeamName == "" {
		return invalid("team name is empty")
	}
	if p.Founder != link.Body.UserID || p.Device.UserID != p.Founder || p.Device.DeviceID != link.Body.DeviceID {
		return invalid("root must be authored by the founder's device")
	}
	if !bytes.Equal(p.Device.Keys.Signature, link.SignerKey) {
		return invalid("root signed with a key other than the founder's device key")
	}
	checks := []struct {
		keys  keyring.PublicKeyset
		scope types.KeyScope
	}{
		{p.UserKeys, types.UserScope(p.Founder)},
		{p.Device.Keys, types.DeviceScope(p.Founder, p.Device.DeviceID)},
		{p.TeamKeys, types.TeamScope()},
		{p.AdminKeys, types.AdminScope()},
	}
	for _, c := range checks {
		if err := checkKeys(c.keys, c.scope); err != nil {
			return err
		}
	}
	return nil
}

func checkNewMember(s State, p *AddMemberPayload) error {
	if p.UserID == "" {
		return invalid("member has no user id")
	}
	if s.MemberWasRemoved(p.UserID) {
		return invalid("%s was removed and cannot be re-admitted", p.UserID)
	}
	if p.Device.UserID != p.UserID || p.Device.DeviceID == "" {
		return invalid("member %s must be admitted with one of their own devices", p.UserID)
	}
	if err := checkKeys(p.UserKeys, types.UserScope(p.UserID)); err != nil {
		return err
	}
	if err := checkKeys(p.Device.Keys, types.DeviceScope(p.UserID, p.Device.DeviceID)); err != nil {
		return err
	}
	for _, r := range p.Roles {
		if !s.HasRole(r) {
			return invalid("role %q does not exist", r)
		}
	}
	return nil
}

// checkAdmission ties an invitation admission to a surviving use of the invitation
func checkAdmission(s State, useLink types.Hash, owner, userID types.UserID, deviceID types.DeviceID) error {
	for _, inv := range s.Invitations {
		a, ok := inv.Admission(useLink)
		if !ok {
			continue
		}
		if inv.UserID != owner {
			return invalid("invitation %s cannot admit %s", inv.ID, types.DeviceName(userID, deviceID))
		}
		if a.UserID != userID || a.DeviceID != deviceID {
			return invalid("admission does not match the invitation proof")
		}
		return nil
	}
	return unauthorized("no surviving use of an invitation at %s", useLink)
}

func checkRotation(s State, link *history.Link, p *RotateKeysPayload, anc *history.Ancestry, author Member, requireAdmin func() error) error {
	scope := p.Keys.Scope()
	if err := checkKeys(p.Keys, scope); err != nil {
		return err
	}
	switch scope.Type {
	case types.KeyTypeTeam:
	case types.KeyTypeRole:
		if scope.Name != types.ADMIN {
			return invalid("role %s has no keys", scope.Name)
		}
		if err := requireAdmin(); err != nil {
			return err
		}
	case types.KeyTypeUser:
		if scope.Name != string(author.UserID) {
			return unauthorized("%s cannot rotate keys of %s", author.UserID, scope.Name)
		}
	default:
		return invalid("keys of type %s cannot be rotated", scope.Type)
	}

	cur, ok := s.CurrentKeys(scope)
	if !ok {
		return invalid("no keys in force for %s", scope)
	}
	switch {
	case p.Keys.Generation == cur.Generation+1:
		return nil
	case p.Keys.Generation == cur.Generation && anc.Concurrent(s.KeySources[scope.String()], link.Hash):
		// Two peers rotated the same generation without seeing each other
		return nil
	}
	return invalid("rotation of %s to generation %d does not follow generation %d", scope, p.Keys.Generation, cur.Generation)
}

// checkLockboxes accepts lockboxes of the team or admin keys in force, each
// addressed to a holder entitled to them
func checkLockboxes(s State, p *AddLockboxesPayload, requireAdmin func() error) error {
	if len(p.Lockboxes) == 0 {
		return invalid("no lockboxes to add")
	}
	for _, lb := range p.Lockboxes {
		scope := lb.Contents.Scope()
		switch scope {
		case types.TeamScope():
		case types.AdminScope():
			if err := requireAdmin(); err != nil {
				return err
			}
		default:
			return invalid("keys of %s are not shared by lockbox", scope)
		}
		cur, _ := s.CurrentKeys(scope)
		if !samePublic(lb.Contents, cur) {
			return invalid("lockbox %s is not for the %s keys in force", lb.ID, scope)
		}
		entitled := slices.ContainsFunc(s.recipients(scope), func(k keyring.PublicKeyset) bool {
			return samePublic(k, lb.Recipient)
		})
		if !entitled {
			return unauthorized("%s is not entitled to %s keys", lb.Recipient.Name, scope)
		}
	}
	return nil
}

func checkKeys(k keyring.PublicKeyset, scope types.KeyScope) error {
	if err := k.Validate(); err != nil {
		return invalid("%v", err)
	}
	if k.Scope() != scope {
		return invalid("keys for %s presented as %s", k.Scope(), scope)
	}
	return nil
}

// adminGated reports whether an action needs ADMIN. A demotion concurrent
// with such an action by the demoted member discards it.
func adminGated(link *history.Link, payload any) bool {
	switch p := payload.(type) {
	case *AddMemberPayload:
		return p.UseLink == ""
	case *RemoveMemberPayload, *AddRolePayload, *MemberRolePayload,
		*AddServerPayload, *RemoveServerPayload, *RevokeInvitationPayload:
		return true
	case *AddDevicePayload:
		return p.Device.UserID != link.Body.UserID
	case *RemoveDevicePayload:
		return p.UserID != link.Body.UserID
	case *CreateInvitationPayload:
		return p.Invitation.UserID != link.Body.UserID
	case *RotateKeysPayload:
		return p.Keys.Scope() == types.AdminScope()
	case *AddLockboxesPayload:
		return slices.ContainsFunc(p.Lockboxes, func(lb keyring.Lockbox) bool {
			return lb.Contents.Scope() == types.AdminScope()
		})
	}
	return false
}
