package team

import (
	"fmt"
	"slices"

	"teamtrust/pkg/history"
	"teamtrust/pkg/invitation"
	"teamtrust/pkg/keyring"
	"teamtrust/pkg/types"
)

// decode unmarshals a link payload into its typed form
func decode(link *history.Link) (any, error) {
	var p any
	switch link.Body.Type {
	case ActionRoot:
		p = &RootPayload{}
	case ActionAddMember:
		p = &AddMemberPayload{}
	case ActionRemoveMember:
		p = &RemoveMemberPayload{}
	case ActionAddRole:
		p = &AddRolePayload{}
	case ActionAddMemberRole, ActionRemoveMemberRole:
		p = &MemberRolePayload{}
	case ActionAddDevice:
		p = &AddDevicePayload{}
	case ActionRemoveDevice:
		p = &RemoveDevicePayload{}
	case ActionCreateInvitation:
		p = &CreateInvitationPayload{}
	case ActionUseInvitation:
		p = &UseInvitationPayload{}
	case ActionRevokeInvitation:
		p = &RevokeInvitationPayload{}
	case ActionAddServer:
		p = &AddServerPayload{}
	case ActionRemoveServer:
		p = &RemoveServerPayload{}
	case ActionRotateKeys:
		p = &RotateKeysPayload{}
	case ActionAddLockboxes:
		p = &AddLockboxesPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", ErrValidation, link.Body.Type)
	}
	if err := link.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return p, nil
}

// fold applies one decoded action to s and returns the new state. Every
// transform is total over well-formed input and idempotent, so duplicate
// concurrent effects collapse into one.
func fold(s State, link *history.Link, payload any) State {
	next := s.clone()
	switch p := payload.(type) {
	case *RootPayload:
		next = State{
			ID:       link.Hash,
			TeamName: p.TeamName,
			Members: []Member{{
				UserID:         p.Founder,
				Roles:          []string{types.ADMIN},
				Devices:        []Device{newDevice(p.Device, link.Hash)},
				AdmittedAt:     link.Hash,
				AdminGrantedAt: link.Hash,
			}},
			Roles:       []Role{{RoleName: types.ADMIN}},
			Invitations: map[string]invitation.State{},
			Keys: map[string]keyring.PublicKeyset{
				types.TeamScope().String():          p.TeamKeys,
				types.AdminScope().String():         p.AdminKeys,
				types.UserScope(p.Founder).String(): p.UserKeys,
			},
			KeySources: map[string]types.Hash{},
			Lockboxes:  slices.Clone(p.Lockboxes),
		}
		for scope := range next.Keys {
			next.KeySources[scope] = link.Hash
		}

	case *AddMemberPayload:
		if next.memberIndex(p.UserID) >= 0 {
			break
		}
		m := Member{
			UserID:     p.UserID,
			Roles:      normalizeRoles(p.Roles),
			Devices:    []Device{newDevice(p.Device, link.Hash)},
			AdmittedAt: link.Hash,
		}
		if m.HasRole(types.ADMIN) {
			m.AdminGrantedAt = link.Hash
		}
		next.Members = append(next.Members, m)
		next.setKeys(p.UserKeys, link.Hash)
		next.Lockboxes = append(next.Lockboxes, p.Lockboxes...)

	case *RemoveMemberPayload:
		if i := next.memberIndex(p.UserID); i >= 0 {
			next.Members[i].Removed = true
		}

	case *AddRolePayload:
		if !next.HasRole(p.RoleName) {
			next.Roles = append(next.Roles, Role{RoleName: p.RoleName})
		}

	case *MemberRolePayload:
		i := next.memberIndex(p.UserID)
		if i < 0 {
			break
		}
		m := &next.Members[i]
		if link.Body.Type == ActionAddMemberRole {
			if !m.HasRole(p.RoleName) {
				m.Roles = append(m.Roles, p.RoleName)
				if p.RoleName == types.ADMIN {
					m.AdminGrantedAt = link.Hash
				}
			}
			next.Lockboxes = append(next.Lockboxes, p.Lockboxes...)
			break
		}
		m.Roles = slices.DeleteFunc(m.Roles, func(r string) bool { return r == p.RoleName })
		if p.RoleName == types.ADMIN {
			m.AdminGrantedAt = ""
		}

	case *AddDevicePayload:
		i := next.memberIndex(p.Device.UserID)
		if i < 0 {
			break
		}
		m := &next.Members[i]
		if _, exists := m.Device(p.Device.DeviceID); !exists {
			m.Devices = append(m.Devices, newDevice(p.Device, link.Hash))
		}
		next.Lockboxes = append(next.Lockboxes, p.Lockboxes...)

	case *RemoveDevicePayload:
		i := next.memberIndex(p.UserID)
		if i < 0 {
			break
		}
		for j := range next.Members[i].Devices {
			if next.Members[i].Devices[j].DeviceID == p.DeviceID {
				next.Members[i].Devices[j].Removed = true
			}
		}

	case *CreateInvitationPayload:
		if _, exists := next.Invitations[p.Invitation.ID]; !exists {
			next.Invitations[p.Invitation.ID] = invitation.State{Invitation: p.Invitation}
		}

	case *UseInvitationPayload:
		inv, ok := next.Invitations[p.Proof.InvitationID]
		if !ok {
			break
		}
		inv.Uses++
		inv.UsedBy = append(inv.UsedBy, invitation.Admission{
			Link:     link.Hash,
			UserID:   p.Proof.UserID,
			DeviceID: p.Proof.DeviceID,
		})
		next.Invitations[inv.ID] = inv

	case *RevokeInvitationPayload:
		if inv, ok := next.Invitations[p.ID]; ok {
			inv.Revoked = true
			next.Invitations[p.ID] = inv
		}

	case *AddServerPayload:
		if _, exists := next.Server(p.Host); !exists {
			next.Servers = append(next.Servers, Server{Host: p.Host, Keys: p.Keys})
			next.setKeys(p.Keys, link.Hash)
		}

	case *RemoveServerPayload:
		for i := range next.Servers {
			if next.Servers[i].Host == p.Host {
				next.Servers[i].Removed = true
			}
		}

	case *RotateKeysPayload:
		if cur, ok := next.CurrentKeys(p.Keys.Scope()); !ok || p.Keys.Generation >= cur.Generation {
			next.setKeys(p.Keys, link.Hash)
		}
		next.Lockboxes = append(next.Lockboxes, p.Lockboxes...)

	case *AddLockboxesPayload:
		for _, lb := range p.Lockboxes {
			if !next.hasLockbox(lb.Contents, lb.Recipient) {
				next.Lockboxes = append(next.Lockboxes, lb)
			}
		}
	}
	return next
}

func (s *State) setKeys(k keyring.PublicKeyset, source types.Hash) {
	scope := k.Scope().String()
	s.Keys[scope] = k
	s.KeySources[scope] = source
}

func newDevice(d DeviceRecord, at types.Hash) Device {
	return Device{
		UserID:   d.UserID,
		DeviceID: d.DeviceID,
		Keys:     d.Keys,
		AddedAt:  at,
	}
}

func normalizeRoles(roles []string) []string {
	out := slices.Clone(roles)
	slices.Sort(out)
	return slices.Compact(out)
}
