package team

import (
	"teamtrust/pkg/invitation"
	"teamtrust/pkg/keyring"
	"teamtrust/pkg/types"
)

// Action types recorded on the team history
const (
	ActionRoot             = "ROOT"
	ActionAddMember        = "ADD_MEMBER"
	ActionRemoveMember     = "REMOVE_MEMBER"
	ActionAddRole          = "ADD_ROLE"
	ActionAddMemberRole    = "ADD_MEMBER_ROLE"
	ActionRemoveMemberRole = "REMOVE_MEMBER_ROLE"
	ActionAddDevice        = "ADD_DEVICE"
	ActionRemoveDevice     = "REMOVE_DEVICE"
	ActionCreateInvitation = "CREATE_INVITATION"
	ActionUseInvitation    = "USE_INVITATION"
	ActionRevokeInvitation = "REVOKE_INVITATION"
	ActionAddServer        = "ADD_SERVER"
	ActionRemoveServer     = "REMOVE_SERVER"
	ActionRotateKeys       = "ROTATE_KEYS"
	ActionAddLockboxes     = "ADD_LOCKBOXES"
)

// DeviceRecord is the public description of a device
type DeviceRecord struct {
	UserID   types.UserID         `json:"userId"`
	DeviceID types.DeviceID       `json:"deviceId"`
	Keys     keyring.PublicKeyset `json:"keys"`
}

type RootPayload struct {
	TeamName  string               `json:"teamName"`
	Founder   types.UserID         `json:"founder"`
	UserKeys  keyring.PublicKeyset `json:"userKeys"`
	Device    DeviceRecord         `json:"device"`
	TeamKeys  keyring.PublicKeyset `json:"teamKeys"`
	AdminKeys keyring.PublicKeyset `json:"adminKeys"`
	Lockboxes []keyring.Lockbox    `json:"lockboxes"`
}

type AddMemberPayload struct {
	UserID    types.UserID         `json:"userId"`
	UserKeys  keyring.PublicKeyset `json:"userKeys"`
	Device    DeviceRecord         `json:"device"`
	Roles     []string             `json:"roles,omitempty"`
	Lockboxes []keyring.Lockbox    `json:"lockboxes,omitempty"`
	// UseLink pairs an invitation admission with its use-invitation action
	UseLink types.Hash `json:"useLink,omitempty"`
}

type RemoveMemberPayload struct {
	UserID types.UserID `json:"userId"`
}

type AddRolePayload struct {
	RoleName string `json:"roleName"`
}

type MemberRolePayload struct {
	UserID    types.UserID      `json:"userId"`
	RoleName  string            `json:"roleName"`
	Lockboxes []keyring.Lockbox `json:"lockboxes,omitempty"`
}

type AddDevicePayload struct {
	Device    DeviceRecord      `json:"device"`
	Lockboxes []keyring.Lockbox `json:"lockboxes,omitempty"`
	UseLink   types.Hash        `json:"useLink,omitempty"`
}

type RemoveDevicePayload struct {
	UserID   types.UserID   `json:"userId"`
	DeviceID types.DeviceID `json:"deviceId"`
}

type CreateInvitationPayload struct {
	Invitation invitation.Invitation `json:"invitation"`
}

type UseInvitationPayload struct {
	Proof invitation.Proof `json:"proof"`
}

type RevokeInvitationPayload struct {
	ID string `json:"id"`
}

type AddServerPayload struct {
	Host string               `json:"host"`
	Keys keyring.PublicKeyset `json:"keys"`
}

type RemoveServerPayload struct {
	Host string `json:"host"`
}

type RotateKeysPayload struct {
	Keys      keyring.PublicKeyset `json:"keys"`
	Lockboxes []keyring.Lockbox    `json:"lockboxes"`
	// Cause is the membership change that made the rotation necessary
	Cause types.Hash `json:"cause"`
}

// AddLockboxesPayload shares the keys in force with holders that missed
// the rotation that produced them
type AddLockboxesPayload struct {
	Lockboxes []keyring.Lockbox `json:"lockboxes"`
}
