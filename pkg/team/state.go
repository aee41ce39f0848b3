package team

import (
	"slices"

	"teamtrust/pkg/invitation"
	"teamtrust/pkg/keyring"
	"teamtrust/pkg/types"
)

// State is the membership state folded from a resolved history. It is a
// value: transforms copy before they change anything.
type State struct {
	ID          types.Hash                      `json:"id"`
	TeamName    string                          `json:"teamName"`
	Members     []Member                        `json:"members"`
	Roles       []Role                          `json:"roles"`
	Invitations map[string]invitation.State     `json:"invitations"`
	Servers     []Server                        `json:"servers"`
	Keys        map[string]keyring.PublicKeyset `json:"keys"`
	// KeySources records which action put each current keyset in force
	KeySources map[string]types.Hash `json:"keySources"`
	Lockboxes  []keyring.Lockbox     `json:"lockboxes"`
}

type Member struct {
	UserID  types.UserID `json:"userId"`
	Roles   []string     `json:"roles"`
	Devices []Device     `json:"devices"`
	Removed bool         `json:"removed,omitempty"`

	// Seniority is the canonical position of the admission; lower is more senior
	Seniority      int        `json:"seniority"`
	AdmittedAt     types.Hash `json:"admittedAt"`
	AdminGrantedAt types.Hash `json:"adminGrantedAt,omitempty"`
}

type Device struct {
	UserID   types.UserID         `json:"userId"`
	DeviceID types.DeviceID       `json:"deviceId"`
	Keys     keyring.PublicKeyset `json:"keys"`
	Removed  bool                 `json:"removed,omitempty"`
	AddedAt  types.Hash           `json:"addedAt"`
}

type Role struct {
	RoleName string `json:"roleName"`
}

type Server struct {
	Host    string               `json:"host"`
	Keys    keyring.PublicKeyset `json:"keys"`
	Removed bool                 `json:"removed,omitempty"`
}

func (m Member) HasRole(role string) bool {
	return slices.Contains(m.Roles, role)
}

// IsAdmin reports whether an active member holds ADMIN
func (m Member) IsAdmin() bool {
	return !m.Removed && m.HasRole(types.ADMIN)
}

func (m Member) Device(id types.DeviceID) (Device, bool) {
	for _, d := range m.Devices {
		if d.DeviceID == id {
			return d, true
		}
	}
	return Device{}, false
}

func (m Member) ActiveDevices() []Device {
	var out []Device
	for _, d := range m.Devices {
		if !d.Removed {
			out = append(out, d)
		}
	}
	return out
}

// Member returns the member record, including tombstoned members
func (s State) Member(userID types.UserID) (Member, bool) {
	if i := s.memberIndex(userID); i >= 0 {
		return s.Members[i], true
	}
	return Member{}, false
}

func (s State) memberIndex(userID types.UserID) int {
	for i, m := range s.Members {
		if m.UserID == userID {
			return i
		}
	}
	return -1
}

// Has reports whether userID is a current member
func (s State) Has(userID types.UserID) bool {
	m, ok := s.Member(userID)
	return ok && !m.Removed
}

func (s State) MemberWasRemoved(userID types.UserID) bool {
	m, ok := s.Member(userID)
	return ok && m.Removed
}

// ActiveMembers returns current members in seniority order
func (s State) ActiveMembers() []Member {
	var out []Member
	for _, m := range s.Members {
		if !m.Removed {
			out = append(out, m)
		}
	}
	slices.SortStableFunc(out, func(a, b Member) int { return a.Seniority - b.Seniority })
	return out
}

func (s State) Admins() []Member {
	var out []Member
	for _, m := range s.ActiveMembers() {
		if m.IsAdmin() {
			out = append(out, m)
		}
	}
	return out
}

func (s State) HasRole(role string) bool {
	return slices.ContainsFunc(s.Roles, func(r Role) bool { return r.RoleName == role })
}

func (s State) MemberHasRole(userID types.UserID, role string) bool {
	m, ok := s.Member(userID)
	return ok && !m.Removed && m.HasRole(role)
}

func (s State) MemberIsAdmin(userID types.UserID) bool {
	return s.MemberHasRole(userID, types.ADMIN)
}

func (s State) Device(userID types.UserID, deviceID types.DeviceID) (Device, bool) {
	m, ok := s.Member(userID)
	if !ok {
		return Device{}, false
	}
	return m.Device(deviceID)
}

// HasDevice reports whether the device is active and belongs to a current member
func (s State) HasDevice(userID types.UserID, deviceID types.DeviceID) bool {
	d, ok := s.Device(userID, deviceID)
	return ok && !d.Removed && s.Has(userID)
}

func (s State) DeviceWasRemoved(userID types.UserID, deviceID types.DeviceID) bool {
	d, ok := s.Device(userID, deviceID)
	return ok && d.Removed
}

func (s State) HasInvitation(id string) bool {
	_, ok := s.Invitations[id]
	return ok
}

func (s State) Invitation(id string) (invitation.State, bool) {
	inv, ok := s.Invitations[id]
	return inv, ok
}

func (s State) Server(host string) (Server, bool) {
	for _, srv := range s.Servers {
		if srv.Host == host {
			return srv, true
		}
	}
	return Server{}, false
}

func (s State) HasServer(host string) bool {
	srv, ok := s.Server(host)
	return ok && !srv.Removed
}

func (s State) ServerWasRemoved(host string) bool {
	srv, ok := s.Server(host)
	return ok && srv.Removed
}

func (s State) ActiveServers() []Server {
	var out []Server
	for _, srv := range s.Servers {
		if !srv.Removed {
			out = append(out, srv)
		}
	}
	return out
}

// CurrentKeys returns the public keyset currently in force for scope
func (s State) CurrentKeys(scope types.KeyScope) (keyring.PublicKeyset, bool) {
	k, ok := s.Keys[scope.String()]
	return k, ok
}

// clone returns a deep enough copy for a transform to mutate
func (s State) clone() State {
	c := s
	c.Members = make([]Member, len(s.Members))
	for i, m := range s.Members {
		m.Roles = slices.Clone(m.Roles)
		m.Devices = slices.Clone(m.Devices)
		c.Members[i] = m
	}
	c.Roles = slices.Clone(s.Roles)
	c.Servers = slices.Clone(s.Servers)
	c.Invitations = make(map[string]invitation.State, len(s.Invitations))
	for id, inv := range s.Invitations {
		inv.UsedBy = slices.Clone(inv.UsedBy)
		c.Invitations[id] = inv
	}
	c.Keys = make(map[string]keyring.PublicKeyset, len(s.Keys))
	for k, v := range s.Keys {
		c.Keys[k] = v
	}
	c.KeySources = make(map[string]types.Hash, len(s.KeySources))
	for k, v := range s.KeySources {
		c.KeySources[k] = v
	}
	// Lockboxes are append-only; a full slice expression forces a copy on append
	c.Lockboxes = s.Lockboxes[:len(s.Lockboxes):len(s.Lockboxes)]
	return c
}
