package types

import (
	"slices"
	"strings"
)

type UserID string
type DeviceID string

// Hash is the hex encoded content hash of a history link
type Hash string

type KeyType string

const (
	KeyTypeTeam   KeyType = "TEAM"
	KeyTypeRole   KeyType = "ROLE"
	KeyTypeUser   KeyType = "USER"
	KeyTypeDevice KeyType = "DEVICE"
	KeyTypeServer KeyType = "SERVER"
)

// ADMIN is the reserved built-in role gating sensitive actions
const ADMIN = "admin"

// KeyScope identifies the holder of a family of keysets
type KeyScope struct {
	Type KeyType `json:"type"`
	Name string  `json:"name"`
}

func (s KeyScope) String() string {
	return string(s.Type) + "/" + s.Name
}

func TeamScope() KeyScope {
	return KeyScope{Type: KeyTypeTeam, Name: string(KeyTypeTeam)}
}

func RoleScope(role string) KeyScope {
	return KeyScope{Type: KeyTypeRole, Name: role}
}

func AdminScope() KeyScope {
	return RoleScope(ADMIN)
}

func UserScope(userID UserID) KeyScope {
	return KeyScope{Type: KeyTypeUser, Name: string(userID)}
}

func DeviceScope(userID UserID, deviceID DeviceID) KeyScope {
	return KeyScope{Type: KeyTypeDevice, Name: DeviceName(userID, deviceID)}
}

func ServerScope(host string) KeyScope {
	return KeyScope{Type: KeyTypeServer, Name: host}
}

// DeviceName is the team-wide unique name of a device, e.g. "alice::laptop"
func DeviceName(userID UserID, deviceID DeviceID) string {
	return string(userID) + "::" + string(deviceID)
}

// ParseDeviceName splits a device name produced by DeviceName
func ParseDeviceName(name string) (UserID, DeviceID, bool) {
	user, device, ok := strings.Cut(name, "::")
	if !ok || user == "" || device == "" {
		return "", "", false
	}
	return UserID(user), DeviceID(device), true
}

// SortHashes sorts hashes in place and drops duplicates
func SortHashes(hashes []Hash) []Hash {
	slices.Sort(hashes)
	return slices.Compact(hashes)
}

// EqualHashes reports whether two sorted hash lists are identical
func EqualHashes(a, b []Hash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
