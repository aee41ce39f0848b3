package team

import (
	"fmt"

	"teamtrust/pkg/history"
	"teamtrust/pkg/keyring"
	"teamtrust/pkg/types"
)

// LocalContext is the identity of the device running this process. The user
// keyset may lack secrets on a device that receives them by lockbox.
type LocalContext struct {
	User   LocalUser   `json:"user"`
	Device LocalDevice `json:"device"`
}

type LocalUser struct {
	UserID types.UserID   `json:"userId"`
	Keys   keyring.Keyset `json:"keys"`
}

type LocalDevice struct {
	UserID   types.UserID   `json:"userId"`
	DeviceID types.DeviceID `json:"deviceId"`
	Keys     keyring.Keyset `json:"keys"`
}

// MemberInit is what a new member hands to whoever admits them
type MemberInit struct {
	UserID   types.UserID         `json:"userId"`
	UserKeys keyring.PublicKeyset `json:"userKeys"`
	Device   DeviceRecord         `json:"device"`
	// Lockboxes prepared by the new member, e.g. their user keys for their device
	Lockboxes []keyring.Lockbox `json:"lockboxes,omitempty"`
}

// NewLocalContext generates user and device keys for a new member
func NewLocalContext(userID types.UserID, deviceID types.DeviceID) (LocalContext, error) {
	userKeys, err := keyring.NewKeyset(types.UserScope(userID), 0)
	if err != nil {
		return LocalContext{}, err
	}
	ctx, err := NewDeviceContext(userID, deviceID)
	if err != nil {
		return LocalContext{}, err
	}
	ctx.User.Keys = userKeys
	return ctx, nil
}

// NewDeviceContext generates keys for a new device of an existing member;
// the member's user keys arrive later by lockbox
func NewDeviceContext(userID types.UserID, deviceID types.DeviceID) (LocalContext, error) {
	if userID == "" || deviceID == "" {
		return LocalContext{}, fmt.Errorf("user and device ids are required")
	}
	deviceKeys, err := keyring.NewKeyset(types.DeviceScope(userID, deviceID), 0)
	if err != nil {
		return LocalContext{}, err
	}
	return LocalContext{
		User:   LocalUser{UserID: userID},
		Device: LocalDevice{UserID: userID, DeviceID: deviceID, Keys: deviceKeys},
	}, nil
}

// Author is the signing identity for links created on this device
func (c LocalContext) Author() history.Author {
	return history.Author{
		UserID:   c.User.UserID,
		DeviceID: c.Device.DeviceID,
		Keys:     c.Device.Keys.Signature,
	}
}

func (c LocalContext) DeviceRecord() DeviceRecord {
	return DeviceRecord{
		UserID:   c.Device.UserID,
		DeviceID: c.Device.DeviceID,
		Keys:     c.Device.Keys.Public(),
	}
}

// MemberInit describes this member for admission, locking the user keys to
// this device so they can be recovered from the history alone
func (c LocalContext) MemberInit() (MemberInit, error) {
	if !c.User.Keys.HasSecrets() {
		return MemberInit{}, fmt.Errorf("%s has no user keys", c.User.UserID)
	}
	lb, err := keyring.Create(c.User.Keys, c.Device.Keys.Public())
	if err != nil {
		return MemberInit{}, err
	}
	return MemberInit{
		UserID:    c.User.UserID,
		UserKeys:  c.User.Keys.Public(),
		Device:    c.DeviceRecord(),
		Lockboxes: []keyring.Lockbox{lb},
	}, nil
}

// ForDevice returns a context for another device of the same member. The
// new device shares the user keys.
func (c LocalContext) ForDevice(deviceID types.DeviceID) (LocalContext, error) {
	next, err := NewDeviceContext(c.User.UserID, deviceID)
	if err != nil {
		return LocalContext{}, err
	}
	next.User.Keys = c.User.Keys
	return next, nil
}
