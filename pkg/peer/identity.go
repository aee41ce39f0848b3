package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"teamtrust/pkg/team"
	"teamtrust/pkg/types"
)

var (
	ErrNoIdentity     = errors.New("no identity, run init first")
	ErrIdentityExists = errors.New("identity already exists")
)

// identityFile is what identity.json holds: the secret keysets of this
// device and, unless it is waiting to be admitted as a new device, of its
// user
type identityFile struct {
	Version int               `json:"version"`
	Local   team.LocalContext `json:"local"`
}

const identityVersion = 1

// CreateIdentity generates keys for a new member, or for a new device of an
// existing member when deviceOnly is set, and writes them to path
func CreateIdentity(path string, userID types.UserID, deviceID types.DeviceID, deviceOnly bool) (team.LocalContext, error) {
	if _, err := os.Stat(path); err == nil {
		return team.LocalContext{}, fmt.Errorf("%w: %s", ErrIdentityExists, path)
	}

	var (
		local team.LocalContext
		err   error
	)
	if deviceOnly {
		local, err = team.NewDeviceContext(userID, deviceID)
	} else {
		local, err = team.NewLocalContext(userID, deviceID)
	}
	if err != nil {
		return team.LocalContext{}, fmt.Errorf("failed to generate identity: %w", err)
	}
	if err := SaveIdentity(path, local); err != nil {
		return team.LocalContext{}, err
	}
	return local, nil
}

func LoadIdentity(path string) (team.LocalContext, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return team.LocalContext{}, ErrNoIdentity
	}
	if err != nil {
		return team.LocalContext{}, fmt.Errorf("failed to read identity: %w", err)
	}

	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return team.LocalContext{}, fmt.Errorf("failed to parse identity: %w", err)
	}
	if f.Version != identityVersion {
		return team.LocalContext{}, fmt.Errorf("unsupported identity version %d", f.Version)
	}
	if !f.Local.Device.Keys.HasSecrets() {
		return team.LocalContext{}, fmt.Errorf("identity in %s has no device secrets", path)
	}
	return f.Local, nil
}

// SaveIdentity writes the identity readable by the owner only
func SaveIdentity(path string, local team.LocalContext) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	data, err := json.MarshalIndent(identityFile{Version: identityVersion, Local: local}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity: %w", err)
	}
	return nil
}
