package connection

import (
	"encoding/json"
	"fmt"

	"teamtrust/pkg/history"
	"teamtrust/pkg/invitation"
	"teamtrust/pkg/team"
	"teamtrust/pkg/types"
)

type MessageType string

const (
	MsgHello        MessageType = "HELLO"
	MsgProof        MessageType = "PROOF"
	MsgAccept       MessageType = "ACCEPT"
	MsgHead         MessageType = "HEAD"
	MsgRangeRequest MessageType = "RANGE_REQUEST"
	MsgRange        MessageType = "RANGE"
	MsgError        MessageType = "ERROR"
	MsgClose        MessageType = "CLOSE"
)

// Message is the unit exchanged over a Transport. Only the fields of its
// type are set.
type Message struct {
	Type  MessageType     `json:"type"`
	Hello *Hello          `json:"hello,omitempty"`
	Proof *Proof          `json:"proof,omitempty"`
	Heads []types.Hash    `json:"heads,omitempty"`
	Since []types.Hash    `json:"since,omitempty"`
	Links []*history.Link `json:"links,omitempty"`
	Error *ErrorMessage   `json:"error,omitempty"`
}

// Hello opens a connection. Members send an identity claim, invitees an
// invitation claim.
type Hello struct {
	TeamID     types.Hash       `json:"teamId,omitempty"`
	Identity   *IdentityClaim   `json:"identity,omitempty"`
	Invitation *InvitationClaim `json:"invitation,omitempty"`
	Challenge  []byte           `json:"challenge"`
	Heads      []types.Hash     `json:"heads,omitempty"`
}

type IdentityClaim struct {
	UserID   types.UserID   `json:"userId"`
	DeviceID types.DeviceID `json:"deviceId"`
}

type InvitationClaim struct {
	UserID   types.UserID   `json:"userId"`
	DeviceID types.DeviceID `json:"deviceId"`
}

// Proof answers the peer's challenge. Members sign it with their device
// key; invitees prove the invitation seed and describe who is joining.
type Proof struct {
	Signature  []byte             `json:"signature,omitempty"`
	Invitation *invitation.Proof  `json:"invitation,omitempty"`
	Member     *team.MemberInit   `json:"member,omitempty"`
	Device     *team.DeviceRecord `json:"device,omitempty"`
}

type ErrorMessage struct {
	Kind   ErrorKind `json:"kind"`
	Reason string    `json:"reason"`
}

func encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m.Type, err)
	}
	return data, nil
}

func decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("malformed message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("malformed message: no type")
	}
	return m, nil
}

// identityMessage is what a member signs to prove possession of its device key
func identityMessage(challenge []byte) []byte {
	return append([]byte("teamtrust/identity-proof\x00"), challenge...)
}
