package connection

import (
	"errors"
	"fmt"

	"teamtrust/pkg/invitation"
	"teamtrust/pkg/team"
)

type State string

const (
	StateIdle           State = "idle"
	StateAuthenticating State = "authenticating"
	StateSynchronizing  State = "synchronizing"
	StateConnected      State = "connected"
	StateDisconnected   State = "disconnected"
)

type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventJoined       EventType = "joined"
	EventChange       EventType = "change"
	EventLocalUpdate  EventType = "localUpdate"
)

// Event is queued for the owner of a connection
type Event struct {
	Type EventType
	// Team is set on joined and change events
	Team *team.Team
	// Err is set on disconnected events that ended in an error
	Err *DisconnectError
}

type ErrorKind string

const (
	KindTrust      ErrorKind = "TRUST"
	KindInvitation ErrorKind = "INVITATION_INVALID"
	KindValidation ErrorKind = "VALIDATION"
	KindTimeout    ErrorKind = "TIMEOUT"
	KindTransport  ErrorKind = "TRANSPORT"
)

var (
	// ErrTrust marks peers that are unrecognized, removed or on another team
	ErrTrust   = errors.New("peer is not trusted")
	ErrTimeout = errors.New("connection timed out")
	// ErrClosed is returned by Await once a connection closed without error
	ErrClosed = errors.New("connection closed")
)

// DisconnectError carries why a connection ended. Both sides of a failed
// handshake report the same reason.
type DisconnectError struct {
	Kind   ErrorKind
	Reason string
	// Remote is set when the peer reported the error
	Remote bool
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *DisconnectError) Unwrap() error {
	switch e.Kind {
	case KindTrust:
		return ErrTrust
	case KindInvitation:
		return invitation.ErrInvitationInvalid
	case KindValidation:
		return team.ErrValidation
	case KindTimeout:
		return ErrTimeout
	}
	return nil
}

func disconnectError(kind ErrorKind, format string, args ...any) *DisconnectError {
	return &DisconnectError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}
