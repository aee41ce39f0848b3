package team

import "errors"

var (
	// ErrValidation marks malformed or mis-ordered actions
	ErrValidation = errors.New("invalid action")
	// ErrUnauthorized marks actions whose author lacked the required standing
	ErrUnauthorized = errors.New("not authorized")
	// ErrDiscarded is returned when a local action does not survive resolution
	ErrDiscarded = errors.New("action was discarded by conflict resolution")
	// ErrKeysChanged is returned when keys rotated while an action was being prepared
	ErrKeysChanged = errors.New("team keys changed concurrently")
)
