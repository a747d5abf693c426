package room

import (
	"fmt"
)

// AuthenticationError means the auth endpoint could not produce a usable token.
// The room surfaces it on the error channel and retries per the backoff schedule.
type AuthenticationError struct {
	Message string
	Cause   error
}

func (self *AuthenticationError) Error() string {
	if self.Cause != nil {
		return fmt.Sprintf("authentication failed: %s: %s", self.Message, self.Cause)
	}
	return fmt.Sprintf("authentication failed: %s", self.Message)
}

func (self *AuthenticationError) Unwrap() error {
	return self.Cause
}

// RoomError is a server rejection delivered as a channel close with a code
// in [4000,4100]. The session retries on the slow schedule after surfacing it.
type RoomError struct {
	Code   int
	Reason string
}

func (self *RoomError) Error() string {
	return fmt.Sprintf("room error %d: %s", self.Code, self.Reason)
}

// InvariantViolationError is a programmer error or an unrecoverable protocol
// violation. Public calls return it synchronously to the caller; violations
// found while loading storage from the server surface on the error callbacks.
// It is never retried.
type InvariantViolationError struct {
	Message string
}

func (self *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation: %s", self.Message)
}

func invariantViolation(format string, a ...any) error {
	return &InvariantViolationError{
		Message: fmt.Sprintf(format, a...),
	}
}

// WriteDeniedError means a storage mutation was attempted while the session
// token only grants read and presence-write scopes.
type WriteDeniedError struct {
	RoomId string
}

func (self *WriteDeniedError) Error() string {
	return fmt.Sprintf("write denied: session for room %s is read only", self.RoomId)
}

// ConnectionLostError reports an outage that outlived the configured grace
// period. The room keeps retrying; this is a notification, not a terminal
// state.
type ConnectionLostError struct {
	RoomId string
}

func (self *ConnectionLostError) Error() string {
	return fmt.Sprintf("connection lost: room %s has been unavailable past the grace period", self.RoomId)
}

// StorageOpRejectedError is the server refusing one or more storage ops.
// The replica is left as is; divergence is accepted rather than repaired.
type StorageOpRejectedError struct {
	OpIds  []string
	Reason string
}

func (self *StorageOpRejectedError) Error() string {
	return fmt.Sprintf("storage ops rejected (%v): %s", self.OpIds, self.Reason)
}
