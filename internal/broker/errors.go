/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrRoomClosed indicates the room actor has shut down (last client left
	// and the room was evicted). Callers retry through the hub.
	ErrRoomClosed = errors.New("room closed")

	// ErrStaleCommand indicates a command that lost an expected race, such as
	// a duplicate nextTrack for an already-advanced track. It is a no-op for
	// the room and never surfaced to clients as a failure.
	ErrStaleCommand = errors.New("stale command")

	// ErrNotJoined indicates a command from a session the room does not know.
	ErrNotJoined = errors.New("session not joined to room")
)

// ValidationError rejects a malformed command. The room is unaffected and
// only the issuing client sees the error.
type ValidationError struct {
	Command string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Reason)
}

func invalid(command, format string, args ...any) error {
	return &ValidationError{Command: command, Reason: fmt.Sprintf(format, args...)}
}
