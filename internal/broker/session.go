/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package broker

import (
	"time"

	"github.com/google/uuid"
	"github.com/listenlab/roomsync/internal/models"
)

// sessionBuffer is the per-session fan-out buffer. A client that falls this
// far behind is dropped rather than allowed to stall the room.
const sessionBuffer = 32

// Session is one client connection to a room. It is created by Join and
// destroyed by Disconnect; it never outlives the connection.
type Session struct {
	ID       string
	UserID   string
	RoomID   string
	Mode     models.SyncMode
	JoinedAt time.Time

	room   *Room
	events chan Event
	closed bool // owned by the room actor
}

func newSession(roomID, userID string, mode models.SyncMode) *Session {
	if userID == "" {
		// Anonymous listeners get an ephemeral identity.
		userID = "anon-" + uuid.NewString()
	}
	return &Session{
		ID:       uuid.NewString(),
		UserID:   userID,
		RoomID:   roomID,
		Mode:     mode,
		JoinedAt: time.Now().UTC(),
		events:   make(chan Event, sessionBuffer),
	}
}

// Events is the stream of fan-out events for this session. It is closed when
// the session disconnects or is dropped as a slow consumer; the receiver must
// treat channel close as the end of the session.
func (s *Session) Events() <-chan Event {
	return s.events
}

// send is called only from the room actor goroutine. It reports false when
// the session's buffer is full, signalling a slow client.
func (s *Session) send(ev Event) bool {
	if s.closed {
		return true
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// close is called only from the room actor goroutine.
func (s *Session) close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}
