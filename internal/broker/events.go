/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package broker

import "github.com/listenlab/roomsync/internal/models"

// Wire event names the surrounding application subscribes to. These are the
// stable contract with the UI layer; renaming one breaks every client.
const (
	EventRoomState    = "roomState"
	EventTrackAdded   = "trackAdded"
	EventTrackRemoved = "trackRemoved"
	EventPlayTrack    = "play-track"
	EventPauseTrack   = "pause-track"
	EventTrackChanged = "track-changed"
	EventSeekTrack    = "seek-track"
	EventSyncAllUsers = "sync-all-users"
	EventUserCount    = "userCount"
	EventVolume       = "volume"
	EventError        = "error"
)

// Event is one fan-out message delivered to a client session.
type Event struct {
	Name    string `json:"event"`
	RoomID  string `json:"room_id"`
	Payload any    `json:"payload,omitempty"`
}

// RoomStatePayload carries the full authoritative state, sent to a client on
// join and whenever a queue promotion changes more than one field at once.
type RoomStatePayload struct {
	Snapshot  *models.RoomSnapshot `json:"snapshot"`
	UserCount int                  `json:"user_count"`
}

// TrackAddedPayload announces a new queue entry. Promoted is set when the
// track became currentTrack because the room had none.
type TrackAddedPayload struct {
	Entry    models.QueueEntry `json:"entry"`
	Promoted bool              `json:"promoted"`
}

// TrackRemovedPayload announces a queue entry removal.
type TrackRemovedPayload struct {
	TrackID string `json:"track_id"`
}

// PositionPayload carries a playback offset for play/pause/seek/sync events.
type PositionPayload struct {
	PositionMS int64 `json:"position_ms"`
}

// TrackChangedPayload announces a queue advance.
type TrackChangedPayload struct {
	Track      *models.Track `json:"track"` // nil when the queue ran out
	PositionMS int64         `json:"position_ms"`
	IsPlaying  bool          `json:"is_playing"`
}

// UserCountPayload announces the connected-client count.
type UserCountPayload struct {
	Count int `json:"count"`
}

// VolumePayload echoes a per-user volume preference back to its owner.
type VolumePayload struct {
	UserID string  `json:"user_id"`
	Volume float64 `json:"volume"`
}
