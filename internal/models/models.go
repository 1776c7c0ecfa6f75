/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package models defines the domain types shared across the engine: tracks,
// queue entries, room snapshots, and the persisted records they map to.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Platform identifies the external service a track is hosted on.
type Platform string

const (
	PlatformSoundCloud Platform = "soundcloud"
	PlatformSpotify    Platform = "spotify"
	PlatformYouTube    Platform = "youtube"
)

// Track is an immutable description of a playable item. A track is never
// mutated after construction, only replaced.
type Track struct {
	ID           string    `json:"id"`
	Platform     Platform  `json:"platform"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Artist       string    `json:"artist,omitempty"`
	DurationMS   int64     `json:"duration_ms,omitempty"` // 0 = unknown until resolved
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	AddedBy      string    `json:"added_by,omitempty"`
	AddedAt      time.Time `json:"added_at"`
}

// QueueEntry wraps a track with its place in a room's queue.
type QueueEntry struct {
	Track    Track `json:"track"`
	Position int   `json:"position"`
}

// RoomSnapshot is the durable representation of a room's playback state.
// It is what the broker hands to the store on every committed transition
// and what a cold start reconstructs from.
type RoomSnapshot struct {
	Queue        []QueueEntry       `json:"queue"`
	CurrentTrack *Track             `json:"current_track,omitempty"`
	IsPlaying    bool               `json:"is_playing"`
	PositionMS   int64              `json:"position_ms"`
	History      []Track            `json:"history,omitempty"` // most-recent-last
	Volumes      map[string]float64 `json:"volumes,omitempty"` // user id -> volume preference
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Value implements driver.Valuer for RoomSnapshot.
func (s RoomSnapshot) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner for RoomSnapshot.
func (s *RoomSnapshot) Scan(value interface{}) error {
	if value == nil {
		*s = RoomSnapshot{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return json.Unmarshal([]byte(value.(string)), s)
	}
	return json.Unmarshal(bytes, s)
}

// Clone returns a deep copy so the actor's working state never aliases a
// snapshot handed to the store or to a client.
func (s *RoomSnapshot) Clone() *RoomSnapshot {
	if s == nil {
		return nil
	}
	out := RoomSnapshot{
		IsPlaying:  s.IsPlaying,
		PositionMS: s.PositionMS,
		UpdatedAt:  s.UpdatedAt,
	}
	if s.CurrentTrack != nil {
		track := *s.CurrentTrack
		out.CurrentTrack = &track
	}
	if len(s.Queue) > 0 {
		out.Queue = make([]QueueEntry, len(s.Queue))
		copy(out.Queue, s.Queue)
	}
	if len(s.History) > 0 {
		out.History = make([]Track, len(s.History))
		copy(out.History, s.History)
	}
	if len(s.Volumes) > 0 {
		out.Volumes = make(map[string]float64, len(s.Volumes))
		for k, v := range s.Volumes {
			out.Volumes[k] = v
		}
	}
	return &out
}

// RoomRecord is the persisted row backing one room.
type RoomRecord struct {
	ID        string       `gorm:"type:uuid;primaryKey"`
	Code      string       `gorm:"type:varchar(5);uniqueIndex"`
	Snapshot  RoomSnapshot `gorm:"type:jsonb;serializer:json"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName overrides GORM table name.
func (RoomRecord) TableName() string {
	return "rooms"
}

// SyncMode describes whether a listener's local player follows the room.
type SyncMode string

const (
	SyncModeSynced    SyncMode = "synced"
	SyncModeNotSynced SyncMode = "not-synced"
)
