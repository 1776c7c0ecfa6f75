/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// NumDecks is the number of independently addressable mixer decks.
const NumDecks = 4

// DeckStatus enumerates deck playback states.
type DeckStatus string

const (
	DeckStatusEmpty   DeckStatus = "empty"
	DeckStatusLoading DeckStatus = "loading"
	DeckStatusCued    DeckStatus = "cued"
	DeckStatusPlaying DeckStatus = "playing"
	DeckStatusPaused  DeckStatus = "paused"
)

// DeckState is the state of a single mixer deck. Deck state is local to the
// DJ operator's session and is never broadcast to passive listeners.
type DeckState struct {
	Track      *Track     `json:"track,omitempty"`
	Status     DeckStatus `json:"status"`
	Volume     float64    `json:"volume"` // 0.0 to 1.0
	PositionMS int64      `json:"position_ms"`
	DurationMS int64      `json:"duration_ms"`
}

// NewDeckState returns an empty deck at full volume.
func NewDeckState() DeckState {
	return DeckState{Status: DeckStatusEmpty, Volume: 1.0}
}

// DeckStates is the jsonb column holding all four decks.
type DeckStates [NumDecks]DeckState

// Value implements driver.Valuer for DeckStates.
func (d DeckStates) Value() (driver.Value, error) {
	return json.Marshal(d)
}

// Scan implements sql.Scanner for DeckStates.
func (d *DeckStates) Scan(value interface{}) error {
	if value == nil {
		for i := range d {
			d[i] = NewDeckState()
		}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return json.Unmarshal([]byte(value.(string)), d)
	}
	return json.Unmarshal(bytes, d)
}

// DJSession is one DJ console session bound to a room. Each session owns its
// own mixer instance; the mixer is destroyed with the session.
type DJSession struct {
	ID        string     `gorm:"type:uuid;primaryKey"`
	RoomID    string     `gorm:"type:uuid;index"`
	UserID    string     `gorm:"type:uuid;index"`
	Decks     DeckStates `gorm:"type:jsonb;serializer:json"`
	Active    bool       `gorm:"default:true;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName overrides GORM table name.
func (DJSession) TableName() string {
	return "dj_sessions"
}
