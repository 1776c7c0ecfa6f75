/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playersync

import (
	"context"

	"github.com/listenlab/roomsync/internal/models"
)

// PlayerEventKind classifies asynchronous player callbacks.
type PlayerEventKind string

const (
	// PlayerReady fires once a loaded track is buffered enough to seek.
	PlayerReady PlayerEventKind = "ready"

	// PlayerTick carries the player's locally observed position.
	PlayerTick PlayerEventKind = "tick"

	// PlayerEnded fires on natural completion of the loaded track.
	PlayerEnded PlayerEventKind = "ended"

	// PlayerError reports a backing-player failure.
	PlayerError PlayerEventKind = "error"
)

// PlayerEvent is one asynchronous callback from a backing player.
type PlayerEvent struct {
	Kind       PlayerEventKind
	PositionMS int64
	Err        error
}

// Player abstracts one platform's embedded player. The three supported
// platforms report ready/position/completion with very different latency, so
// the synchronizer treats all of them through this event-driven contract.
type Player interface {
	// Load attaches a track, releasing any previously attached resource.
	Load(ctx context.Context, track models.Track) error
	Play() error
	Pause() error
	SeekTo(positionMS int64) error
	// Release frees the backing resource. Safe to call repeatedly.
	Release()
	// Events streams the player's asynchronous callbacks.
	Events() <-chan PlayerEvent
}

// Commander is the synchronizer's channel back to the room broker.
type Commander interface {
	// ReportPosition feeds the local position into drift evaluation.
	ReportPosition(ctx context.Context, positionMS int64) error

	// NextTrack requests a queue advance past the named track. The broker
	// deduplicates near-simultaneous requests from many finishing listeners.
	NextTrack(ctx context.Context, expectTrackID string) error
}
