/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playersync

import (
	"context"
	"sync"
	"time"

	"github.com/listenlab/roomsync/internal/models"
)

const headlessTickInterval = time.Second

// Headless is a Player with no audio backend. The server uses it to back DJ
// deck state when no client player is attached: position advances on the wall
// clock while playing, and the track ends when the known duration elapses.
type Headless struct {
	events   chan PlayerEvent
	stop     chan struct{}
	stopOnce sync.Once

	mu           sync.Mutex
	track        *models.Track
	playing      bool
	positionMS   int64
	playingSince time.Time
}

// NewHeadless creates a headless player and starts its clock.
func NewHeadless() *Headless {
	h := &Headless{
		events: make(chan PlayerEvent, 16),
		stop:   make(chan struct{}),
	}
	go h.tickLoop()
	return h
}

// HeadlessFactory builds headless players for any platform.
func HeadlessFactory(models.Platform) (Player, error) {
	return NewHeadless(), nil
}

func (h *Headless) Load(_ context.Context, track models.Track) error {
	h.mu.Lock()
	h.track = &track
	h.playing = false
	h.positionMS = 0
	h.mu.Unlock()
	h.emit(PlayerEvent{Kind: PlayerReady})
	return nil
}

func (h *Headless) Play() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.playing {
		h.playing = true
		h.playingSince = time.Now()
	}
	return nil
}

func (h *Headless) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fold(time.Now())
	h.playing = false
	return nil
}

func (h *Headless) SeekTo(positionMS int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if positionMS < 0 {
		positionMS = 0
	}
	if h.track != nil && h.track.DurationMS > 0 && positionMS > h.track.DurationMS {
		positionMS = h.track.DurationMS
	}
	h.positionMS = positionMS
	h.playingSince = time.Now()
	return nil
}

func (h *Headless) Release() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Headless) Events() <-chan PlayerEvent {
	return h.events
}

// position returns the current offset, folding elapsed play time.
func (h *Headless) position() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fold(time.Now())
	return h.positionMS
}

// fold accumulates elapsed playing time into positionMS. Caller holds mu.
func (h *Headless) fold(now time.Time) {
	if !h.playing {
		return
	}
	h.positionMS += now.Sub(h.playingSince).Milliseconds()
	h.playingSince = now
}

func (h *Headless) tickLoop() {
	ticker := time.NewTicker(headlessTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case now := <-ticker.C:
			ev, ok := h.advance(now)
			if ok {
				h.emit(ev)
			}
		}
	}
}

// advance folds the clock into the position and decides which event, if any,
// this tick produces.
func (h *Headless) advance(now time.Time) (PlayerEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.playing {
		return PlayerEvent{}, false
	}
	h.fold(now)
	if h.track != nil && h.track.DurationMS > 0 && h.positionMS >= h.track.DurationMS {
		h.positionMS = h.track.DurationMS
		h.playing = false
		return PlayerEvent{Kind: PlayerEnded, PositionMS: h.positionMS}, true
	}
	return PlayerEvent{Kind: PlayerTick, PositionMS: h.positionMS}, true
}

// emit never blocks; a stalled consumer loses ticks, not correctness.
func (h *Headless) emit(ev PlayerEvent) {
	select {
	case h.events <- ev:
	default:
	}
}
