/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package mixer implements DJ mode: four independently addressable decks per
// session, each loadable, playable, and volume-adjustable on its own. Deck
// state is local to the DJ operator and never reaches passive listeners.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/listenlab/roomsync/internal/models"
	"github.com/listenlab/roomsync/internal/playersync"
)

var (
	// ErrInvalidDeck indicates a deck index outside 0..3. Rejected without
	// side effects.
	ErrInvalidDeck = errors.New("invalid deck index")

	// ErrNoTrackLoaded indicates an operation on an empty deck.
	ErrNoTrackLoaded = errors.New("no track loaded on deck")
)

// PlayerFactory creates a backing player for a deck load. Each deck holds at
// most one backing resource at a time.
type PlayerFactory func(platform models.Platform) (playersync.Player, error)

type deck struct {
	state  models.DeckState
	player playersync.Player
	stop   chan struct{}
}

// Mixer is one DJ session's deck bank. An instance is constructed per active
// session and destroyed with it; there is no process-wide audio singleton.
type Mixer struct {
	factory PlayerFactory
	notify  func(index int, state models.DeckState, updateType string)

	mu    sync.Mutex
	decks [models.NumDecks]deck
}

// New creates a mixer with four empty decks.
func New(factory PlayerFactory) *Mixer {
	m := &Mixer{factory: factory}
	for i := range m.decks {
		m.decks[i].state = models.NewDeckState()
	}
	return m
}

// SetNotify registers a callback invoked whenever a deck's state changes from
// the player side (position ticks, natural completion). Must be set before
// the first load.
func (m *Mixer) SetNotify(fn func(index int, state models.DeckState, updateType string)) {
	m.notify = fn
}

func validDeck(index int) bool {
	return index >= 0 && index < models.NumDecks
}

// LoadTrack attaches a track to a deck. The deck's previous backing resource,
// if any, is released first so replacing a track never leaks a player.
func (m *Mixer) LoadTrack(ctx context.Context, index int, track models.Track) (models.DeckState, error) {
	if !validDeck(index) {
		return models.DeckState{}, ErrInvalidDeck
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d := &m.decks[index]
	m.releaseLocked(d)
	d.state = models.DeckState{Status: models.DeckStatusLoading, Volume: 1.0}

	player, err := m.factory(track.Platform)
	if err != nil {
		d.state = models.NewDeckState()
		return models.DeckState{}, fmt.Errorf("create deck player: %w", err)
	}
	if err := player.Load(ctx, track); err != nil {
		player.Release()
		d.state = models.NewDeckState()
		return models.DeckState{}, fmt.Errorf("load deck track: %w", err)
	}

	d.player = player
	d.stop = make(chan struct{})
	d.state = models.DeckState{
		Track:      &track,
		Status:     models.DeckStatusCued,
		Volume:     1.0,
		DurationMS: track.DurationMS,
	}
	go m.watch(index, player, d.stop)
	return d.state, nil
}

// releaseLocked frees a deck's backing player and stops its watcher. Caller
// holds m.mu.
func (m *Mixer) releaseLocked(d *deck) {
	if d.player == nil {
		return
	}
	d.player.Release()
	d.player = nil
	close(d.stop)
	d.stop = nil
}

// watch drains one deck player's event stream so position and status stay
// live without polling. It exits when the deck is unloaded or replaced.
func (m *Mixer) watch(index int, player playersync.Player, stop <-chan struct{}) {
	for {
		select {
		case ev := <-player.Events():
			state, updateType := m.applyPlayerEvent(index, player, ev)
			if updateType != "" && m.notify != nil {
				m.notify(index, state, updateType)
			}
		case <-stop:
			return
		}
	}
}

// applyPlayerEvent folds a player event into deck state. The player identity
// check discards events from a watcher that lost its deck to a reload.
func (m *Mixer) applyPlayerEvent(index int, player playersync.Player, ev playersync.PlayerEvent) (models.DeckState, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := &m.decks[index]
	if d.player != player {
		return models.DeckState{}, ""
	}
	switch ev.Kind {
	case playersync.PlayerTick:
		if d.state.Status != models.DeckStatusPlaying {
			return models.DeckState{}, ""
		}
		d.state.PositionMS = ev.PositionMS
		return d.state, "deck_position"
	case playersync.PlayerEnded:
		// A finished deck re-cues at the start, ready to replay.
		d.state.Status = models.DeckStatusCued
		d.state.PositionMS = 0
		_ = d.player.SeekTo(0) // best effort, the state is already cued
		return d.state, "deck_state"
	default:
		return models.DeckState{}, ""
	}
}

// Play starts a loaded deck.
func (m *Mixer) Play(index int) (models.DeckState, error) {
	if !validDeck(index) {
		return models.DeckState{}, ErrInvalidDeck
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d := &m.decks[index]
	if d.player == nil {
		return models.DeckState{}, ErrNoTrackLoaded
	}
	if err := d.player.Play(); err != nil {
		return models.DeckState{}, err
	}
	d.state.Status = models.DeckStatusPlaying
	return d.state, nil
}

// Pause halts a loaded deck.
func (m *Mixer) Pause(index int) (models.DeckState, error) {
	if !validDeck(index) {
		return models.DeckState{}, ErrInvalidDeck
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d := &m.decks[index]
	if d.player == nil {
		return models.DeckState{}, ErrNoTrackLoaded
	}
	if err := d.player.Pause(); err != nil {
		return models.DeckState{}, err
	}
	d.state.Status = models.DeckStatusPaused
	return d.state, nil
}

// SetVolume adjusts a deck's volume, clamped to 0..1.
func (m *Mixer) SetVolume(index int, volume float64) (models.DeckState, error) {
	if !validDeck(index) {
		return models.DeckState{}, ErrInvalidDeck
	}
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d := &m.decks[index]
	d.state.Volume = volume
	return d.state, nil
}

// Seek moves a loaded deck's position, clamped to the known duration.
func (m *Mixer) Seek(index int, positionMS int64) (models.DeckState, error) {
	if !validDeck(index) {
		return models.DeckState{}, ErrInvalidDeck
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d := &m.decks[index]
	if d.player == nil {
		return models.DeckState{}, ErrNoTrackLoaded
	}
	if positionMS < 0 {
		positionMS = 0
	}
	if d.state.DurationMS > 0 && positionMS > d.state.DurationMS {
		positionMS = d.state.DurationMS
	}
	if err := d.player.SeekTo(positionMS); err != nil {
		return models.DeckState{}, err
	}
	d.state.PositionMS = positionMS
	return d.state, nil
}

// Unload releases a deck's backing resource and empties it.
func (m *Mixer) Unload(index int) (models.DeckState, error) {
	if !validDeck(index) {
		return models.DeckState{}, ErrInvalidDeck
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d := &m.decks[index]
	m.releaseLocked(d)
	d.state = models.NewDeckState()
	return d.state, nil
}

// GetState returns a copy of one deck's state.
func (m *Mixer) GetState(index int) (models.DeckState, error) {
	if !validDeck(index) {
		return models.DeckState{}, ErrInvalidDeck
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decks[index].state, nil
}

// States returns a copy of all four decks.
func (m *Mixer) States() models.DeckStates {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out models.DeckStates
	for i := range m.decks {
		out[i] = m.decks[i].state
	}
	return out
}

// Cleanup unloads every deck. Called on session end so backing resources are
// released deterministically.
func (m *Mixer) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.decks {
		m.releaseLocked(&m.decks[i])
		m.decks[i].state = models.NewDeckState()
	}
}
