/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mixer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/listenlab/roomsync/internal/events"
	"github.com/listenlab/roomsync/internal/models"
	"github.com/listenlab/roomsync/internal/playersync"
	"github.com/listenlab/roomsync/internal/resolver"
	"github.com/listenlab/roomsync/internal/store"
)

type deckPlayer struct {
	mu       sync.Mutex
	loaded   *models.Track
	released bool
	events   chan playersync.PlayerEvent
}

func newDeckPlayer() *deckPlayer {
	return &deckPlayer{events: make(chan playersync.PlayerEvent, 4)}
}

func (p *deckPlayer) Load(_ context.Context, track models.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = &track
	return nil
}

func (p *deckPlayer) Play() error  { return nil }
func (p *deckPlayer) Pause() error { return nil }

func (p *deckPlayer) SeekTo(int64) error { return nil }

func (p *deckPlayer) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
}

func (p *deckPlayer) Events() <-chan playersync.PlayerEvent { return p.events }

func (p *deckPlayer) isReleased() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// trackingFactory remembers every player it created.
type trackingFactory struct {
	mu      sync.Mutex
	players []*deckPlayer
}

func (f *trackingFactory) create(models.Platform) (playersync.Player, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := newDeckPlayer()
	f.players = append(f.players, p)
	return p, nil
}

func sampleTrack(id string, durationMS int64) models.Track {
	return models.Track{
		ID:         id,
		Platform:   models.PlatformSoundCloud,
		URL:        "https://soundcloud.com/a/" + id,
		Title:      id,
		DurationMS: durationMS,
	}
}

func TestLoadTrackReleasesPrevious(t *testing.T) {
	factory := &trackingFactory{}
	m := New(factory.create)
	ctx := context.Background()

	if _, err := m.LoadTrack(ctx, 0, sampleTrack("t1", 180000)); err != nil {
		t.Fatalf("LoadTrack t1: %v", err)
	}
	if _, err := m.LoadTrack(ctx, 0, sampleTrack("t2", 240000)); err != nil {
		t.Fatalf("LoadTrack t2: %v", err)
	}

	if len(factory.players) != 2 {
		t.Fatalf("factory created %d players, want 2", len(factory.players))
	}
	if !factory.players[0].isReleased() {
		t.Error("t1's backing player was not released before t2 was attached")
	}
	if factory.players[1].isReleased() {
		t.Error("t2's backing player must still be live")
	}

	state, err := m.GetState(0)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.Track == nil || state.Track.ID != "t2" {
		t.Fatalf("deck state track = %+v, want t2 only", state.Track)
	}
	if state.Status != models.DeckStatusCued {
		t.Errorf("deck status = %s, want %s", state.Status, models.DeckStatusCued)
	}
}

func TestOutOfRangeDeckRejected(t *testing.T) {
	factory := &trackingFactory{}
	m := New(factory.create)
	ctx := context.Background()

	for _, index := range []int{-1, models.NumDecks, 99} {
		if _, err := m.LoadTrack(ctx, index, sampleTrack("t1", 0)); !errors.Is(err, ErrInvalidDeck) {
			t.Errorf("LoadTrack(%d): got %v, want ErrInvalidDeck", index, err)
		}
		if _, err := m.Play(index); !errors.Is(err, ErrInvalidDeck) {
			t.Errorf("Play(%d): got %v, want ErrInvalidDeck", index, err)
		}
		if _, err := m.SetVolume(index, 0.5); !errors.Is(err, ErrInvalidDeck) {
			t.Errorf("SetVolume(%d): got %v, want ErrInvalidDeck", index, err)
		}
	}
	// No side effects: nothing was created.
	if len(factory.players) != 0 {
		t.Fatalf("factory created %d players for rejected operations, want 0", len(factory.players))
	}
}

func TestDeckOperations(t *testing.T) {
	factory := &trackingFactory{}
	m := New(factory.create)
	ctx := context.Background()

	if _, err := m.Play(1); !errors.Is(err, ErrNoTrackLoaded) {
		t.Errorf("Play on empty deck: got %v, want ErrNoTrackLoaded", err)
	}

	if _, err := m.LoadTrack(ctx, 1, sampleTrack("t1", 200000)); err != nil {
		t.Fatalf("LoadTrack: %v", err)
	}

	state, err := m.Play(1)
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if state.Status != models.DeckStatusPlaying {
		t.Errorf("status = %s, want playing", state.Status)
	}

	state, err = m.SetVolume(1, 2.5)
	if err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if state.Volume != 1.0 {
		t.Errorf("volume = %v, want clamp to 1.0", state.Volume)
	}

	state, err = m.Seek(1, 999999999)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if state.PositionMS != 200000 {
		t.Errorf("position = %d, want clamp to duration 200000", state.PositionMS)
	}

	state, err = m.Pause(1)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if state.Status != models.DeckStatusPaused {
		t.Errorf("status = %s, want paused", state.Status)
	}
}

func waitDeckState(t *testing.T, m *Mixer, index int, ok func(models.DeckState) bool) models.DeckState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		state, err := m.GetState(index)
		if err != nil {
			t.Fatalf("GetState: %v", err)
		}
		if ok(state) {
			return state
		}
		if time.Now().After(deadline) {
			t.Fatalf("deck state never converged, last = %+v", state)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDeckFollowsPlayerEvents(t *testing.T) {
	factory := &trackingFactory{}
	m := New(factory.create)
	ctx := context.Background()

	if _, err := m.LoadTrack(ctx, 0, sampleTrack("t1", 180000)); err != nil {
		t.Fatalf("LoadTrack: %v", err)
	}
	if _, err := m.Play(0); err != nil {
		t.Fatalf("Play: %v", err)
	}

	// Position ticks from the backing player surface without an explicit
	// seek.
	factory.players[0].events <- playersync.PlayerEvent{Kind: playersync.PlayerTick, PositionMS: 2500}
	waitDeckState(t, m, 0, func(s models.DeckState) bool { return s.PositionMS == 2500 })

	// Natural completion takes the deck out of playing and re-cues it.
	factory.players[0].events <- playersync.PlayerEvent{Kind: playersync.PlayerEnded, PositionMS: 180000}
	state := waitDeckState(t, m, 0, func(s models.DeckState) bool { return s.Status != models.DeckStatusPlaying })
	if state.Status != models.DeckStatusCued {
		t.Errorf("status after completion = %s, want cued", state.Status)
	}
	if state.PositionMS != 0 {
		t.Errorf("position after completion = %d, want 0", state.PositionMS)
	}
}

func TestStaleWatcherIgnoredAfterReload(t *testing.T) {
	factory := &trackingFactory{}
	m := New(factory.create)
	ctx := context.Background()

	if _, err := m.LoadTrack(ctx, 0, sampleTrack("t1", 180000)); err != nil {
		t.Fatalf("LoadTrack t1: %v", err)
	}
	old := factory.players[0]
	if _, err := m.LoadTrack(ctx, 0, sampleTrack("t2", 240000)); err != nil {
		t.Fatalf("LoadTrack t2: %v", err)
	}

	// An event from the replaced player must not touch the new deck state.
	if _, updateType := m.applyPlayerEvent(0, old, playersync.PlayerEvent{Kind: playersync.PlayerTick, PositionMS: 9999}); updateType != "" {
		t.Fatalf("stale player event applied as %q, want ignored", updateType)
	}
	state, _ := m.GetState(0)
	if state.PositionMS != 0 {
		t.Errorf("position = %d after stale tick, want 0", state.PositionMS)
	}
}

func TestCleanupReleasesAllDecks(t *testing.T) {
	factory := &trackingFactory{}
	m := New(factory.create)
	ctx := context.Background()

	for i := 0; i < models.NumDecks; i++ {
		if _, err := m.LoadTrack(ctx, i, sampleTrack("t", 0)); err != nil {
			t.Fatalf("LoadTrack deck %d: %v", i, err)
		}
	}
	m.Cleanup()

	for i, p := range factory.players {
		if !p.isReleased() {
			t.Errorf("deck %d's player not released by Cleanup", i)
		}
	}
	for i := 0; i < models.NumDecks; i++ {
		state, _ := m.GetState(i)
		if state.Status != models.DeckStatusEmpty {
			t.Errorf("deck %d status = %s after Cleanup, want empty", i, state.Status)
		}
	}
}

type stubResolver struct{}

func (stubResolver) Resolve(_ context.Context, trackURL string) (*resolver.TrackInfo, error) {
	return &resolver.TrackInfo{Platform: models.PlatformSoundCloud, Title: trackURL}, nil
}

func TestServiceSessionLifecycle(t *testing.T) {
	factory := &trackingFactory{}
	svc := NewService(store.NewDJMemory(), stubResolver{}, factory.create, events.NewBus(), zerolog.Nop())
	ctx := context.Background()

	sess, err := svc.StartSession(ctx, "room-1", "dj-1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	// Starting again for the same user and room resumes, not duplicates.
	again, err := svc.StartSession(ctx, "room-1", "dj-1")
	if err != nil {
		t.Fatalf("StartSession again: %v", err)
	}
	if again.ID != sess.ID {
		t.Errorf("second start created session %s, want resumed %s", again.ID, sess.ID)
	}

	if _, err := svc.LoadTrack(ctx, sess.ID, 2, "https://soundcloud.com/a/b"); err != nil {
		t.Fatalf("LoadTrack: %v", err)
	}
	state, err := svc.GetState(sess.ID, 2)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.Status != models.DeckStatusCued {
		t.Errorf("deck status = %s, want cued", state.Status)
	}

	if err := svc.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	for i, p := range factory.players {
		if !p.isReleased() {
			t.Errorf("player %d not released on session end", i)
		}
	}
	if _, err := svc.GetState(sess.ID, 2); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetState after end: got %v, want ErrSessionNotFound", err)
	}
}

func TestServiceSubscribeReceivesUpdates(t *testing.T) {
	factory := &trackingFactory{}
	svc := NewService(store.NewDJMemory(), stubResolver{}, factory.create, events.NewBus(), zerolog.Nop())
	ctx := context.Background()

	sess, _ := svc.StartSession(ctx, "room-1", "dj-1")
	updates, cancel, err := svc.Subscribe(sess.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if _, err := svc.LoadTrack(ctx, sess.ID, 0, "https://soundcloud.com/a/b"); err != nil {
		t.Fatalf("LoadTrack: %v", err)
	}
	update := <-updates
	if update.Type != "deck_loaded" || update.Deck != 0 {
		t.Fatalf("update = %+v, want deck_loaded on deck 0", update)
	}

	// Player-driven position changes reach subscribers too.
	if err := svc.Play(ctx, sess.ID, 0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	<-updates // deck_state from Play
	factory.players[0].events <- playersync.PlayerEvent{Kind: playersync.PlayerTick, PositionMS: 5000}
	select {
	case update = <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("no update for a player position tick")
	}
	if update.Type != "deck_position" {
		t.Fatalf("update type = %q, want deck_position", update.Type)
	}
	if state, ok := update.Data.(models.DeckState); !ok || state.PositionMS != 5000 {
		t.Fatalf("update data = %+v, want position 5000", update.Data)
	}
}
