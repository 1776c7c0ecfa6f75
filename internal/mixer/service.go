/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mixer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/listenlab/roomsync/internal/events"
	"github.com/listenlab/roomsync/internal/models"
	"github.com/listenlab/roomsync/internal/resolver"
	"github.com/listenlab/roomsync/internal/store"
)

var (
	// ErrSessionNotFound indicates the DJ session was not found.
	ErrSessionNotFound = errors.New("dj session not found")

	// ErrSessionNotActive indicates the session has ended.
	ErrSessionNotActive = errors.New("dj session not active")
)

// StateUpdate is one real-time update pushed to DJ console subscribers.
type StateUpdate struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Deck      int       `json:"deck"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type session struct {
	model *models.DJSession
	mixer *Mixer

	mu          sync.Mutex
	subscribers []chan *StateUpdate
}

// Service manages DJ console sessions. Each session owns its own mixer,
// constructed on start and destroyed on end; concurrent DJ sessions across
// rooms never share state.
type Service struct {
	store    store.DJStore
	resolver resolver.Resolver
	factory  PlayerFactory
	bus      *events.Bus
	logger   zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewService creates the DJ session manager.
func NewService(st store.DJStore, res resolver.Resolver, factory PlayerFactory, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		store:    st,
		resolver: res,
		factory:  factory,
		bus:      bus,
		logger:   logger.With().Str("component", "mixer").Logger(),
		sessions: make(map[string]*session),
	}
}

// StartSession opens a DJ console for a user in a room. An existing active
// session for the same user and room is resumed instead of duplicated, decks
// included.
func (s *Service) StartSession(ctx context.Context, roomID, userID string) (*models.DJSession, error) {
	existing, err := s.store.ActiveDJSession(ctx, roomID, userID)
	if err == nil {
		s.mu.Lock()
		if _, live := s.sessions[existing.ID]; !live {
			s.sessions[existing.ID] = &session{model: existing, mixer: s.newMixer(existing.ID)}
		}
		s.mu.Unlock()
		s.logger.Info().
			Str("session_id", existing.ID).
			Str("room_id", roomID).
			Msg("resuming dj session")
		return existing, nil
	}
	if !errors.Is(err, store.ErrSessionNotFound) {
		return nil, err
	}

	model := &models.DJSession{
		ID:     uuid.NewString(),
		RoomID: roomID,
		UserID: userID,
		Active: true,
	}
	for i := range model.Decks {
		model.Decks[i] = models.NewDeckState()
	}
	if err := s.store.CreateDJSession(ctx, model); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[model.ID] = &session{model: model, mixer: s.newMixer(model.ID)}
	s.mu.Unlock()

	s.logger.Info().
		Str("session_id", model.ID).
		Str("room_id", roomID).
		Str("user_id", userID).
		Msg("started dj session")
	s.bus.Publish(events.EventDJSessionStart, events.Payload{
		"session_id": model.ID,
		"room_id":    roomID,
		"user_id":    userID,
	})
	return model, nil
}

// EndSession tears a session down: all four decks are unloaded, their backing
// resources released, and the record marked inactive.
func (s *Service) EndSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	sess.mixer.Cleanup()

	sess.mu.Lock()
	for _, ch := range sess.subscribers {
		close(ch)
	}
	sess.subscribers = nil
	sess.mu.Unlock()

	if err := s.store.EndDJSession(ctx, sessionID); err != nil {
		return err
	}

	s.logger.Info().Str("session_id", sessionID).Msg("ended dj session")
	s.bus.Publish(events.EventDJSessionEnd, events.Payload{
		"session_id": sessionID,
		"room_id":    sess.model.RoomID,
	})
	return nil
}

// LoadTrack resolves a URL and loads the track onto a deck, releasing the
// deck's previous resource first.
func (s *Service) LoadTrack(ctx context.Context, sessionID string, deckIndex int, trackURL string) (models.DeckState, error) {
	sess, err := s.live(sessionID)
	if err != nil {
		return models.DeckState{}, err
	}

	info, err := s.resolver.Resolve(ctx, trackURL)
	if err != nil {
		return models.DeckState{}, err
	}

	track := models.Track{
		ID:           uuid.NewString(),
		Platform:     info.Platform,
		URL:          trackURL,
		Title:        info.Title,
		Artist:       info.Artist,
		DurationMS:   info.DurationMS,
		ThumbnailURL: info.ThumbnailURL,
		AddedBy:      sess.model.UserID,
		AddedAt:      time.Now().UTC(),
	}
	state, err := sess.mixer.LoadTrack(ctx, deckIndex, track)
	if err != nil {
		return models.DeckState{}, err
	}

	s.persistDecks(ctx, sess)
	s.broadcast(sess, &StateUpdate{
		Type:      "deck_loaded",
		SessionID: sessionID,
		Deck:      deckIndex,
		Timestamp: time.Now(),
		Data:      state,
	})
	s.bus.Publish(events.EventDeckLoaded, events.Payload{
		"session_id": sessionID,
		"deck":       deckIndex,
		"track_id":   track.ID,
	})
	return state, nil
}

// Play starts playback on a deck.
func (s *Service) Play(ctx context.Context, sessionID string, deckIndex int) error {
	return s.deckOp(ctx, sessionID, deckIndex, "deck_state", func(m *Mixer) (models.DeckState, error) {
		return m.Play(deckIndex)
	})
}

// Pause halts playback on a deck.
func (s *Service) Pause(ctx context.Context, sessionID string, deckIndex int) error {
	return s.deckOp(ctx, sessionID, deckIndex, "deck_state", func(m *Mixer) (models.DeckState, error) {
		return m.Pause(deckIndex)
	})
}

// SetVolume adjusts a deck's volume.
func (s *Service) SetVolume(ctx context.Context, sessionID string, deckIndex int, volume float64) error {
	return s.deckOp(ctx, sessionID, deckIndex, "deck_volume", func(m *Mixer) (models.DeckState, error) {
		return m.SetVolume(deckIndex, volume)
	})
}

// Seek moves a deck's playback position.
func (s *Service) Seek(ctx context.Context, sessionID string, deckIndex int, positionMS int64) error {
	return s.deckOp(ctx, sessionID, deckIndex, "deck_position", func(m *Mixer) (models.DeckState, error) {
		return m.Seek(deckIndex, positionMS)
	})
}

// Unload empties a deck and releases its backing resource.
func (s *Service) Unload(ctx context.Context, sessionID string, deckIndex int) error {
	err := s.deckOp(ctx, sessionID, deckIndex, "deck_ejected", func(m *Mixer) (models.DeckState, error) {
		return m.Unload(deckIndex)
	})
	if err == nil {
		s.bus.Publish(events.EventDeckUnloaded, events.Payload{
			"session_id": sessionID,
			"deck":       deckIndex,
		})
	}
	return err
}

// GetState returns one deck's state.
func (s *Service) GetState(sessionID string, deckIndex int) (models.DeckState, error) {
	sess, err := s.live(sessionID)
	if err != nil {
		return models.DeckState{}, err
	}
	return sess.mixer.GetState(deckIndex)
}

// Subscribe streams real-time deck updates for a session. The returned
// cancel function detaches the subscriber.
func (s *Service) Subscribe(sessionID string) (<-chan *StateUpdate, func(), error) {
	sess, err := s.live(sessionID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *StateUpdate, 16)
	sess.mu.Lock()
	sess.subscribers = append(sess.subscribers, ch)
	sess.mu.Unlock()

	unsubscribe := func() {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		for i, sub := range sess.subscribers {
			if sub == ch {
				sess.subscribers = append(sess.subscribers[:i], sess.subscribers[i+1:]...)
				break
			}
		}
	}
	return ch, unsubscribe, nil
}

// newMixer builds a session's deck bank and forwards player-driven state
// changes (position ticks, natural completion) to the session's subscribers.
func (s *Service) newMixer(sessionID string) *Mixer {
	m := New(s.factory)
	m.SetNotify(func(deckIndex int, state models.DeckState, updateType string) {
		s.mu.RLock()
		sess, ok := s.sessions[sessionID]
		s.mu.RUnlock()
		if !ok {
			return
		}
		if updateType == "deck_state" {
			// Natural completion re-cues the deck; worth persisting.
			s.persistDecks(context.Background(), sess)
		}
		s.broadcast(sess, &StateUpdate{
			Type:      updateType,
			SessionID: sessionID,
			Deck:      deckIndex,
			Timestamp: time.Now(),
			Data:      state,
		})
	})
	return m
}

func (s *Service) deckOp(ctx context.Context, sessionID string, deckIndex int, updateType string, op func(*Mixer) (models.DeckState, error)) error {
	sess, err := s.live(sessionID)
	if err != nil {
		return err
	}
	state, err := op(sess.mixer)
	if err != nil {
		return err
	}

	s.persistDecks(ctx, sess)
	s.broadcast(sess, &StateUpdate{
		Type:      updateType,
		SessionID: sessionID,
		Deck:      deckIndex,
		Timestamp: time.Now(),
		Data:      state,
	})
	return nil
}

func (s *Service) live(sessionID string) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !sess.model.Active {
		return nil, ErrSessionNotActive
	}
	return sess, nil
}

// persistDecks saves deck state best-effort; a failed write never blocks the
// console.
func (s *Service) persistDecks(ctx context.Context, sess *session) {
	if err := s.store.SaveDecks(ctx, sess.model.ID, sess.mixer.States()); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.model.ID).Msg("failed to persist deck state")
	}
}

func (s *Service) broadcast(sess *session, update *StateUpdate) {
	sess.mu.Lock()
	subscribers := append([]chan *StateUpdate(nil), sess.subscribers...)
	sess.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- update:
		default:
		}
	}
}
