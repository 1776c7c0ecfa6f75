/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playersync keeps one client's local player aligned with the room
// broker's broadcast state while avoiding audible over-correction. The ad hoc
// boolean flags the problem invites (initial-load, syncing, grace timers) are
// modelled as one explicit state machine so illegal combinations cannot be
// represented.
package playersync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/listenlab/roomsync/internal/broker"
	"github.com/listenlab/roomsync/internal/config"
	"github.com/listenlab/roomsync/internal/models"
)

// State is the synchronizer's lifecycle position.
type State string

const (
	// StateDisconnected means no live room connection.
	StateDisconnected State = "disconnected"

	// StateJoining means connected, waiting for the first room state.
	StateJoining State = "joining"

	// StateObserving means state received but the local player is not
	// engaged; the listener sees the room without hearing it.
	StateObserving State = "observing"

	// StateSynced means the local player actively follows broadcast state.
	StateSynced State = "synced"
)

// Phase is the sub-state within StateSynced.
type Phase string

const (
	// PhaseIdle applies outside StateSynced.
	PhaseIdle Phase = "idle"

	// PhaseSettling covers the initial-load window: track loading, waiting
	// for the player's ready signal, and the settle-delayed initial seek.
	// Outgoing position reports are suppressed for its whole duration.
	PhaseSettling Phase = "settling"

	// PhaseFollowing is steady state: play/pause/seek following plus
	// rate-limited position reporting.
	PhaseFollowing Phase = "following"
)

// Synchronizer drives one local player from one room session's event stream.
type Synchronizer struct {
	cfg       config.Sync
	logger    zerolog.Logger
	player    Player
	commander Commander
	events    <-chan broker.Event

	engageCh    chan struct{}
	disengageCh chan struct{}
	stopCh      chan struct{}
	stopOnce    sync.Once
	doneCh      chan struct{}

	mu    sync.Mutex
	state State
	phase Phase

	// Everything below is owned by the run goroutine.
	snapshot       *models.RoomSnapshot
	snapshotAt     time.Time
	currentTrackID string
	settleTimer    *time.Timer
	settleCh       <-chan time.Time
	pendingSeekMS  int64
	graceUntil     time.Time
	lastReport     time.Time
}

// New creates a synchronizer consuming the given session event stream. Call
// Start to begin following.
func New(events <-chan broker.Event, player Player, commander Commander, cfg config.Sync, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		cfg:         cfg,
		logger:      logger.With().Str("component", "playersync").Logger(),
		player:      player,
		commander:   commander,
		events:      events,
		engageCh:    make(chan struct{}, 1),
		disengageCh: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		state:       StateDisconnected,
		phase:       PhaseIdle,
	}
}

// Start begins consuming events. The synchronizer enters Joining until the
// first room state arrives.
func (s *Synchronizer) Start() {
	s.setState(StateJoining, PhaseIdle)
	go s.run()
}

// Stop tears the synchronizer down: every pending timer is cancelled, the
// player is released, and no callback fires afterwards.
func (s *Synchronizer) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// Engage asks an Observing synchronizer to attach the local player. Used by
// the join-session prompt under the prompted engage policy; a no-op in any
// other state.
func (s *Synchronizer) Engage() {
	select {
	case s.engageCh <- struct{}{}:
	default:
	}
}

// Disengage detaches the local player and returns to Observing.
func (s *Synchronizer) Disengage() {
	select {
	case s.disengageCh <- struct{}{}:
	default:
	}
}

// State returns the current lifecycle state and sub-phase.
func (s *Synchronizer) State() (State, Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.phase
}

func (s *Synchronizer) setState(state State, phase Phase) {
	s.mu.Lock()
	s.state = state
	s.phase = phase
	s.mu.Unlock()
}

func (s *Synchronizer) run() {
	defer close(s.doneCh)
	defer s.shutdown()

	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			s.handleBroker(ev)
		case pe := <-s.player.Events():
			s.handlePlayer(pe)
		case <-s.settleCh:
			s.settleCh = nil
			s.applyInitialSeek()
		case <-s.engageCh:
			s.handleEngage()
		case <-s.disengageCh:
			s.handleDisengage()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Synchronizer) shutdown() {
	s.cancelSettle()
	s.player.Release()
	s.setState(StateDisconnected, PhaseIdle)
}

func (s *Synchronizer) handleBroker(ev broker.Event) {
	state, _ := s.State()
	switch ev.Name {
	case broker.EventRoomState:
		payload := ev.Payload.(broker.RoomStatePayload)
		prevTrackID := s.currentTrackID
		s.snapshot = payload.Snapshot
		s.snapshotAt = time.Now()
		if s.snapshot.CurrentTrack != nil {
			s.currentTrackID = s.snapshot.CurrentTrack.ID
		} else {
			s.currentTrackID = ""
		}
		if state == StateJoining {
			s.setState(StateObserving, PhaseIdle)
			if s.cfg.Engage == config.EngageAuto {
				s.handleEngage()
			}
			return
		}
		// A full-state broadcast can carry a new current track, e.g. when
		// adding to an empty room promotes the track immediately. A synced
		// player must pick it up, not just the snapshot.
		if state == StateSynced && s.currentTrackID != prevTrackID {
			s.loadCurrent()
		}

	case broker.EventPlayTrack:
		s.applyLocal(func() {
			s.snapshot.IsPlaying = true
			s.snapshot.PositionMS = ev.Payload.(broker.PositionPayload).PositionMS
			s.snapshotAt = time.Now()
			if s.following() {
				if err := s.player.Play(); err != nil {
					s.logger.Warn().Err(err).Msg("player play failed")
				}
			}
		})

	case broker.EventPauseTrack:
		s.applyLocal(func() {
			s.snapshot.IsPlaying = false
			s.snapshot.PositionMS = ev.Payload.(broker.PositionPayload).PositionMS
			s.snapshotAt = time.Now()
			if s.following() {
				if err := s.player.Pause(); err != nil {
					s.logger.Warn().Err(err).Msg("player pause failed")
				}
			}
		})

	case broker.EventSeekTrack, broker.EventSyncAllUsers:
		s.applyLocal(func() {
			s.applySeek(ev.Payload.(broker.PositionPayload).PositionMS)
		})

	case broker.EventTrackChanged:
		s.applyLocal(func() {
			payload := ev.Payload.(broker.TrackChangedPayload)
			s.snapshot.CurrentTrack = payload.Track
			s.snapshot.PositionMS = 0
			s.snapshot.IsPlaying = payload.IsPlaying
			s.snapshotAt = time.Now()
			if payload.Track != nil {
				s.currentTrackID = payload.Track.ID
			} else {
				s.currentTrackID = ""
			}
			s.loadCurrent()
		})
	}
}

// applyLocal runs fn if a snapshot has been received.
func (s *Synchronizer) applyLocal(fn func()) {
	if s.snapshot == nil {
		return
	}
	fn()
}

func (s *Synchronizer) following() bool {
	state, phase := s.State()
	return state == StateSynced && phase == PhaseFollowing
}

// applySeek lands a broadcast seek. A seek arriving while an initial settle
// timer is pending supersedes it: the stale callback is cancelled so it can
// never apply an outdated position afterwards.
func (s *Synchronizer) applySeek(positionMS int64) {
	s.snapshot.PositionMS = positionMS
	s.snapshotAt = time.Now()

	state, _ := s.State()
	if state != StateSynced {
		return
	}

	s.cancelSettle()
	if err := s.player.SeekTo(positionMS); err != nil {
		s.logger.Warn().Err(err).Msg("player seek failed")
	}
	s.graceUntil = time.Now().Add(s.cfg.GracePeriod())
	s.setState(StateSynced, PhaseFollowing)
	if s.snapshot.IsPlaying {
		if err := s.player.Play(); err != nil {
			s.logger.Warn().Err(err).Msg("player play failed")
		}
	}
}

func (s *Synchronizer) handleEngage() {
	state, _ := s.State()
	if state != StateObserving || s.snapshot == nil {
		return
	}
	s.setState(StateSynced, PhaseSettling)
	s.loadCurrent()
}

func (s *Synchronizer) handleDisengage() {
	state, _ := s.State()
	if state != StateSynced {
		return
	}
	s.cancelSettle()
	if err := s.player.Pause(); err != nil {
		s.logger.Debug().Err(err).Msg("pause on disengage failed")
	}
	s.setState(StateObserving, PhaseIdle)
}

// loadCurrent points the player at the snapshot's current track and enters
// the settling phase until the initial seek completes.
func (s *Synchronizer) loadCurrent() {
	state, _ := s.State()
	if state != StateSynced {
		return
	}
	s.cancelSettle()

	if s.snapshot.CurrentTrack == nil {
		if err := s.player.Pause(); err != nil {
			s.logger.Debug().Err(err).Msg("pause on empty queue failed")
		}
		s.setState(StateSynced, PhaseFollowing)
		return
	}

	s.setState(StateSynced, PhaseSettling)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := s.player.Load(ctx, *s.snapshot.CurrentTrack)
	cancel()
	if err != nil {
		s.logger.Error().Err(err).Str("track_id", s.currentTrackID).Msg("failed to load track")
		s.setState(StateSynced, PhaseFollowing)
	}
}

// authoritativePositionMS extrapolates the last broadcast position by the
// time elapsed since it arrived, when the room is playing.
func (s *Synchronizer) authoritativePositionMS() int64 {
	pos := s.snapshot.PositionMS
	if s.snapshot.IsPlaying && !s.snapshotAt.IsZero() {
		pos += time.Since(s.snapshotAt).Milliseconds()
	}
	return pos
}

func (s *Synchronizer) handlePlayer(pe PlayerEvent) {
	switch pe.Kind {
	case PlayerReady:
		s.handleReady()
	case PlayerTick:
		s.maybeReport(pe.PositionMS)
	case PlayerEnded:
		s.handleEnded()
	case PlayerError:
		s.logger.Warn().Err(pe.Err).Msg("player error")
	}
}

// handleReady runs the initial-load algorithm: once the platform player
// reports ready, seek to the authoritative position if it is far enough from
// zero, after a settle delay that lets the ready signal stabilize. Position
// reports stay suppressed until the seek lands.
func (s *Synchronizer) handleReady() {
	state, phase := s.State()
	if state != StateSynced || phase != PhaseSettling || s.snapshot == nil {
		return
	}

	pos := s.authoritativePositionMS()
	if pos <= s.cfg.InitialSeekMinMS {
		// Close enough to the start: play from zero, no seek.
		s.finishSettling()
		return
	}

	s.pendingSeekMS = pos
	timer := time.NewTimer(s.cfg.SettleDelay())
	s.settleTimer = timer
	s.settleCh = timer.C
}

// applyInitialSeek fires when the settle delay elapses.
func (s *Synchronizer) applyInitialSeek() {
	s.settleTimer = nil
	state, phase := s.State()
	if state != StateSynced || phase != PhaseSettling {
		return
	}
	if err := s.player.SeekTo(s.pendingSeekMS); err != nil {
		s.logger.Warn().Err(err).Msg("initial seek failed")
	}
	s.finishSettling()
}

// finishSettling enters steady-state following and opens the post-sync grace
// window during which outgoing reports stay suppressed.
func (s *Synchronizer) finishSettling() {
	s.graceUntil = time.Now().Add(s.cfg.GracePeriod())
	s.setState(StateSynced, PhaseFollowing)
	if s.snapshot.IsPlaying {
		if err := s.player.Play(); err != nil {
			s.logger.Warn().Err(err).Msg("player play failed")
		}
	} else {
		if err := s.player.Pause(); err != nil {
			s.logger.Warn().Err(err).Msg("player pause failed")
		}
	}
}

// maybeReport forwards a locally observed position to the broker, unless the
// synchronizer is settling, inside a grace window, or inside the rate limit.
// A client still buffering at position zero must never overwrite the
// authoritative position for everyone else.
func (s *Synchronizer) maybeReport(positionMS int64) {
	if !s.following() {
		return
	}
	now := time.Now()
	if now.Before(s.graceUntil) {
		return
	}
	if now.Sub(s.lastReport) < s.cfg.ReportInterval() {
		return
	}
	s.lastReport = now

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.commander.ReportPosition(ctx, positionMS); err != nil {
		s.logger.Debug().Err(err).Msg("position report failed")
	}
}

// handleEnded requests a queue advance. Many listeners finish within the
// same second; the broker's pre-advance track check makes all but the first
// request a no-op.
func (s *Synchronizer) handleEnded() {
	state, _ := s.State()
	if state != StateSynced || s.currentTrackID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.commander.NextTrack(ctx, s.currentTrackID)
	if err != nil && !errors.Is(err, broker.ErrStaleCommand) {
		s.logger.Debug().Err(err).Str("track_id", s.currentTrackID).Msg("advance request failed")
	}
}

func (s *Synchronizer) cancelSettle() {
	if s.settleTimer == nil {
		return
	}
	if !s.settleTimer.Stop() {
		select {
		case <-s.settleTimer.C:
		default:
		}
	}
	s.settleTimer = nil
	s.settleCh = nil
}
