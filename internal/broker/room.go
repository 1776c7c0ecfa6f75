/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/listenlab/roomsync/internal/config"
	"github.com/listenlab/roomsync/internal/events"
	"github.com/listenlab/roomsync/internal/models"
	"github.com/listenlab/roomsync/internal/store"
	"github.com/listenlab/roomsync/internal/telemetry"
)

const (
	commandBuffer = 64
	persistBuffer = 16
)

type commandKind string

const (
	cmdJoin           commandKind = "join"
	cmdAddTrack       commandKind = "add_track"
	cmdRemoveTrack    commandKind = "remove_track"
	cmdPlay           commandKind = "play"
	cmdPause          commandKind = "pause"
	cmdSeek           commandKind = "seek"
	cmdNextTrack      commandKind = "next_track"
	cmdSyncAllUsers   commandKind = "sync_all_users"
	cmdSetVolume      commandKind = "set_volume"
	cmdReportPosition commandKind = "report_position"
	cmdDisconnect     commandKind = "disconnect"
)

type command struct {
	kind       commandKind
	session    *Session
	track      *models.Track // addTrack, resolved before submission
	trackID    string        // removeTrack target / nextTrack pre-advance check
	positionMS int64
	volume     float64
	reply      chan error
}

// Room is the per-room actor. All state behind it is owned by the run
// goroutine; the only way in is the command channel, which gives every
// command for the room a total order.
type Room struct {
	id     string
	logger zerolog.Logger
	store  store.RoomStore
	bus    *events.Bus
	cfg    config.Sync

	// onEmpty is called from the actor goroutine when the last session
	// leaves, before the actor shuts down.
	onEmpty func(*Room)

	commands chan command
	done     chan struct{}
	persist  chan *models.RoomSnapshot

	// Actor-owned. Never touched outside the run goroutine.
	state        *models.RoomSnapshot
	playingSince time.Time
	sessions     map[string]*Session
	everJoined   bool
}

func newRoom(id string, snapshot *models.RoomSnapshot, st store.RoomStore, bus *events.Bus, cfg config.Sync, logger zerolog.Logger, onEmpty func(*Room)) *Room {
	if snapshot == nil {
		snapshot = &models.RoomSnapshot{}
	}
	r := &Room{
		id:       id,
		logger:   logger.With().Str("component", "room").Str("room_id", id).Logger(),
		store:    st,
		bus:      bus,
		cfg:      cfg,
		onEmpty:  onEmpty,
		commands: make(chan command, commandBuffer),
		done:     make(chan struct{}),
		persist:  make(chan *models.RoomSnapshot, persistBuffer),
		state:    snapshot,
		sessions: make(map[string]*Session),
	}
	go r.run()
	go r.persister()
	return r
}

// ID returns the room's opaque identifier.
func (r *Room) ID() string { return r.id }

// submit enqueues a command and waits for the actor's verdict. It returns
// ErrRoomClosed when the room was evicted before the command could commit.
func (r *Room) submit(ctx context.Context, cmd command) error {
	select {
	case <-r.done:
		return ErrRoomClosed
	default:
	}
	select {
	case r.commands <- cmd:
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-r.done:
		// The actor may have replied just before shutting down.
		select {
		case err := <-cmd.reply:
			return err
		default:
		}
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) run() {
	for cmd := range r.commands {
		err := r.apply(cmd)
		telemetry.CommandsTotal.WithLabelValues(string(cmd.kind), outcome(err)).Inc()
		cmd.reply <- err

		if r.everJoined && len(r.sessions) == 0 {
			r.shutdown()
			return
		}
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStaleCommand):
		return "stale"
	default:
		return "rejected"
	}
}

// shutdown runs on the actor goroutine once the last session is gone. The
// hub forgets the room first, so new joins spawn a fresh actor; anything
// still racing into this one gets ErrRoomClosed.
func (r *Room) shutdown() {
	r.onEmpty(r)
	close(r.done)

	// Final save so the next cold start reconstructs the latest state.
	r.enqueuePersist()
	close(r.persist)

	for {
		select {
		case cmd := <-r.commands:
			cmd.reply <- ErrRoomClosed
		default:
			r.logger.Debug().Msg("room evicted")
			r.bus.Publish(events.EventRoomEvicted, events.Payload{"room_id": r.id})
			return
		}
	}
}

func (r *Room) apply(cmd command) error {
	now := time.Now().UTC()
	r.foldPosition(now)

	switch cmd.kind {
	case cmdJoin:
		return r.applyJoin(cmd)
	case cmdAddTrack:
		return r.applyAddTrack(cmd, now)
	case cmdRemoveTrack:
		return r.applyRemoveTrack(cmd, now)
	case cmdPlay:
		return r.applyPlay(cmd, now)
	case cmdPause:
		return r.applyPause(cmd, now)
	case cmdSeek:
		return r.applySeek(cmd, now)
	case cmdNextTrack:
		return r.applyNextTrack(cmd, now)
	case cmdSyncAllUsers:
		return r.applySyncAllUsers(cmd, now)
	case cmdSetVolume:
		return r.applySetVolume(cmd, now)
	case cmdReportPosition:
		return r.applyReportPosition(cmd, now)
	case cmdDisconnect:
		return r.applyDisconnect(cmd)
	default:
		return invalid(string(cmd.kind), "unknown command")
	}
}

// foldPosition advances the stored position by the wall-clock time elapsed
// since the last fold while playing. The stored position plus this fold is
// the authoritative position every drift comparison uses.
func (r *Room) foldPosition(now time.Time) {
	if r.state.IsPlaying && r.state.CurrentTrack != nil && !r.playingSince.IsZero() {
		r.state.PositionMS += now.Sub(r.playingSince).Milliseconds()
		if d := r.state.CurrentTrack.DurationMS; d > 0 && r.state.PositionMS > d {
			r.state.PositionMS = d
		}
	}
	if r.state.IsPlaying {
		r.playingSince = now
	} else {
		r.playingSince = time.Time{}
	}
}

func (r *Room) applyJoin(cmd command) error {
	sess := cmd.session
	r.sessions[sess.ID] = sess
	r.everJoined = true

	// Full state to the new client only, then the updated count to everyone.
	sess.send(Event{
		Name:   EventRoomState,
		RoomID: r.id,
		Payload: RoomStatePayload{
			Snapshot:  r.state.Clone(),
			UserCount: len(r.sessions),
		},
	})
	r.broadcast(Event{
		Name:    EventUserCount,
		RoomID:  r.id,
		Payload: UserCountPayload{Count: len(r.sessions)},
	}, sess)

	telemetry.ConnectedClients.Inc()
	r.bus.Publish(events.EventUserJoined, events.Payload{"room_id": r.id, "user_id": sess.UserID})
	return nil
}

func (r *Room) applyAddTrack(cmd command, now time.Time) error {
	track := *cmd.track
	promoted := r.state.CurrentTrack == nil

	if promoted {
		r.state.CurrentTrack = &track
		r.state.PositionMS = 0
		r.state.IsPlaying = false
		r.playingSince = time.Time{}
	} else {
		r.state.Queue = append(r.state.Queue, models.QueueEntry{
			Track:    track,
			Position: len(r.state.Queue),
		})
	}
	r.commit(now)

	entry := models.QueueEntry{Track: track, Position: len(r.state.Queue) - 1}
	if promoted {
		entry.Position = 0
	}
	r.broadcast(Event{
		Name:    EventTrackAdded,
		RoomID:  r.id,
		Payload: TrackAddedPayload{Entry: entry, Promoted: promoted},
	}, nil)
	if promoted {
		r.broadcast(Event{
			Name:   EventRoomState,
			RoomID: r.id,
			Payload: RoomStatePayload{
				Snapshot:  r.state.Clone(),
				UserCount: len(r.sessions),
			},
		}, nil)
	}

	r.bus.Publish(events.EventTrackAdded, events.Payload{
		"room_id":  r.id,
		"track_id": track.ID,
		"promoted": promoted,
	})
	return nil
}

func (r *Room) applyRemoveTrack(cmd command, now time.Time) error {
	if r.state.CurrentTrack != nil && r.state.CurrentTrack.ID == cmd.trackID {
		return invalid("removeTrack", "track %s is currently playing", cmd.trackID)
	}

	idx := -1
	for i, entry := range r.state.Queue {
		if entry.Track.ID == cmd.trackID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return invalid("removeTrack", "track %s not in queue", cmd.trackID)
	}

	r.state.Queue = append(r.state.Queue[:idx], r.state.Queue[idx+1:]...)
	for i := range r.state.Queue {
		r.state.Queue[i].Position = i
	}
	r.commit(now)

	r.broadcast(Event{
		Name:    EventTrackRemoved,
		RoomID:  r.id,
		Payload: TrackRemovedPayload{TrackID: cmd.trackID},
	}, nil)
	r.bus.Publish(events.EventTrackRemoved, events.Payload{"room_id": r.id, "track_id": cmd.trackID})
	return nil
}

func (r *Room) applyPlay(cmd command, now time.Time) error {
	if r.state.CurrentTrack == nil {
		return invalid("play", "no current track")
	}
	r.state.IsPlaying = true
	r.playingSince = now
	r.commit(now)

	// The issuer already flipped its local player optimistically.
	r.broadcast(Event{
		Name:    EventPlayTrack,
		RoomID:  r.id,
		Payload: PositionPayload{PositionMS: r.state.PositionMS},
	}, cmd.session)
	r.bus.Publish(events.EventPlay, events.Payload{"room_id": r.id})
	return nil
}

func (r *Room) applyPause(cmd command, now time.Time) error {
	r.state.IsPlaying = false
	r.playingSince = time.Time{}
	r.commit(now)

	r.broadcast(Event{
		Name:    EventPauseTrack,
		RoomID:  r.id,
		Payload: PositionPayload{PositionMS: r.state.PositionMS},
	}, cmd.session)
	r.bus.Publish(events.EventPause, events.Payload{"room_id": r.id})
	return nil
}

func (r *Room) applySeek(cmd command, now time.Time) error {
	if cmd.positionMS < 0 {
		return invalid("seek", "negative position %d", cmd.positionMS)
	}
	if r.state.CurrentTrack == nil {
		return invalid("seek", "no current track")
	}
	if d := r.state.CurrentTrack.DurationMS; d > 0 && cmd.positionMS > d {
		return invalid("seek", "position %d beyond track duration %d", cmd.positionMS, d)
	}

	r.state.PositionMS = cmd.positionMS
	if r.state.IsPlaying {
		r.playingSince = now
	}
	r.commit(now)

	r.broadcast(Event{
		Name:    EventSeekTrack,
		RoomID:  r.id,
		Payload: PositionPayload{PositionMS: cmd.positionMS},
	}, nil)
	r.bus.Publish(events.EventSeek, events.Payload{"room_id": r.id, "position_ms": cmd.positionMS})
	return nil
}

func (r *Room) applyNextTrack(cmd command, now time.Time) error {
	current := r.state.CurrentTrack
	if current == nil {
		return ErrStaleCommand
	}
	// Pre-advance identity check: the first advance for a given track wins,
	// later duplicates from other listeners finishing the same track lose.
	if cmd.trackID != "" && cmd.trackID != current.ID {
		return ErrStaleCommand
	}

	r.state.History = append(r.state.History, *current)
	if limit := r.cfg.HistoryLimit; limit > 0 && len(r.state.History) > limit {
		r.state.History = append(r.state.History[:0:0], r.state.History[len(r.state.History)-limit:]...)
	}

	if len(r.state.Queue) > 0 {
		next := r.state.Queue[0].Track
		r.state.Queue = append(r.state.Queue[:0:0], r.state.Queue[1:]...)
		for i := range r.state.Queue {
			r.state.Queue[i].Position = i
		}
		r.state.CurrentTrack = &next
		r.state.PositionMS = 0
		if r.state.IsPlaying {
			r.playingSince = now
		}
	} else {
		r.state.CurrentTrack = nil
		r.state.PositionMS = 0
		r.state.IsPlaying = false
		r.playingSince = time.Time{}
	}
	r.commit(now)

	r.broadcast(Event{
		Name:   EventTrackChanged,
		RoomID: r.id,
		Payload: TrackChangedPayload{
			Track:      r.state.CurrentTrack,
			PositionMS: 0,
			IsPlaying:  r.state.IsPlaying,
		},
	}, nil)
	r.bus.Publish(events.EventTrackChanged, events.Payload{"room_id": r.id})
	return nil
}

func (r *Room) applySyncAllUsers(cmd command, now time.Time) error {
	if cmd.positionMS < 0 {
		return invalid("syncAllUsers", "negative position %d", cmd.positionMS)
	}
	if r.state.CurrentTrack == nil {
		return invalid("syncAllUsers", "no current track")
	}

	r.state.PositionMS = cmd.positionMS
	if r.state.IsPlaying {
		r.playingSince = now
	}
	r.commit(now)

	r.broadcast(Event{
		Name:    EventSyncAllUsers,
		RoomID:  r.id,
		Payload: PositionPayload{PositionMS: cmd.positionMS},
	}, nil)
	return nil
}

func (r *Room) applySetVolume(cmd command, now time.Time) error {
	vol := cmd.volume
	if vol < 0 {
		vol = 0
	}
	if vol > 1 {
		vol = 1
	}
	if r.state.Volumes == nil {
		r.state.Volumes = make(map[string]float64)
	}
	r.state.Volumes[cmd.session.UserID] = vol
	r.commit(now)

	// Volume is local preference: echoed back to the requester only.
	cmd.session.send(Event{
		Name:    EventVolume,
		RoomID:  r.id,
		Payload: VolumePayload{UserID: cmd.session.UserID, Volume: vol},
	})
	return nil
}

func (r *Room) applyReportPosition(cmd command, now time.Time) error {
	if _, ok := r.sessions[cmd.session.ID]; !ok {
		return ErrNotJoined
	}
	if cmd.positionMS < 0 {
		return invalid("reportPosition", "negative position %d", cmd.positionMS)
	}
	if cmd.session.Mode != models.SyncModeSynced {
		return nil
	}
	if r.state.CurrentTrack == nil || !r.state.IsPlaying {
		return nil
	}

	drift := cmd.positionMS - r.state.PositionMS
	if drift < 0 {
		drift = -drift
	}
	if drift <= r.cfg.DriftThresholdMS {
		// Small skew is tolerated; constant micro-seeking is more
		// disruptive than a few hundred milliseconds of spread.
		return nil
	}

	r.state.PositionMS = cmd.positionMS
	r.playingSince = now
	r.commit(now)

	// Realign everyone except the reporter, whose player is already there.
	r.broadcast(Event{
		Name:    EventSeekTrack,
		RoomID:  r.id,
		Payload: PositionPayload{PositionMS: cmd.positionMS},
	}, cmd.session)

	telemetry.DriftCorrectionsTotal.Inc()
	r.bus.Publish(events.EventDriftCorrect, events.Payload{
		"room_id":     r.id,
		"position_ms": cmd.positionMS,
		"drift_ms":    drift,
	})
	return nil
}

func (r *Room) applyDisconnect(cmd command) error {
	sess, ok := r.sessions[cmd.session.ID]
	if !ok {
		return nil
	}
	delete(r.sessions, sess.ID)
	sess.close()
	telemetry.ConnectedClients.Dec()

	r.broadcast(Event{
		Name:    EventUserCount,
		RoomID:  r.id,
		Payload: UserCountPayload{Count: len(r.sessions)},
	}, nil)
	r.bus.Publish(events.EventUserLeft, events.Payload{"room_id": r.id, "user_id": sess.UserID})
	return nil
}

// commit stamps the snapshot and queues it for durable write. The write is
// fire-and-forget: the broadcast that follows never waits for it.
func (r *Room) commit(now time.Time) {
	r.state.UpdatedAt = now
	r.enqueuePersist()
}

// enqueuePersist hands a clone to the persister. Snapshots are full
// overwrites, so under backpressure the oldest queued one is discarded to
// make room for the newer.
func (r *Room) enqueuePersist() {
	snapshot := r.state.Clone()
	select {
	case r.persist <- snapshot:
		return
	default:
	}
	select {
	case <-r.persist:
	default:
	}
	select {
	case r.persist <- snapshot:
	default:
	}
}

// persister serializes durable writes for this room so saves land in commit
// order. Failures are logged and counted; the room keeps running.
func (r *Room) persister() {
	for snapshot := range r.persist {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.store.SaveRoom(ctx, r.id, snapshot)
		cancel()
		if err != nil {
			telemetry.PersistFailuresTotal.Inc()
			r.logger.Error().Err(err).Msg("failed to persist room snapshot")
			r.bus.Publish(events.EventPersistFailure, events.Payload{"room_id": r.id, "error": err.Error()})
		}
	}
}

// broadcast fans an event out to every session except the excluded one.
// Sessions whose buffers are full are dropped so they cannot stall the room.
func (r *Room) broadcast(ev Event, exclude *Session) {
	var dropped []*Session
	for _, sess := range r.sessions {
		if exclude != nil && sess.ID == exclude.ID {
			continue
		}
		if !sess.send(ev) {
			dropped = append(dropped, sess)
		}
	}
	if len(dropped) == 0 {
		return
	}

	for _, sess := range dropped {
		delete(r.sessions, sess.ID)
		sess.close()
		telemetry.SlowClientDropsTotal.Inc()
		telemetry.ConnectedClients.Dec()
		r.logger.Warn().Str("session_id", sess.ID).Msg("dropping slow client from fan-out")
		r.bus.Publish(events.EventUserLeft, events.Payload{"room_id": r.id, "user_id": sess.UserID})
	}
	count := Event{
		Name:    EventUserCount,
		RoomID:  r.id,
		Payload: UserCountPayload{Count: len(r.sessions)},
	}
	for _, sess := range r.sessions {
		sess.send(count)
	}
}
