/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package broker is the synchronization core: one actor per active room,
// commands totally ordered within a room, fan-out to every connected client.
// The durable store is written on each committed transition but never blocks
// the live path.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/listenlab/roomsync/internal/cache"
	"github.com/listenlab/roomsync/internal/config"
	"github.com/listenlab/roomsync/internal/events"
	"github.com/listenlab/roomsync/internal/models"
	"github.com/listenlab/roomsync/internal/resolver"
	"github.com/listenlab/roomsync/internal/shortcode"
	"github.com/listenlab/roomsync/internal/store"
	"github.com/listenlab/roomsync/internal/telemetry"
)

// Hub owns the registry of live room actors. Rooms are spawned on first join
// and forgotten when their last client leaves; the next join reconstructs the
// room from the durable store.
type Hub struct {
	store    store.RoomStore
	cache    *cache.Cache
	resolver resolver.Resolver
	bus      *events.Bus
	logger   zerolog.Logger
	cfg      config.Sync

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub creates the room registry. The cache may be nil.
func NewHub(st store.RoomStore, c *cache.Cache, res resolver.Resolver, bus *events.Bus, cfg config.Sync, logger zerolog.Logger) *Hub {
	return &Hub{
		store:    st,
		cache:    c,
		resolver: res,
		bus:      bus,
		logger:   logger.With().Str("component", "broker").Logger(),
		cfg:      cfg,
		rooms:    make(map[string]*Room),
	}
}

// CreateRoom allocates a new room with a fresh short code and persists the
// empty record. The room actor itself is not spawned until the first join.
func (h *Hub) CreateRoom(ctx context.Context) (roomID, code string, err error) {
	roomID = uuid.NewString()
	for attempt := 0; attempt < 5; attempt++ {
		code, err = shortcode.Generate()
		if err != nil {
			return "", "", err
		}
		err = h.store.CreateRoom(ctx, roomID, code)
		if err == nil {
			if h.cache != nil {
				h.cache.SetCode(ctx, code, roomID)
			}
			h.bus.Publish(events.EventRoomCreated, events.Payload{"room_id": roomID, "code": code})
			return roomID, code, nil
		}
		if !errors.Is(err, store.ErrCodeTaken) {
			return "", "", err
		}
	}
	return "", "", fmt.Errorf("create room: %w", err)
}

// Join attaches a client to a room, spawning the actor and loading durable
// state if this is the room's first live connection. The returned session's
// Events channel carries the full room state as its first event.
func (h *Hub) Join(ctx context.Context, roomID, userID string, mode models.SyncMode) (*Session, error) {
	if mode == "" {
		mode = models.SyncModeSynced
	}
	for {
		room, err := h.roomFor(ctx, roomID)
		if err != nil {
			return nil, err
		}

		sess := newSession(roomID, userID, mode)
		sess.room = room
		err = room.submit(ctx, command{kind: cmdJoin, session: sess, reply: make(chan error, 1)})
		if err == nil {
			return sess, nil
		}
		if errors.Is(err, ErrRoomClosed) {
			// Lost the race against eviction; spawn a fresh actor.
			continue
		}
		return nil, err
	}
}

// roomFor returns the live actor for roomID, spawning one from durable state
// when none exists.
func (h *Hub) roomFor(ctx context.Context, roomID string) (*Room, error) {
	h.mu.Lock()
	if room, ok := h.rooms[roomID]; ok {
		h.mu.Unlock()
		return room, nil
	}
	h.mu.Unlock()

	snapshot, err := h.loadSnapshot(ctx, roomID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[roomID]; ok {
		// Someone else spawned it while we were loading.
		return room, nil
	}
	room := newRoom(roomID, snapshot, h.store, h.bus, h.cfg, h.logger, h.forget)
	h.rooms[roomID] = room
	telemetry.ActiveRooms.Inc()
	h.bus.Publish(events.EventRoomLoaded, events.Payload{"room_id": roomID})
	return room, nil
}

// loadSnapshot reads a room's last durable state, consulting the cache first.
// A room id never seen before gets an empty record created for it.
func (h *Hub) loadSnapshot(ctx context.Context, roomID string) (*models.RoomSnapshot, error) {
	if h.cache != nil {
		if snapshot := h.cache.GetSnapshot(ctx, roomID); snapshot != nil {
			return snapshot, nil
		}
	}

	snapshot, err := h.store.LoadRoom(ctx, roomID)
	if err == nil {
		if h.cache != nil {
			h.cache.SetSnapshot(ctx, roomID, snapshot)
		}
		return snapshot, nil
	}
	if !errors.Is(err, store.ErrRoomNotFound) {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}

	// First connection to an id with no durable record: create it so later
	// saves have a row to land in.
	code, err := shortcode.Generate()
	if err != nil {
		return nil, err
	}
	if err := h.store.CreateRoom(ctx, roomID, code); err != nil && !errors.Is(err, store.ErrCodeTaken) {
		return nil, fmt.Errorf("create room %s: %w", roomID, err)
	}
	return &models.RoomSnapshot{}, nil
}

// forget drops a room from the registry. Called from the room's actor
// goroutine as the first step of eviction.
func (h *Hub) forget(room *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room.id] == room {
		delete(h.rooms, room.id)
		telemetry.ActiveRooms.Dec()
	}
	if h.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		h.cache.InvalidateSnapshot(ctx, room.id)
		cancel()
	}
}

// AddTrack resolves the URL's metadata and appends the track to the room's
// queue. Resolution happens outside the actor so a slow platform lookup never
// stalls the room's command stream; only the committed mutation is ordered.
func (h *Hub) AddTrack(ctx context.Context, sess *Session, trackURL string) error {
	// The resolver already detects the platform (an unsupported URL comes
	// back as a ResolutionError); no second detection pass here.
	info, err := h.resolver.Resolve(ctx, trackURL)
	if err != nil {
		return err
	}

	track := &models.Track{
		ID:           uuid.NewString(),
		Platform:     info.Platform,
		URL:          trackURL,
		Title:        info.Title,
		Artist:       info.Artist,
		DurationMS:   info.DurationMS,
		ThumbnailURL: info.ThumbnailURL,
		AddedBy:      sess.UserID,
		AddedAt:      time.Now().UTC(),
	}
	return sess.room.submit(ctx, command{kind: cmdAddTrack, session: sess, track: track, reply: make(chan error, 1)})
}

// RemoveTrack deletes a queued (not currently playing) track.
func (h *Hub) RemoveTrack(ctx context.Context, sess *Session, trackID string) error {
	return sess.room.submit(ctx, command{kind: cmdRemoveTrack, session: sess, trackID: trackID, reply: make(chan error, 1)})
}

// Play resumes playback for the room.
func (h *Hub) Play(ctx context.Context, sess *Session) error {
	return sess.room.submit(ctx, command{kind: cmdPlay, session: sess, reply: make(chan error, 1)})
}

// Pause halts playback for the room.
func (h *Hub) Pause(ctx context.Context, sess *Session) error {
	return sess.room.submit(ctx, command{kind: cmdPause, session: sess, reply: make(chan error, 1)})
}

// Seek moves the authoritative position.
func (h *Hub) Seek(ctx context.Context, sess *Session, positionMS int64) error {
	return sess.room.submit(ctx, command{kind: cmdSeek, session: sess, positionMS: positionMS, reply: make(chan error, 1)})
}

// NextTrack advances the queue. expectTrackID is the track the caller
// believes is current; if the room has already advanced past it the command
// is a silent no-op (ErrStaleCommand).
func (h *Hub) NextTrack(ctx context.Context, sess *Session, expectTrackID string) error {
	return sess.room.submit(ctx, command{kind: cmdNextTrack, session: sess, trackID: expectTrackID, reply: make(chan error, 1)})
}

// SyncAllUsers realigns every listener to the given position.
func (h *Hub) SyncAllUsers(ctx context.Context, sess *Session, positionMS int64) error {
	return sess.room.submit(ctx, command{kind: cmdSyncAllUsers, session: sess, positionMS: positionMS, reply: make(chan error, 1)})
}

// SetVolume stores the user's volume preference and echoes it back to them.
func (h *Hub) SetVolume(ctx context.Context, sess *Session, volume float64) error {
	return sess.room.submit(ctx, command{kind: cmdSetVolume, session: sess, volume: volume, reply: make(chan error, 1)})
}

// ReportPosition feeds a client's locally observed position into drift
// evaluation. Reports within tolerance change nothing.
func (h *Hub) ReportPosition(ctx context.Context, sess *Session, positionMS int64) error {
	return sess.room.submit(ctx, command{kind: cmdReportPosition, session: sess, positionMS: positionMS, reply: make(chan error, 1)})
}

// Disconnect detaches the session from its room. Safe to call more than once.
func (h *Hub) Disconnect(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sess.room.submit(ctx, command{kind: cmdDisconnect, session: sess, reply: make(chan error, 1)})
	if err != nil && !errors.Is(err, ErrRoomClosed) {
		h.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("disconnect failed")
	}
}

// ActiveRoomCount reports how many room actors are live.
func (h *Hub) ActiveRoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
