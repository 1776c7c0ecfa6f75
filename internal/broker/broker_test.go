/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/listenlab/roomsync/internal/config"
	"github.com/listenlab/roomsync/internal/events"
	"github.com/listenlab/roomsync/internal/models"
	"github.com/listenlab/roomsync/internal/resolver"
	"github.com/listenlab/roomsync/internal/store"
)

type fakeResolver struct {
	err error
}

func (f *fakeResolver) Resolve(_ context.Context, trackURL string) (*resolver.TrackInfo, error) {
	if f.err != nil {
		return nil, &resolver.ResolutionError{URL: trackURL, Err: f.err}
	}
	parts := strings.Split(trackURL, "/")
	return &resolver.TrackInfo{
		Platform: models.PlatformSoundCloud,
		Title:    parts[len(parts)-1],
		Artist:   "test artist",
	}, nil
}

func newTestHub(st store.RoomStore, res resolver.Resolver, cfg config.Sync) *Hub {
	return NewHub(st, nil, res, events.NewBus(), cfg, zerolog.Nop())
}

func trackURL(n int) string {
	return fmt.Sprintf("https://soundcloud.com/someone/track-%d", n)
}

// waitEvent reads from the session until an event with the given name
// arrives, discarding others.
func waitEvent(t *testing.T, sess *Session, name string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				t.Fatalf("session closed while waiting for %q", name)
			}
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", name)
		}
	}
}

// expectNoEvent fails if an event with the given name arrives within the
// window.
func expectNoEvent(t *testing.T, sess *Session, name string, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				return
			}
			if ev.Name == name {
				t.Fatalf("unexpected %q event: %+v", name, ev.Payload)
			}
		case <-deadline:
			return
		}
	}
}

func TestJoinReceivesRoomState(t *testing.T) {
	hub := newTestHub(store.NewMemory(), &fakeResolver{}, config.DefaultSync())
	ctx := context.Background()

	roomID, code, err := hub.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if len(code) != 5 {
		t.Errorf("short code %q has length %d, want 5", code, len(code))
	}

	sess, err := hub.Join(ctx, roomID, "alice", models.SyncModeSynced)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer hub.Disconnect(sess)

	ev := waitEvent(t, sess, EventRoomState)
	state := ev.Payload.(RoomStatePayload)
	if state.UserCount != 1 {
		t.Errorf("user count = %d, want 1", state.UserCount)
	}
	if state.Snapshot.CurrentTrack != nil || len(state.Snapshot.Queue) != 0 {
		t.Errorf("new room state not empty: %+v", state.Snapshot)
	}
}

func TestAddTrackPromotesFirstTrack(t *testing.T) {
	hub := newTestHub(store.NewMemory(), &fakeResolver{}, config.DefaultSync())
	ctx := context.Background()

	roomID, _, _ := hub.CreateRoom(ctx)
	sess, err := hub.Join(ctx, roomID, "alice", models.SyncModeSynced)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer hub.Disconnect(sess)
	waitEvent(t, sess, EventRoomState)

	// First track becomes currentTrack at position 0, still paused.
	if err := hub.AddTrack(ctx, sess, trackURL(1)); err != nil {
		t.Fatalf("AddTrack: %v", err)
	}
	added := waitEvent(t, sess, EventTrackAdded).Payload.(TrackAddedPayload)
	if !added.Promoted {
		t.Error("first track was not promoted to currentTrack")
	}
	state := waitEvent(t, sess, EventRoomState).Payload.(RoomStatePayload)
	if state.Snapshot.CurrentTrack == nil || state.Snapshot.CurrentTrack.ID != added.Entry.Track.ID {
		t.Fatalf("currentTrack = %+v, want promoted track", state.Snapshot.CurrentTrack)
	}
	if state.Snapshot.IsPlaying {
		t.Error("promotion must leave isPlaying false")
	}
	if state.Snapshot.PositionMS != 0 {
		t.Errorf("position = %d after promotion, want 0", state.Snapshot.PositionMS)
	}
	if len(state.Snapshot.Queue) != 0 {
		t.Errorf("queue contains %d entries after promotion, want 0", len(state.Snapshot.Queue))
	}

	// Second track only appends.
	if err := hub.AddTrack(ctx, sess, trackURL(2)); err != nil {
		t.Fatalf("AddTrack: %v", err)
	}
	added2 := waitEvent(t, sess, EventTrackAdded).Payload.(TrackAddedPayload)
	if added2.Promoted {
		t.Error("second track must not be promoted while a currentTrack exists")
	}
	if added2.Entry.Position != 0 {
		t.Errorf("queue position = %d, want 0", added2.Entry.Position)
	}
}

// platformResolver reports a fixed platform regardless of the URL, the way a
// resolver following redirects to another platform would.
type platformResolver struct {
	platform models.Platform
}

func (f *platformResolver) Resolve(_ context.Context, trackURL string) (*resolver.TrackInfo, error) {
	return &resolver.TrackInfo{Platform: f.platform, Title: trackURL}, nil
}

func TestAddTrackUsesResolverPlatform(t *testing.T) {
	hub := newTestHub(store.NewMemory(), &platformResolver{platform: models.PlatformYouTube}, config.DefaultSync())
	ctx := context.Background()

	roomID, _, _ := hub.CreateRoom(ctx)
	sess, err := hub.Join(ctx, roomID, "alice", models.SyncModeSynced)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer hub.Disconnect(sess)
	waitEvent(t, sess, EventRoomState)

	// A soundcloud-looking URL whose resolver says YouTube: the resolver's
	// verdict wins, not a second detection pass over the raw URL.
	if err := hub.AddTrack(ctx, sess, trackURL(1)); err != nil {
		t.Fatalf("AddTrack: %v", err)
	}
	added := waitEvent(t, sess, EventTrackAdded).Payload.(TrackAddedPayload)
	if added.Entry.Track.Platform != models.PlatformYouTube {
		t.Fatalf("track platform = %s, want resolver-reported %s", added.Entry.Track.Platform, models.PlatformYouTube)
	}
}

func TestAddTrackResolutionFailure(t *testing.T) {
	hub := newTestHub(store.NewMemory(), &fakeResolver{err: errors.New("upstream down")}, config.DefaultSync())
	ctx := context.Background()

	roomID, _, _ := hub.CreateRoom(ctx)
	sess, _ := hub.Join(ctx, roomID, "alice", models.SyncModeSynced)
	defer hub.Disconnect(sess)
	waitEvent(t, sess, EventRoomState)

	err := hub.AddTrack(ctx, sess, trackURL(1))
	var resErr *resolver.ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("AddTrack error = %v, want ResolutionError", err)
	}
	// Room unchanged, nothing broadcast.
	expectNoEvent(t, sess, EventTrackAdded, 100*time.Millisecond)
}

func TestRemoveTrack(t *testing.T) {
	hub := newTestHub(store.NewMemory(), &fakeResolver{}, config.DefaultSync())
	ctx := context.Background()

	roomID, _, _ := hub.CreateRoom(ctx)
	sess, _ := hub.Join(ctx, roomID, "alice", models.SyncModeSynced)
	defer hub.Disconnect(sess)
	waitEvent(t, sess, EventRoomState)

	hub.AddTrack(ctx, sess, trackURL(1)) // promoted
	current := waitEvent(t, sess, EventTrackAdded).Payload.(TrackAddedPayload).Entry.Track
	hub.AddTrack(ctx, sess, trackURL(2)) // queued
	queued := waitEvent(t, sess, EventTrackAdded).Payload.(TrackAddedPayload).Entry.Track

	// The current track cannot be removed.
	var valErr *ValidationError
	if err := hub.RemoveTrack(ctx, sess, current.ID); !errors.As(err, &valErr) {
		t.Errorf("removing current track: got %v, want ValidationError", err)
	}

	// Unknown tracks are rejected.
	if err := hub.RemoveTrack(ctx, sess, "no-such-track"); !errors.As(err, &valErr) {
		t.Errorf("removing unknown track: got %v, want ValidationError", err)
	}

	// Queued tracks are removable.
	if err := hub.RemoveTrack(ctx, sess, queued.ID); err != nil {
		t.Fatalf("RemoveTrack: %v", err)
	}
	removed := waitEvent(t, sess, EventTrackRemoved).Payload.(TrackRemovedPayload)
	if removed.TrackID != queued.ID {
		t.Errorf("trackRemoved carries %q, want %q", removed.TrackID, queued.ID)
	}
}

func TestPlayPauseExcludesIssuer(t *testing.T) {
	hub := newTestHub(store.NewMemory(), &fakeResolver{}, config.DefaultSync())
	ctx := context.Background()

	roomID, _, _ := hub.CreateRoom(ctx)
	alice, _ := hub.Join(ctx, roomID, "alice", models.SyncModeSynced)
	defer hub.Disconnect(alice)
	bob, _ := hub.Join(ctx, roomID, "bob", models.SyncModeSynced)
	defer hub.Disconnect(bob)
	waitEvent(t, alice, EventRoomState)
	waitEvent(t, bob, EventRoomState)

	hub.AddTrack(ctx, alice, trackURL(1))
	waitEvent(t, bob, EventTrackAdded)

	if err := hub.Play(ctx, alice); err != nil {
		t.Fatalf("Play: %v", err)
	}
	waitEvent(t, bob, EventPlayTrack)
	expectNoEvent(t, alice, EventPlayTrack, 100*time.Millisecond)

	if err := hub.Pause(ctx, bob); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	waitEvent(t, alice, EventPauseTrack)
	expectNoEvent(t, bob, EventPauseTrack, 100*time.Millisecond)
}

func TestPlayWithoutTrackRejected(t *testing.T) {
	hub := newTestHub(store.NewMemory(), &fakeResolver{}, config.DefaultSync())
	ctx := context.Background()

	roomID, _, _ := hub.CreateRoom(ctx)
	sess, _ := hub.Join(ctx, roomID, "alice", models.SyncModeSynced)
	defer hub.Disconnect(sess)

	var valErr *ValidationError
	if err := hub.Play(ctx, sess); !errors.As(err, &valErr) {
		t.Errorf("Play on empty room: got %v, want ValidationError", err)
	}
}

func TestSeekBroadcastsToAll(t *testing.T) {
	hub := newTestHub(store.NewMemory(), &fakeResolver{}, config.DefaultSync())
	ctx := context.Background()

	roomID, _, _ := hub.CreateRoom(ctx)
	alice, _ := hub.Join(ctx, roomID, "alice", models.SyncModeSynced)
	defer hub.Disconnect(alice)
	bob, _ := hub.Join(ctx, roomID, "bob", models.SyncModeSynced)
	defer hub.Disconnect(bob)

	hub.AddTrack(ctx, alice, trackURL(1))

	var valErr *ValidationError
	if err := hub.Seek(ctx, alice, -10); !errors.As(err, &valErr) {
		t.Errorf("negative seek: got %v, want ValidationError", err)
	}

	if err := hub.Seek(ctx, alice, 42000); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	for _, sess := range []*Session{alice, bob} {
		ev := waitEvent(t, sess, EventSeekTrack).Payload.(PositionPayload)
		if ev.PositionMS != 42000 {
			t.Errorf("seek-track position = %d, want 42000", ev.PositionMS)
		}
	}
}

func TestNextTrackAdvance(t *testing.T) {
	hub := newTestHub(store.NewMemory(), &fakeResolver{}, config.DefaultSync())
	ctx := context.Background()

	roomID, _, _ := hub.CreateRoom(ctx)
	sess, _ := hub.Join(ctx, roomID, "alice", models.SyncModeSynced)
	defer hub.Disconnect(sess)
	waitEvent(t, sess, EventRoomState)

	hub.AddTrack(ctx, sess, trackURL(1)) // A, promoted
	trackA := waitEvent(t, sess, EventTrackAdded).Payload.(TrackAddedPayload).Entry.Track
	hub.AddTrack(ctx, sess, trackURL(2)) // B, queued
	trackB := waitEvent(t, sess, EventTrackAdded).Payload.(TrackAddedPayload).Entry.Track
	hub.Play(ctx, sess)

	if err := hub.NextTrack(ctx, sess, trackA.ID); err != nil {
		t.Fatalf("NextTrack: %v", err)
	}
	changed := waitEvent(t, sess, EventTrackChanged).Payload.(TrackChangedPayload)
	if changed.Track == nil || changed.Track.ID != trackB.ID {
		t.Fatalf("advanced to %+v, want track B", changed.Track)
	}
	if changed.PositionMS != 0 {
		t.Errorf("position = %d after advance, want 0", changed.PositionMS)
	}
	if !changed.IsPlaying {
		t.Error("isPlaying must be preserved across an advance")
	}

	// Queue is now empty: the next advance clears the room.
	if err := hub.NextTrack(ctx, sess, trackB.ID); err != nil {
		t.Fatalf("NextTrack: %v", err)
	}
	changed = waitEvent(t, sess, EventTrackChanged).Payload.(TrackChangedPayload)
	if changed.Track != nil {
		t.Errorf("advanced past empty queue to %+v, want nil", changed.Track)
	}
	if changed.IsPlaying {
		t.Error("isPlaying must be false once the queue runs out")
	}
}

func TestNextTrackIdempotentUnderRace(t *testing.T) {
	hub := newTestHub(store.NewMemory(), &fakeResolver{}, config.DefaultSync())
	ctx := context.Background()

	roomID, _, _ := hub.CreateRoom(ctx)
	alice, _ := hub.Join(ctx, roomID, "alice", models.SyncModeSynced)
	defer hub.Disconnect(alice)
	bob, _ := hub.Join(ctx, roomID, "bob", models.SyncModeSynced)
	defer hub.Disconnect(bob)
	waitEvent(t, alice, EventRoomState)

	hub.AddTrack(ctx, alice, trackURL(1))
	trackA := waitEvent(t, alice, EventTrackAdded).Payload.(TrackAddedPayload).Entry.Track
	hub.AddTrack(ctx, alice, trackURL(2))
	waitEvent(t, alice, EventTrackAdded)

	// Both listeners finish track A at the same moment and race to advance.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, sess := range []*Session{alice, bob} {
		wg.Add(1)
		go func(i int, sess *Session) {
			defer wg.Done()
			results[i] = hub.NextTrack(ctx, sess, trackA.ID)
		}(i, sess)
	}
	wg.Wait()

	var ok, stale int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrStaleCommand):
			stale++
		default:
			t.Fatalf("unexpected NextTrack error: %v", err)
		}
	}
	if ok != 1 || stale != 1 {
		t.Fatalf("got %d advances and %d stale no-ops, want exactly 1 each", ok, stale)
	}

	// Exactly one track-changed reaches each listener.
	waitEvent(t, bob, EventTrackChanged)
	expectNoEvent(t, bob, EventTrackChanged, 100*time.Millisecond)
}

func TestHistoryBounded(t *testing.T) {
	cfg := config.DefaultSync()
	cfg.HistoryLimit = 2
	hub := newTestHub(store.NewMemory(), &fakeResolver{}, cfg)
	ctx := context.Background()

	roomID, _, _ := hub.CreateRoom(ctx)
	sess, _ := hub.Join(ctx, roomID, "alice", models.SyncModeSynced)
	defer hub.Disconnect(sess)
	waitEvent(t, sess, EventRoomState)

	var current models.Track
	for i := 0; i < 5; i++ {
		hub.AddTrack(ctx, sess, trackURL(i))
		added := waitEvent(t, sess, EventTrackAdded).Payload.(TrackAddedPayload)
		if added.Promoted {
			current = added.Entry.Track
		}
	}
	for i := 0; i < 4; i++ {
		if err := hub.NextTrack(ctx, sess, current.ID); err != nil {
			t.Fatalf("NextTrack %d: %v", i, err)
		}
		changed := waitEvent(t, sess, EventTrackChanged).Payload.(TrackChangedPayload)
		if changed.Track != nil {
			current = *changed.Track
		}
	}

	// Verify through a second session's state snapshot.
	observer, _ := hub.Join(ctx, roomID, "bob", models.SyncModeSynced)
	defer hub.Disconnect(observer)
	state := waitEvent(t, observer, EventRoomState).Payload.(RoomStatePayload)
	if len(state.Snapshot.History) != 2 {
		t.Fatalf("history length = %d, want bound of 2", len(state.Snapshot.History))
	}
	// Most-recent-last, oldest evicted first.
	if got := state.Snapshot.History[1].Title; got != "track-3" {
		t.Errorf("newest history entry = %q, want %q", got, "track-3")
	}
	// The queue never contains the current track.
	for _, entry := range state.Snapshot.Queue {
		if state.Snapshot.CurrentTrack != nil && entry.Track.ID == state.Snapshot.CurrentTrack.ID {
			t.Errorf("queue contains currentTrack %s", entry.Track.ID)
		}
	}
}

func TestDriftCorrection(t *testing.T) {
	hub := newTestHub(store.NewMemory(), &fakeResolver{}, config.DefaultSync())
	ctx := context.Background()

	roomID, _, _ := hub.CreateRoom(ctx)
	alice, _ := hub.Join(ctx, roomID, "alice", models.SyncModeSynced)
	defer hub.Disconnect(alice)
	bob, _ := hub.Join(ctx, roomID, "bob", models.SyncModeSynced)
	defer hub.Disconnect(bob)

	hub.AddTrack(ctx, alice, trackURL(1))
	hub.Play(ctx, alice)
	hub.Seek(ctx, alice, 40000)
	waitEvent(t, alice, EventSeekTrack)
	waitEvent(t, bob, EventSeekTrack)

	// A few hundred milliseconds of skew is tolerated.
	if err := hub.ReportPosition(ctx, bob, 40300); err != nil {
		t.Fatalf("ReportPosition: %v", err)
	}
	expectNoEvent(t, alice, EventSeekTrack, 150*time.Millisecond)

	// Six seconds of drift triggers a correcting seek to everyone else.
	if err := hub.ReportPosition(ctx, bob, 46500); err != nil {
		t.Fatalf("ReportPosition: %v", err)
	}
	ev := waitEvent(t, alice, EventSeekTrack).Payload.(PositionPayload)
	if ev.PositionMS != 46500 {
		t.Errorf("correcting seek position = %d, want 46500", ev.PositionMS)
	}
	// The reporter is already at that position and is not re-seeked.
	expectNoEvent(t, bob, EventSeekTrack, 150*time.Millisecond)
}

func TestSetVolumeEchoesOnlyToIssuer(t *testing.T) {
	hub := newTestHub(store.NewMemory(), &fakeResolver{}, config.DefaultSync())
	ctx := context.Background()

	roomID, _, _ := hub.CreateRoom(ctx)
	alice, _ := hub.Join(ctx, roomID, "alice", models.SyncModeSynced)
	defer hub.Disconnect(alice)
	bob, _ := hub.Join(ctx, roomID, "bob", models.SyncModeSynced)
	defer hub.Disconnect(bob)

	if err := hub.SetVolume(ctx, alice, 1.7); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	ev := waitEvent(t, alice, EventVolume).Payload.(VolumePayload)
	if ev.Volume != 1.0 {
		t.Errorf("volume = %v, want clamp to 1.0", ev.Volume)
	}
	expectNoEvent(t, bob, EventVolume, 100*time.Millisecond)
}

func TestEvictionAndReload(t *testing.T) {
	mem := store.NewMemory()
	hub := newTestHub(mem, &fakeResolver{}, config.DefaultSync())
	ctx := context.Background()

	roomID, _, _ := hub.CreateRoom(ctx)
	sess, _ := hub.Join(ctx, roomID, "alice", models.SyncModeSynced)
	waitEvent(t, sess, EventRoomState)

	hub.AddTrack(ctx, sess, trackURL(1))
	track := waitEvent(t, sess, EventTrackAdded).Payload.(TrackAddedPayload).Entry.Track
	hub.Seek(ctx, sess, 30000)

	hub.Disconnect(sess)

	// The last disconnect evicts the actor and flushes a final save.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ActiveRoomCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("room was not evicted after last disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	for {
		snapshot, err := mem.LoadRoom(ctx, roomID)
		if err != nil {
			t.Fatalf("LoadRoom: %v", err)
		}
		if snapshot.CurrentTrack != nil && snapshot.PositionMS == 30000 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("final save not flushed, snapshot = %+v", snapshot)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A fresh join reconstructs the room exactly as last saved.
	sess2, err := hub.Join(ctx, roomID, "bob", models.SyncModeSynced)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	defer hub.Disconnect(sess2)
	state := waitEvent(t, sess2, EventRoomState).Payload.(RoomStatePayload)
	if state.Snapshot.CurrentTrack == nil || state.Snapshot.CurrentTrack.ID != track.ID {
		t.Fatalf("reloaded currentTrack = %+v, want %s", state.Snapshot.CurrentTrack, track.ID)
	}
	if state.Snapshot.PositionMS != 30000 {
		t.Errorf("reloaded position = %d, want 30000", state.Snapshot.PositionMS)
	}
	if state.Snapshot.IsPlaying {
		t.Error("reloaded isPlaying = true, want false")
	}
}

func TestSlowClientDropped(t *testing.T) {
	hub := newTestHub(store.NewMemory(), &fakeResolver{}, config.DefaultSync())
	ctx := context.Background()

	roomID, _, _ := hub.CreateRoom(ctx)
	alice, _ := hub.Join(ctx, roomID, "alice", models.SyncModeSynced)
	defer hub.Disconnect(alice)
	slow, _ := hub.Join(ctx, roomID, "sloth", models.SyncModeSynced)

	// The slow client never reads; enough fan-out fills its buffer and it
	// gets dropped instead of stalling the room.
	for i := 0; i < sessionBuffer+8; i++ {
		if err := hub.AddTrack(ctx, alice, trackURL(i)); err != nil {
			t.Fatalf("AddTrack %d: %v", i, err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-slow.Events():
			if !open {
				return // dropped, channel closed
			}
		case <-deadline:
			t.Fatal("slow client was never dropped")
		}
	}
}
