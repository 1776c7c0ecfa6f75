package store

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/listenlab/roomsync/internal/models"
)

func sampleSnapshot() *models.RoomSnapshot {
	addedAt := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	trackA := models.Track{
		ID:       "soundcloud:123",
		Platform: models.PlatformSoundCloud,
		URL:      "https://soundcloud.com/artist/track-a",
		Title:    "Track A",
		Artist:   "Artist",
		AddedBy:  "user-1",
		AddedAt:  addedAt,
	}
	trackB := models.Track{
		ID:       "youtube:abc",
		Platform: models.PlatformYouTube,
		URL:      "https://youtube.com/watch?v=abc",
		Title:    "Track B",
		AddedBy:  "user-2",
		AddedAt:  addedAt,
	}
	return &models.RoomSnapshot{
		Queue:        []models.QueueEntry{{Track: trackB, Position: 0}},
		CurrentTrack: &trackA,
		IsPlaying:    true,
		PositionMS:   42000,
		History:      []models.Track{trackB},
		Volumes:      map[string]float64{"user-1": 0.8},
		UpdatedAt:    addedAt,
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	if err := st.CreateRoom(ctx, "room-1", "ABCDE"); err != nil {
		t.Fatalf("create room: %v", err)
	}

	saved := sampleSnapshot()
	if err := st.SaveRoom(ctx, "room-1", saved); err != nil {
		t.Fatalf("save room: %v", err)
	}

	loaded, err := st.LoadRoom(ctx, "room-1")
	if err != nil {
		t.Fatalf("load room: %v", err)
	}
	if !reflect.DeepEqual(saved, loaded) {
		t.Fatalf("round trip mismatch:\nsaved  %+v\nloaded %+v", saved, loaded)
	}

	// Loaded snapshot must not alias the stored one.
	loaded.Queue[0].Track.Title = "mutated"
	again, err := st.LoadRoom(ctx, "room-1")
	if err != nil {
		t.Fatalf("load room again: %v", err)
	}
	if again.Queue[0].Track.Title == "mutated" {
		t.Fatal("LoadRoom returned aliased snapshot")
	}
}

func TestSnapshotColumnRoundTrip(t *testing.T) {
	saved := sampleSnapshot()

	value, err := saved.Value()
	if err != nil {
		t.Fatalf("snapshot value: %v", err)
	}

	var loaded models.RoomSnapshot
	if err := loaded.Scan(value); err != nil {
		t.Fatalf("snapshot scan: %v", err)
	}

	if !reflect.DeepEqual(*saved, loaded) {
		t.Fatalf("column round trip mismatch:\nsaved  %+v\nloaded %+v", *saved, loaded)
	}
}

func TestMemoryResolveCode(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	if err := st.CreateRoom(ctx, "room-1", "ABCDE"); err != nil {
		t.Fatalf("create room: %v", err)
	}

	roomID, err := st.ResolveCode(ctx, "ABCDE")
	if err != nil {
		t.Fatalf("resolve code: %v", err)
	}
	if roomID != "room-1" {
		t.Fatalf("resolved wrong room: %q", roomID)
	}

	if _, err := st.ResolveCode(ctx, "ZZZZZ"); err != ErrRoomNotFound {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}

	if err := st.CreateRoom(ctx, "room-2", "ABCDE"); err != ErrCodeTaken {
		t.Fatalf("expected ErrCodeTaken, got %v", err)
	}
}
