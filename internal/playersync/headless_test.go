/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playersync

import (
	"context"
	"testing"
	"time"

	"github.com/listenlab/roomsync/internal/models"
)

func TestHeadlessLoadEmitsReady(t *testing.T) {
	p := NewHeadless()
	defer p.Release()

	if err := p.Load(context.Background(), models.Track{ID: "t1", DurationMS: 60000}); err != nil {
		t.Fatalf("load: %v", err)
	}
	select {
	case ev := <-p.Events():
		if ev.Kind != PlayerReady {
			t.Fatalf("expected ready, got %q", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no ready event")
	}
}

func TestHeadlessSeekClampsToDuration(t *testing.T) {
	p := NewHeadless()
	defer p.Release()

	if err := p.Load(context.Background(), models.Track{ID: "t1", DurationMS: 30000}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := p.SeekTo(99999999); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if pos := p.position(); pos != 30000 {
		t.Fatalf("expected clamp to 30000, got %d", pos)
	}
	if err := p.SeekTo(-5); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if pos := p.position(); pos != 0 {
		t.Fatalf("expected clamp to 0, got %d", pos)
	}
}

func TestHeadlessPauseFoldsElapsedTime(t *testing.T) {
	p := NewHeadless()
	defer p.Release()

	if err := p.Load(context.Background(), models.Track{ID: "t1", DurationMS: 600000}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := p.Play(); err != nil {
		t.Fatalf("play: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := p.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}

	p.mu.Lock()
	playing := p.playing
	p.mu.Unlock()
	if playing {
		t.Fatal("still playing after pause")
	}
	pos := p.position()
	if pos < 30 || pos > 2000 {
		t.Fatalf("position %d out of expected range", pos)
	}

	// Paused position does not drift.
	time.Sleep(20 * time.Millisecond)
	if got := p.position(); got != pos {
		t.Fatalf("paused position moved from %d to %d", pos, got)
	}
}

func TestHeadlessAdvanceEndsAtDuration(t *testing.T) {
	p := NewHeadless()
	defer p.Release()

	if err := p.Load(context.Background(), models.Track{ID: "t1", DurationMS: 10}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := p.Play(); err != nil {
		t.Fatalf("play: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	ev, ok := p.advance(time.Now())
	if !ok {
		t.Fatal("expected an event")
	}
	if ev.Kind != PlayerEnded {
		t.Fatalf("expected ended, got %q", ev.Kind)
	}
	if ev.PositionMS != 10 {
		t.Fatalf("expected end position 10, got %d", ev.PositionMS)
	}
	if _, ok := p.advance(time.Now()); ok {
		t.Fatal("expected no further events after end")
	}
}
