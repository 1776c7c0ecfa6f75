/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package shortcode

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/listenlab/roomsync/internal/models"
	"github.com/listenlab/roomsync/internal/store"
)

func TestGenerate(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if len(code) != Length {
			t.Fatalf("code %q has length %d, want %d", code, len(code), Length)
		}
		for _, c := range code {
			if !strings.ContainsRune(alphabet, c) {
				t.Fatalf("code %q contains %q outside the alphabet", code, c)
			}
		}
		seen[code] = true
	}
	if len(seen) < 90 {
		t.Errorf("got only %d distinct codes out of 100", len(seen))
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"ABC23", true},
		{"2345Z", true},
		{"abc23", false},
		{"ABCD", false},
		{"ABCDEF", false},
		{"AB C3", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := Valid(tt.code); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestResolve(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	if err := mem.CreateRoom(ctx, "room-1", "ABC23"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := mem.SaveRoom(ctx, "room-1", &models.RoomSnapshot{}); err != nil {
		t.Fatalf("SaveRoom: %v", err)
	}

	svc := NewService(mem, nil)

	roomID, err := svc.Resolve(ctx, "ABC23")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if roomID != "room-1" {
		t.Errorf("Resolve returned %q, want %q", roomID, "room-1")
	}

	if _, err := svc.Resolve(ctx, "ZZZZZ"); !errors.Is(err, store.ErrRoomNotFound) {
		t.Errorf("unknown code: got %v, want ErrRoomNotFound", err)
	}

	if _, err := svc.Resolve(ctx, "bad"); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("malformed code: got %v, want ErrInvalidCode", err)
	}
}
