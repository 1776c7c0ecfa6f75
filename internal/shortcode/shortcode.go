/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package shortcode generates and resolves the 5-character room codes used
// for casual room lookup. Resolution happens before join; the broker only
// ever sees room ids.
package shortcode

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/listenlab/roomsync/internal/cache"
	"github.com/listenlab/roomsync/internal/store"
)

// Length is the fixed code length.
const Length = 5

// alphabet omits easily confused characters (0/O, 1/I/L).
const alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// ErrInvalidCode indicates a malformed short code.
var ErrInvalidCode = errors.New("invalid room code")

// Generate returns a random 5-character code.
func Generate() (string, error) {
	buf := make([]byte, Length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf), nil
}

// Valid reports whether code has the right shape.
func Valid(code string) bool {
	if len(code) != Length {
		return false
	}
	for _, c := range code {
		ok := (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !ok {
			return false
		}
	}
	return true
}

// Service resolves short codes through the cache with a store fallback.
type Service struct {
	store store.RoomStore
	cache *cache.Cache
}

// NewService creates a short-code resolution service. The cache may be nil.
func NewService(st store.RoomStore, c *cache.Cache) *Service {
	return &Service{store: st, cache: c}
}

// Resolve maps a short code to a room id.
func (s *Service) Resolve(ctx context.Context, code string) (string, error) {
	if !Valid(code) {
		return "", ErrInvalidCode
	}

	if s.cache != nil {
		if roomID := s.cache.GetCode(ctx, code); roomID != "" {
			return roomID, nil
		}
	}

	roomID, err := s.store.ResolveCode(ctx, code)
	if err != nil {
		return "", err
	}

	if s.cache != nil {
		s.cache.SetCode(ctx, code, roomID)
	}
	return roomID, nil
}
