/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/listenlab/roomsync/internal/models"
	"gorm.io/gorm"
)

// ErrSessionNotFound indicates no DJ session record exists.
var ErrSessionNotFound = errors.New("dj session not found")

// DJStore persists DJ console sessions. Deck state is saved so a DJ who
// reconnects mid-set gets their decks back, even though decks are never
// broadcast to passive listeners.
type DJStore interface {
	CreateDJSession(ctx context.Context, session *models.DJSession) error
	LoadDJSession(ctx context.Context, sessionID string) (*models.DJSession, error)
	SaveDecks(ctx context.Context, sessionID string, decks models.DeckStates) error
	EndDJSession(ctx context.Context, sessionID string) error
	ActiveDJSession(ctx context.Context, roomID, userID string) (*models.DJSession, error)
}

// CreateDJSession inserts a new DJ session record.
func (s *Gorm) CreateDJSession(ctx context.Context, session *models.DJSession) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("create dj session: %w", err)
	}
	return nil
}

// LoadDJSession returns a DJ session by id.
func (s *Gorm) LoadDJSession(ctx context.Context, sessionID string) (*models.DJSession, error) {
	var session models.DJSession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("query dj session: %w", err)
	}
	return &session, nil
}

// SaveDecks overwrites a session's deck state.
func (s *Gorm) SaveDecks(ctx context.Context, sessionID string, decks models.DeckStates) error {
	result := s.db.WithContext(ctx).
		Model(&models.DJSession{}).
		Where("id = ?", sessionID).
		Update("decks", decks)
	if result.Error != nil {
		return fmt.Errorf("save decks: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// EndDJSession marks the session inactive.
func (s *Gorm) EndDJSession(ctx context.Context, sessionID string) error {
	result := s.db.WithContext(ctx).
		Model(&models.DJSession{}).
		Where("id = ?", sessionID).
		Update("active", false)
	if result.Error != nil {
		return fmt.Errorf("end dj session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ActiveDJSession returns the caller's live session for a room, if any.
func (s *Gorm) ActiveDJSession(ctx context.Context, roomID, userID string) (*models.DJSession, error) {
	var session models.DJSession
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ? AND active = ?", roomID, userID, true).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("query active dj session: %w", err)
	}
	return &session, nil
}
