/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package store is the narrow bridge to the durable room store. The engine
// reads it on cold start and writes to it on every committed transition; it
// is a recovery mechanism, not the live source of truth for connected
// clients.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/listenlab/roomsync/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrRoomNotFound indicates no durable record exists for the room.
	ErrRoomNotFound = errors.New("room not found")

	// ErrCodeTaken indicates the short code is already assigned.
	ErrCodeTaken = errors.New("room code already taken")
)

// RoomStore is the contract consumed by the broker and short-code resolver.
type RoomStore interface {
	// CreateRoom inserts a new room with an empty snapshot.
	CreateRoom(ctx context.Context, roomID, code string) error

	// LoadRoom returns the last saved snapshot, or ErrRoomNotFound.
	LoadRoom(ctx context.Context, roomID string) (*models.RoomSnapshot, error)

	// SaveRoom overwrites the room's snapshot. Best-effort from the broker's
	// perspective; failures never block the in-memory state.
	SaveRoom(ctx context.Context, roomID string, snapshot *models.RoomSnapshot) error

	// ResolveCode maps a 5-char short code to a room id.
	ResolveCode(ctx context.Context, code string) (string, error)
}

// Gorm implements RoomStore on a relational database.
type Gorm struct {
	db *gorm.DB
}

// NewGorm creates a gorm-backed room store.
func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

// CreateRoom inserts a new room record.
func (s *Gorm) CreateRoom(ctx context.Context, roomID, code string) error {
	record := models.RoomRecord{
		ID:       roomID,
		Code:     code,
		Snapshot: models.RoomSnapshot{},
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrCodeTaken
		}
		return fmt.Errorf("create room: %w", err)
	}
	return nil
}

// LoadRoom returns the last saved snapshot for the room.
func (s *Gorm) LoadRoom(ctx context.Context, roomID string) (*models.RoomSnapshot, error) {
	var record models.RoomRecord
	if err := s.db.WithContext(ctx).First(&record, "id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("query room: %w", err)
	}
	return record.Snapshot.Clone(), nil
}

// SaveRoom overwrites the room's snapshot.
func (s *Gorm) SaveRoom(ctx context.Context, roomID string, snapshot *models.RoomSnapshot) error {
	result := s.db.WithContext(ctx).
		Model(&models.RoomRecord{}).
		Where("id = ?", roomID).
		Update("snapshot", snapshot.Clone())
	if result.Error != nil {
		return fmt.Errorf("save room: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// ResolveCode maps a short code to a room id.
func (s *Gorm) ResolveCode(ctx context.Context, code string) (string, error) {
	var record models.RoomRecord
	if err := s.db.WithContext(ctx).Select("id").First(&record, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrRoomNotFound
		}
		return "", fmt.Errorf("resolve code: %w", err)
	}
	return record.ID, nil
}
