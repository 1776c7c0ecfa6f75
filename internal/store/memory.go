/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"sync"

	"github.com/listenlab/roomsync/internal/models"
)

// Memory is an in-process RoomStore used in tests and single-node
// evaluation setups where durability is not required.
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]*models.RoomSnapshot
	codes map[string]string // code -> room id
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rooms: make(map[string]*models.RoomSnapshot),
		codes: make(map[string]string),
	}
}

// CreateRoom inserts a new room with an empty snapshot.
func (m *Memory) CreateRoom(_ context.Context, roomID, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.codes[code]; exists {
		return ErrCodeTaken
	}
	m.rooms[roomID] = &models.RoomSnapshot{}
	m.codes[code] = roomID
	return nil
}

// LoadRoom returns the last saved snapshot for the room.
func (m *Memory) LoadRoom(_ context.Context, roomID string) (*models.RoomSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return snapshot.Clone(), nil
}

// SaveRoom overwrites the room's snapshot.
func (m *Memory) SaveRoom(_ context.Context, roomID string, snapshot *models.RoomSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[roomID] = snapshot.Clone()
	return nil
}

// ResolveCode maps a short code to a room id.
func (m *Memory) ResolveCode(_ context.Context, code string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roomID, ok := m.codes[code]
	if !ok {
		return "", ErrRoomNotFound
	}
	return roomID, nil
}
