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

// DJMemory is an in-process DJStore used in tests.
type DJMemory struct {
	mu       sync.RWMutex
	sessions map[string]*models.DJSession
}

// NewDJMemory creates an empty in-memory DJ session store.
func NewDJMemory() *DJMemory {
	return &DJMemory{sessions: make(map[string]*models.DJSession)}
}

// CreateDJSession inserts a new DJ session record.
func (m *DJMemory) CreateDJSession(_ context.Context, session *models.DJSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *session
	m.sessions[session.ID] = &copied
	return nil
}

// LoadDJSession returns a DJ session by id.
func (m *DJMemory) LoadDJSession(_ context.Context, sessionID string) (*models.DJSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

// SaveDecks overwrites a session's deck state.
func (m *DJMemory) SaveDecks(_ context.Context, sessionID string, decks models.DeckStates) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	session.Decks = decks
	return nil
}

// EndDJSession marks the session inactive.
func (m *DJMemory) EndDJSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	session.Active = false
	return nil
}

// ActiveDJSession returns the caller's live session for a room, if any.
func (m *DJMemory) ActiveDJSession(_ context.Context, roomID, userID string) (*models.DJSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, session := range m.sessions {
		if session.RoomID == roomID && session.UserID == userID && session.Active {
			copied := *session
			return &copied, nil
		}
	}
	return nil, ErrSessionNotFound
}
