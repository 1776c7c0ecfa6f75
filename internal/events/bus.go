/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventRoomCreated  EventType = "room.created"
	EventRoomEvicted  EventType = "room.evicted"
	EventRoomLoaded   EventType = "room.loaded"
	EventTrackAdded   EventType = "room.track_added"
	EventTrackRemoved EventType = "room.track_removed"
	EventTrackChanged EventType = "room.track_changed"
	EventPlay         EventType = "room.play"
	EventPause        EventType = "room.pause"
	EventSeek         EventType = "room.seek"
	EventDriftCorrect EventType = "room.drift_correct"
	EventUserJoined   EventType = "room.user_joined"
	EventUserLeft     EventType = "room.user_left"

	EventPersistFailure EventType = "store.persist_failure"

	EventDJSessionStart EventType = "dj.session_start"
	EventDJSessionEnd   EventType = "dj.session_end"
	EventDeckLoaded     EventType = "dj.deck_loaded"
	EventDeckUnloaded   EventType = "dj.deck_unloaded"
)

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}
