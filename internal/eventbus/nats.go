/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus relays in-process room events across instances via NATS,
// so deployments that shard rooms over several processes still see a single
// event plane for monitoring and integrations.
package eventbus

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/listenlab/roomsync/internal/events"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const subjectPrefix = "roomsync.events."

// relayedTypes are the event types forwarded between instances.
var relayedTypes = []events.EventType{
	events.EventRoomCreated,
	events.EventRoomEvicted,
	events.EventTrackAdded,
	events.EventTrackRemoved,
	events.EventTrackChanged,
	events.EventPlay,
	events.EventPause,
	events.EventSeek,
	events.EventDriftCorrect,
	events.EventUserJoined,
	events.EventUserLeft,
}

// envelope is the wire format for relayed events.
type envelope struct {
	Instance string         `json:"instance"`
	Type     string         `json:"type"`
	Payload  events.Payload `json:"payload"`
	SentAt   time.Time      `json:"sent_at"`
}

// Relay bridges the local event bus and NATS.
type Relay struct {
	instanceID string
	bus        *events.Bus
	conn       *nats.Conn
	logger     zerolog.Logger

	mu      sync.Mutex
	subs    []events.Subscriber
	natsSub *nats.Subscription
	done    chan struct{}
}

// NewRelay connects to NATS and returns a relay for the given bus.
func NewRelay(url, instanceID string, bus *events.Bus, logger zerolog.Logger) (*Relay, error) {
	conn, err := nats.Connect(url,
		nats.Name(fmt.Sprintf("roomsync-%s", instanceID)),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &Relay{
		instanceID: instanceID,
		bus:        bus,
		conn:       conn,
		logger:     logger.With().Str("component", "eventbus").Logger(),
		done:       make(chan struct{}),
	}, nil
}

// Start begins forwarding local events to NATS and remote events onto the
// local bus. Remote events published by this instance are ignored.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, eventType := range relayedTypes {
		sub := r.bus.Subscribe(eventType)
		r.subs = append(r.subs, sub)
		go r.forwardLoop(eventType, sub)
	}

	natsSub, err := r.conn.Subscribe(subjectPrefix+">", r.handleRemote)
	if err != nil {
		return fmt.Errorf("subscribe nats: %w", err)
	}
	r.natsSub = natsSub

	r.logger.Info().Str("instance_id", r.instanceID).Msg("event relay started")
	return nil
}

func (r *Relay) forwardLoop(eventType events.EventType, sub events.Subscriber) {
	for {
		select {
		case <-r.done:
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			r.publish(eventType, payload)
		}
	}
}

func (r *Relay) publish(eventType events.EventType, payload events.Payload) {
	// Events that arrived over the relay carry a relayed_from marker. They
	// must never go back out, or two instances would bounce the same event
	// between each other forever.
	if payload != nil {
		if _, relayed := payload["relayed_from"]; relayed {
			return
		}
	}
	env := envelope{
		Instance: r.instanceID,
		Type:     string(eventType),
		Payload:  payload,
		SentAt:   time.Now(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error().Err(err).Str("type", string(eventType)).Msg("marshal relay envelope")
		return
	}
	if err := r.conn.Publish(subjectPrefix+string(eventType), data); err != nil {
		r.logger.Warn().Err(err).Str("type", string(eventType)).Msg("nats publish failed")
	}
}

func (r *Relay) handleRemote(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("invalid relay envelope")
		return
	}
	if env.Instance == r.instanceID {
		return
	}

	eventType := events.EventType(strings.TrimPrefix(msg.Subject, subjectPrefix))
	if env.Payload == nil {
		env.Payload = events.Payload{}
	}
	env.Payload["relayed_from"] = env.Instance
	r.bus.Publish(eventType, env.Payload)
}

// Close stops forwarding and drains the NATS connection.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	default:
		close(r.done)
	}

	if r.natsSub != nil {
		if err := r.natsSub.Unsubscribe(); err != nil {
			r.logger.Warn().Err(err).Msg("nats unsubscribe failed")
		}
	}
	return r.conn.Drain()
}
