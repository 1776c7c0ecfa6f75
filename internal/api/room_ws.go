/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/listenlab/roomsync/internal/broker"
	"github.com/listenlab/roomsync/internal/models"
	"github.com/listenlab/roomsync/internal/telemetry"
)

// RoomWebSocket carries one client's live room connection: commands in,
// broker fan-out events back.
type RoomWebSocket struct {
	hub    *broker.Hub
	logger zerolog.Logger
}

// NewRoomWebSocket creates the room websocket handler.
func NewRoomWebSocket(hub *broker.Hub, logger zerolog.Logger) *RoomWebSocket {
	return &RoomWebSocket{
		hub:    hub,
		logger: logger.With().Str("component", "room_ws").Logger(),
	}
}

type wsCommand struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type wsError struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

// asyncFailure carries the outcome of a command dispatched off the main loop
// back to it, so error delivery stays on the loop's single writer path.
type asyncFailure struct {
	action string
	err    error
}

// HandleWebSocket attaches a client to a room for the lifetime of the socket.
func (h *RoomWebSocket) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if roomID == "" {
		http.Error(w, "room id required", http.StatusBadRequest)
		return
	}
	userID := r.URL.Query().Get("user_id")
	mode := models.SyncModeSynced
	if r.URL.Query().Get("mode") == string(models.SyncModeNotSynced) {
		mode = models.SyncModeNotSynced
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.WebSocketConnections.Inc()
	defer telemetry.WebSocketConnections.Dec()

	ctx := r.Context()

	sess, err := h.hub.Join(ctx, roomID, userID, mode)
	if err != nil {
		h.logger.Error().Err(err).Str("room_id", roomID).Msg("join failed")
		conn.Close(ws.StatusInternalError, "join failed")
		return
	}
	defer h.hub.Disconnect(sess)

	h.logger.Debug().
		Str("room_id", roomID).
		Str("session_id", sess.ID).
		Msg("room websocket connected")

	done := make(chan struct{})
	commandCh := make(chan wsCommand, 16)
	failureCh := make(chan asyncFailure, 16)

	// Read pump: socket errors here are the disconnect signal.
	go func() {
		defer close(done)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ws.CloseStatus(err) == ws.StatusNormalClosure {
					return
				}
				h.logger.Debug().Err(err).Msg("websocket read error")
				return
			}

			var cmd wsCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				h.logger.Warn().Err(err).Msg("invalid websocket message")
				continue
			}

			select {
			case commandCh <- cmd:
			default:
				h.logger.Warn().Msg("command channel full, dropping message")
			}
		}
	}()

	pingTicker := time.NewTicker(15 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "context cancelled")
			return

		case <-done:
			conn.Close(ws.StatusNormalClosure, "client disconnected")
			return

		case <-pingTicker.C:
			if err := h.send(ctx, conn, broker.Event{Name: "ping", RoomID: roomID}); err != nil {
				conn.Close(ws.StatusInternalError, "ping failed")
				return
			}

		case ev, open := <-sess.Events():
			if !open {
				// Dropped as a slow consumer or the room was evicted.
				conn.Close(ws.StatusNormalClosure, "session ended")
				return
			}
			if err := h.send(ctx, conn, ev); err != nil {
				h.logger.Debug().Err(err).Msg("send event failed")
				conn.Close(ws.StatusInternalError, "send failed")
				return
			}

		case cmd := <-commandCh:
			if err := h.handleCommand(ctx, sess, cmd, failureCh); err != nil {
				if errors.Is(err, broker.ErrStaleCommand) {
					continue // expected race, not a failure
				}
				if !clientError(err) {
					h.logger.Warn().Err(err).Str("action", cmd.Action).Msg("command failed")
				}
				h.sendError(ctx, conn, roomID, cmd.Action, err)
			}

		case f := <-failureCh:
			if !clientError(f.err) {
				h.logger.Warn().Err(f.err).Str("action", f.action).Msg("command failed")
			}
			h.sendError(ctx, conn, roomID, f.action, f.err)
		}
	}
}

func (h *RoomWebSocket) send(ctx context.Context, conn *ws.Conn, ev broker.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, ws.MessageText, data)
}

func (h *RoomWebSocket) sendError(ctx context.Context, conn *ws.Conn, roomID, action string, cmdErr error) {
	ev := broker.Event{
		Name:    broker.EventError,
		RoomID:  roomID,
		Payload: wsError{Action: action, Message: cmdErr.Error()},
	}
	if err := h.send(ctx, conn, ev); err != nil {
		h.logger.Debug().Err(err).Msg("send error event failed")
	}
}

func (h *RoomWebSocket) handleCommand(ctx context.Context, sess *broker.Session, cmd wsCommand, failures chan<- asyncFailure) error {
	switch cmd.Action {
	case "add_track":
		var data struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		// Resolution hits the platform's oEmbed endpoint. Run it off the
		// loop so a slow lookup never stalls this client's event delivery;
		// the success path broadcasts through the room as usual.
		go func() {
			if err := h.hub.AddTrack(ctx, sess, data.URL); err != nil {
				select {
				case failures <- asyncFailure{action: "add_track", err: err}:
				default:
				}
			}
		}()
		return nil

	case "remove_track":
		var data struct {
			TrackID string `json:"track_id"`
		}
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return h.hub.RemoveTrack(ctx, sess, data.TrackID)

	case "play":
		return h.hub.Play(ctx, sess)

	case "pause":
		return h.hub.Pause(ctx, sess)

	case "seek":
		var data struct {
			PositionMS int64 `json:"position_ms"`
		}
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return h.hub.Seek(ctx, sess, data.PositionMS)

	case "next_track":
		var data struct {
			TrackID string `json:"track_id"`
		}
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return h.hub.NextTrack(ctx, sess, data.TrackID)

	case "sync_all_users":
		var data struct {
			PositionMS int64 `json:"position_ms"`
		}
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return h.hub.SyncAllUsers(ctx, sess, data.PositionMS)

	case "set_volume":
		var data struct {
			Volume float64 `json:"volume"`
		}
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return h.hub.SetVolume(ctx, sess, data.Volume)

	case "report_position":
		var data struct {
			PositionMS int64 `json:"position_ms"`
		}
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return h.hub.ReportPosition(ctx, sess, data.PositionMS)

	case "pong":
		return nil

	default:
		h.logger.Warn().Str("action", cmd.Action).Msg("unknown command action")
		return nil
	}
}
