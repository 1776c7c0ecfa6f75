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

	"github.com/listenlab/roomsync/internal/mixer"
	"github.com/listenlab/roomsync/internal/models"
	"github.com/listenlab/roomsync/internal/telemetry"
)

// DJWebSocket carries a DJ console connection: deck commands in, real-time
// deck state updates back.
type DJWebSocket struct {
	mixerSvc *mixer.Service
	logger   zerolog.Logger
}

// NewDJWebSocket creates the DJ console websocket handler.
func NewDJWebSocket(mixerSvc *mixer.Service, logger zerolog.Logger) *DJWebSocket {
	return &DJWebSocket{
		mixerSvc: mixerSvc,
		logger:   logger.With().Str("component", "dj_ws").Logger(),
	}
}

type djMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Deck      int             `json:"deck"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type djCommand struct {
	Action string          `json:"action"`
	Deck   int             `json:"deck"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// HandleWebSocket handles a DJ console connection for one session.
func (h *DJWebSocket) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
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

	updateCh, unsubscribe, err := h.mixerSvc.Subscribe(sessionID)
	if err != nil {
		if errors.Is(err, mixer.ErrSessionNotFound) {
			conn.Close(ws.StatusPolicyViolation, "session not found")
		} else {
			conn.Close(ws.StatusInternalError, "subscribe failed")
		}
		return
	}
	defer unsubscribe()

	ctx := r.Context()

	if err := h.sendInitialState(ctx, conn, sessionID); err != nil {
		h.logger.Error().Err(err).Msg("failed to send initial state")
		conn.Close(ws.StatusInternalError, "send failed")
		return
	}

	done := make(chan struct{})
	commandCh := make(chan djCommand, 16)

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

			var cmd djCommand
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
			if err := h.write(ctx, conn, djMessage{Type: "ping", Timestamp: time.Now()}); err != nil {
				conn.Close(ws.StatusInternalError, "ping failed")
				return
			}

		case update := <-updateCh:
			if update == nil {
				conn.Close(ws.StatusNormalClosure, "session ended")
				return
			}
			data, err := json.Marshal(update.Data)
			if err != nil {
				continue
			}
			msg := djMessage{
				Type:      update.Type,
				SessionID: update.SessionID,
				Deck:      update.Deck,
				Timestamp: update.Timestamp,
				Data:      data,
			}
			if err := h.write(ctx, conn, msg); err != nil {
				conn.Close(ws.StatusInternalError, "send failed")
				return
			}

		case cmd := <-commandCh:
			if err := h.handleCommand(ctx, sessionID, cmd); err != nil {
				h.logger.Warn().Err(err).Str("action", cmd.Action).Msg("deck command failed")
				h.sendError(ctx, conn, cmd, err)
			}
		}
	}
}

func (h *DJWebSocket) sendInitialState(ctx context.Context, conn *ws.Conn, sessionID string) error {
	decks := make([]models.DeckState, 0, models.NumDecks)
	for i := 0; i < models.NumDecks; i++ {
		state, err := h.mixerSvc.GetState(sessionID, i)
		if err != nil {
			return err
		}
		decks = append(decks, state)
	}
	data, err := json.Marshal(map[string]any{"decks": decks})
	if err != nil {
		return err
	}
	return h.write(ctx, conn, djMessage{
		Type:      "initial_state",
		SessionID: sessionID,
		Timestamp: time.Now(),
		Data:      data,
	})
}

func (h *DJWebSocket) write(ctx context.Context, conn *ws.Conn, msg djMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, ws.MessageText, data)
}

func (h *DJWebSocket) sendError(ctx context.Context, conn *ws.Conn, cmd djCommand, cmdErr error) {
	data, _ := json.Marshal(wsError{Action: cmd.Action, Message: cmdErr.Error()})
	msg := djMessage{
		Type:      "error",
		Deck:      cmd.Deck,
		Timestamp: time.Now(),
		Data:      data,
	}
	if err := h.write(ctx, conn, msg); err != nil {
		h.logger.Debug().Err(err).Msg("send error message failed")
	}
}

func (h *DJWebSocket) handleCommand(ctx context.Context, sessionID string, cmd djCommand) error {
	switch cmd.Action {
	case "load":
		var data struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		_, err := h.mixerSvc.LoadTrack(ctx, sessionID, cmd.Deck, data.URL)
		return err

	case "play":
		return h.mixerSvc.Play(ctx, sessionID, cmd.Deck)

	case "pause":
		return h.mixerSvc.Pause(ctx, sessionID, cmd.Deck)

	case "seek":
		var data struct {
			PositionMS int64 `json:"position_ms"`
		}
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return h.mixerSvc.Seek(ctx, sessionID, cmd.Deck, data.PositionMS)

	case "volume":
		var data struct {
			Volume float64 `json:"volume"`
		}
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return h.mixerSvc.SetVolume(ctx, sessionID, cmd.Deck, data.Volume)

	case "unload":
		return h.mixerSvc.Unload(ctx, sessionID, cmd.Deck)

	case "pong":
		return nil

	default:
		h.logger.Warn().Str("action", cmd.Action).Msg("unknown command action")
		return nil
	}
}
