/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the HTTP surface: room management REST endpoints and
// the websocket connections that carry live room and DJ console traffic.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/listenlab/roomsync/internal/broker"
	"github.com/listenlab/roomsync/internal/mixer"
	"github.com/listenlab/roomsync/internal/resolver"
	"github.com/listenlab/roomsync/internal/shortcode"
	"github.com/listenlab/roomsync/internal/store"
	"github.com/listenlab/roomsync/internal/version"
)

// API exposes HTTP handlers.
type API struct {
	hub       *broker.Hub
	mixerSvc  *mixer.Service
	codes     *shortcode.Service
	roomWS    *RoomWebSocket
	djWS      *DJWebSocket
	logger    zerolog.Logger
}

// New creates the API router wrapper.
func New(hub *broker.Hub, mixerSvc *mixer.Service, codes *shortcode.Service, logger zerolog.Logger) *API {
	return &API{
		hub:      hub,
		mixerSvc: mixerSvc,
		codes:    codes,
		roomWS:   NewRoomWebSocket(hub, logger),
		djWS:     NewDJWebSocket(mixerSvc, logger),
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// Routes registers all HTTP routes.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		r.Route("/rooms", func(r chi.Router) {
			r.Post("/", a.handleRoomCreate)
			r.Get("/code/{code}", a.handleCodeResolve)
		})

		r.Route("/dj/sessions", func(r chi.Router) {
			r.Post("/", a.handleDJSessionStart)
			r.Delete("/{id}", a.handleDJSessionEnd)
		})
	})

	r.Get("/ws/rooms/{id}", a.roomWS.HandleWebSocket)
	r.Get("/ws/dj/{id}", a.djWS.HandleWebSocket)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

func (a *API) handleRoomCreate(w http.ResponseWriter, r *http.Request) {
	roomID, code, err := a.hub.CreateRoom(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("room create failed")
		writeError(w, http.StatusInternalServerError, "room_create_failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"room_id": roomID,
		"code":    code,
	})
}

func (a *API) handleCodeResolve(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	roomID, err := a.codes.Resolve(r.Context(), code)
	if err != nil {
		switch {
		case errors.Is(err, shortcode.ErrInvalidCode):
			writeError(w, http.StatusBadRequest, "invalid_code")
		case errors.Is(err, store.ErrRoomNotFound):
			writeError(w, http.StatusNotFound, "room_not_found")
		default:
			a.logger.Error().Err(err).Str("code", code).Msg("code resolve failed")
			writeError(w, http.StatusInternalServerError, "resolve_failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"room_id": roomID})
}

type djSessionRequest struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

func (a *API) handleDJSessionStart(w http.ResponseWriter, r *http.Request) {
	var req djSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.RoomID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "room_id and user_id required")
		return
	}

	session, err := a.mixerSvc.StartSession(r.Context(), req.RoomID, req.UserID)
	if err != nil {
		a.logger.Error().Err(err).Str("room_id", req.RoomID).Msg("dj session start failed")
		writeError(w, http.StatusInternalServerError, "session_start_failed")
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (a *API) handleDJSessionEnd(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := a.mixerSvc.EndSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, mixer.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found")
			return
		}
		a.logger.Error().Err(err).Str("session_id", sessionID).Msg("dj session end failed")
		writeError(w, http.StatusInternalServerError, "session_end_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// clientError classifies command failures that belong to the issuing client
// only: the room is unaffected and nothing is broadcast.
func clientError(err error) bool {
	var valErr *broker.ValidationError
	var resErr *resolver.ResolutionError
	return errors.As(err, &valErr) || errors.As(err, &resErr)
}
