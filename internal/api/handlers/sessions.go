// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"github.com/wingedpig/canopy/internal/session"
)

// SessionHandler handles session-related API requests.
type SessionHandler struct {
	manager *session.Manager
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(manager *session.Manager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

// List returns all sessions, optionally filtered by working directory.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	if dir := r.URL.Query().Get("work_dir"); dir != "" {
		WriteJSON(w, http.StatusOK, h.manager.SessionsForDir(dir))
		return
	}
	WriteJSON(w, http.StatusOK, h.manager.Sessions())
}

// Create creates a new session rooted at a working directory.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkDir string `json:"work_dir"`
		Name    string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid request body")
		return
	}
	if req.WorkDir == "" {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "work_dir is required")
		return
	}
	if _, err := os.Stat(req.WorkDir); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "work_dir does not exist")
		return
	}

	s := h.manager.CreateSession(req.WorkDir, req.Name)
	WriteJSON(w, http.StatusCreated, s)
}

// Get returns one session including its message history.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.manager.Session(mux.Vars(r)["session"])
	if !ok {
		WriteError(w, http.StatusNotFound, ErrNotFound, "session not found")
		return
	}
	WriteJSON(w, http.StatusOK, s)
}

// Remove deletes a session, cancelling any in-flight turn.
func (h *SessionHandler) Remove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["session"]
	if _, ok := h.manager.Session(id); !ok {
		WriteError(w, http.StatusNotFound, ErrNotFound, "session not found")
		return
	}
	h.manager.RemoveSession(id)
	WriteJSON(w, http.StatusOK, map[string]string{"removed": id})
}

// Rename updates a session's display name.
func (h *SessionHandler) Rename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "name is required")
		return
	}

	id := mux.Vars(r)["session"]
	if !h.manager.RenameSession(id, req.Name) {
		WriteError(w, http.StatusNotFound, ErrNotFound, "session not found")
		return
	}
	s, _ := h.manager.Session(id)
	WriteJSON(w, http.StatusOK, s)
}

// SendMessage submits a turn. A send while a turn is already in flight
// is accepted and silently ignored, matching the runtime's semantics.
func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text     string   `json:"text"`
		FileRefs []string `json:"file_refs"`
		Model    string   `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "text is required")
		return
	}

	id := mux.Vars(r)["session"]
	if _, ok := h.manager.Session(id); !ok {
		WriteError(w, http.StatusNotFound, ErrNotFound, "session not found")
		return
	}

	h.manager.Send(id, req.Text, session.SendOptions{
		FileRefs: req.FileRefs,
		Model:    req.Model,
	})
	WriteJSON(w, http.StatusAccepted, map[string]string{"session": id})
}

// Permission answers the pending permission request for a session.
func (h *SessionHandler) Permission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Accept bool `json:"accept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid request body")
		return
	}

	id := mux.Vars(r)["session"]
	if _, ok := h.manager.Session(id); !ok {
		WriteError(w, http.StatusNotFound, ErrNotFound, "session not found")
		return
	}

	h.manager.RespondPermission(id, req.Accept)
	WriteJSON(w, http.StatusOK, map[string]interface{}{"session": id, "accepted": req.Accept})
}

// Cancel cancels the in-flight turn for a session.
func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["session"]
	if _, ok := h.manager.Session(id); !ok {
		WriteError(w, http.StatusNotFound, ErrNotFound, "session not found")
		return
	}
	h.manager.CancelRequest(id)
	WriteJSON(w, http.StatusOK, map[string]string{"session": id})
}
