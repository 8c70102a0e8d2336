// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/wingedpig/canopy/internal/events"
	"github.com/wingedpig/canopy/internal/session"
)

// ChatHandler runs the per-session chat WebSocket.
type ChatHandler struct {
	manager *session.Manager
	bus     events.EventBus
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(manager *session.Manager, bus events.EventBus) *ChatHandler {
	return &ChatHandler{manager: manager, bus: bus}
}

// chatClientMessage is a message from the client.
type chatClientMessage struct {
	Type     string   `json:"type"`
	Content  string   `json:"content,omitempty"`
	FileRefs []string `json:"file_refs,omitempty"`
	Model    string   `json:"model,omitempty"`
	Accept   bool     `json:"accept,omitempty"`
}

// chatServerMessage is a message to the client.
type chatServerMessage struct {
	Type      string                 `json:"type"`
	Messages  []session.Message      `json:"messages,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Event     *events.Event          `json:"event,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	ToolName  string                 `json:"tool_name,omitempty"`
	ToolInput map[string]interface{} `json:"tool_input,omitempty"`
}

// WebSocket handles a chat WebSocket connection for a specific session.
func (h *ChatHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session"]

	s, ok := h.manager.Session(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Closed when the handler returns so helper goroutines never outlive
	// the connection.
	stop := make(chan struct{})
	defer close(stop)

	// Write mutex for thread-safe WebSocket writes
	var writeMu sync.Mutex
	writeJSON := func(msg chatServerMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(msg)
	}

	// Subscribe BEFORE sending history so no event falls in the gap
	eventCh := make(chan events.Event, 100)
	wsClosed := make(chan struct{})
	subID, err := h.bus.SubscribeAsync("*", func(_ context.Context, event events.Event) error {
		if event.Session != sessionID {
			return nil
		}
		select {
		case eventCh <- event:
		case <-wsClosed:
		default:
			// Drop if buffer full
		}
		return nil
	}, 100)
	if err != nil {
		return
	}
	defer h.bus.Unsubscribe(subID)

	// Send conversation history first
	writeJSON(chatServerMessage{
		Type:     "history",
		Messages: s.Messages,
		Status:   string(s.Status),
	})

	// Re-send a pending permission prompt if one was waiting when the
	// client disconnected
	if requestID, toolName, toolInput, pending := h.manager.PendingPermission(sessionID); pending {
		writeJSON(chatServerMessage{
			Type:      "permission_request",
			RequestID: requestID,
			ToolName:  toolName,
			ToolInput: toolInput,
		})
	}

	// Set up ping/pong
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(54 * time.Second)
	defer pingTicker.Stop()

	go func() {
		for {
			select {
			case <-pingTicker.C:
				writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()

	// Read client messages into a channel so the main loop is non-blocking
	readCh := make(chan chatClientMessage, 10)
	go func() {
		defer close(wsClosed)
		for {
			_, msgBytes, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg chatClientMessage
			if json.Unmarshal(msgBytes, &msg) != nil {
				continue
			}
			select {
			case readCh <- msg:
			case <-stop:
				return
			}
		}
	}()

	// Main event loop
	for {
		select {
		case event := <-eventCh:
			e := event
			if err := writeJSON(chatServerMessage{Type: "event", Event: &e}); err != nil {
				return
			}

		case msg := <-readCh:
			switch msg.Type {
			case "message":
				if msg.Content == "" {
					continue
				}
				// Send is non-blocking; a send while a turn is in flight
				// is silently ignored by the manager.
				h.manager.Send(sessionID, msg.Content, session.SendOptions{
					FileRefs: msg.FileRefs,
					Model:    msg.Model,
				})

			case "permission_response":
				h.manager.RespondPermission(sessionID, msg.Accept)

			case "cancel":
				h.manager.CancelRequest(sessionID)

			default:
				log.Printf("chat: ignoring unknown client message type %q", msg.Type)
			}

		case <-wsClosed:
			return
		}
	}
}
