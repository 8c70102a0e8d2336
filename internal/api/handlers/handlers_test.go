// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/canopy/internal/events"
	"github.com/wingedpig/canopy/internal/session"
)

// testEnv wires a real manager (driven by a stub claude script), a real
// bus, and a router mirroring the production wiring.
type testEnv struct {
	manager *session.Manager
	bus     *events.MemoryEventBus
	server  *httptest.Server
}

func newTestEnv(t *testing.T, stubScript string) *testEnv {
	t.Helper()

	stub := filepath.Join(t.TempDir(), "claude-stub")
	require.NoError(t, os.WriteFile(stub, []byte("#!/bin/sh\n"+stubScript), 0755))

	bus := events.NewMemoryEventBus(events.MemoryBusConfig{HistoryMaxEvents: 100, HistoryMaxAge: time.Hour})
	st := session.NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	manager := session.NewManager(stub, "", st, bus)

	r := mux.NewRouter()
	sessionHandler := NewSessionHandler(manager)
	r.HandleFunc("/api/v1/sessions", sessionHandler.List).Methods("GET")
	r.HandleFunc("/api/v1/sessions", sessionHandler.Create).Methods("POST")
	r.HandleFunc("/api/v1/sessions/{session}", sessionHandler.Get).Methods("GET")
	r.HandleFunc("/api/v1/sessions/{session}", sessionHandler.Remove).Methods("DELETE")
	r.HandleFunc("/api/v1/sessions/{session}", sessionHandler.Rename).Methods("PATCH")
	r.HandleFunc("/api/v1/sessions/{session}/messages", sessionHandler.SendMessage).Methods("POST")
	r.HandleFunc("/api/v1/sessions/{session}/permission", sessionHandler.Permission).Methods("POST")
	r.HandleFunc("/api/v1/sessions/{session}/cancel", sessionHandler.Cancel).Methods("POST")
	chatHandler := NewChatHandler(manager, bus)
	r.HandleFunc("/api/v1/sessions/{session}/ws", chatHandler.WebSocket).Methods("GET")
	eventHandler := NewEventHandler(bus)
	r.HandleFunc("/api/v1/events", eventHandler.History).Methods("GET")
	r.HandleFunc("/api/v1/events/ws", eventHandler.WebSocket).Methods("GET")

	server := httptest.NewServer(r)
	t.Cleanup(func() {
		server.Close()
		manager.Shutdown()
		bus.Close()
	})

	return &testEnv{manager: manager, bus: bus, server: server}
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}) (*http.Response, Response) {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, env.server.URL+path, reqBody)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestSessionAPI_CreateGetRemove(t *testing.T) {
	env := newTestEnv(t, `echo '{"type":"result","result":"ok"}'`)
	workDir := t.TempDir()

	resp, body := env.do(t, "POST", "/api/v1/sessions", map[string]string{"work_dir": workDir, "name": "Review"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := body.Data.(map[string]interface{})
	id := created["id"].(string)
	assert.Equal(t, "Review", created["name"])
	assert.Equal(t, workDir, created["work_dir"])

	resp, body = env.do(t, "GET", "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body.Data.(map[string]interface{})["id"])

	resp, body = env.do(t, "GET", "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body.Data.([]interface{}), 1)

	resp, _ = env.do(t, "DELETE", "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(t, "GET", "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotNil(t, body.Error)
	assert.Equal(t, ErrNotFound, body.Error.Code)
}

func TestSessionAPI_CreateValidation(t *testing.T) {
	env := newTestEnv(t, `true`)

	resp, body := env.do(t, "POST", "/api/v1/sessions", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrBadRequest, body.Error.Code)

	resp, _ = env.do(t, "POST", "/api/v1/sessions", map[string]string{"work_dir": "/no/such/dir"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionAPI_Rename(t *testing.T) {
	env := newTestEnv(t, `true`)
	s := env.manager.CreateSession(t.TempDir(), "")

	resp, body := env.do(t, "PATCH", "/api/v1/sessions/"+s.ID, map[string]string{"name": "Renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Renamed", body.Data.(map[string]interface{})["name"])

	resp, _ = env.do(t, "PATCH", "/api/v1/sessions/nope", map[string]string{"name": "X"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionAPI_SendMessage(t *testing.T) {
	env := newTestEnv(t, `echo '{"type":"result","result":"the answer"}'`)
	s := env.manager.CreateSession(t.TempDir(), "")

	resp, _ := env.do(t, "POST", "/api/v1/sessions/"+s.ID+"/messages", map[string]string{"text": "question"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		got, ok := env.manager.Session(s.ID)
		return ok && len(got.Messages) == 2 && got.Status == session.StatusIdle
	}, 5*time.Second, 10*time.Millisecond)

	resp, _ = env.do(t, "POST", "/api/v1/sessions/"+s.ID+"/messages", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, "POST", "/api/v1/sessions/nope/messages", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionAPI_PermissionAndCancel(t *testing.T) {
	env := newTestEnv(t, `true`)
	s := env.manager.CreateSession(t.TempDir(), "")

	resp, _ := env.do(t, "POST", "/api/v1/sessions/"+s.ID+"/permission", map[string]bool{"accept": false})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, "POST", "/api/v1/sessions/"+s.ID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, "POST", "/api/v1/sessions/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventAPI_History(t *testing.T) {
	env := newTestEnv(t, `echo '{"type":"result","result":"hi"}'`)
	s := env.manager.CreateSession(t.TempDir(), "")
	env.manager.Send(s.ID, "hello", session.SendOptions{})

	require.Eventually(t, func() bool {
		got, ok := env.manager.Session(s.ID)
		return ok && got.Status == session.StatusIdle && len(got.Messages) == 2
	}, 5*time.Second, 10*time.Millisecond)

	resp, body := env.do(t, "GET", "/api/v1/events?session="+s.ID+"&type=session.message", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body.Data.([]interface{})
	assert.GreaterOrEqual(t, len(list), 2)
}

func TestChatWebSocket_HistoryAndStreaming(t *testing.T) {
	env := newTestEnv(t, `echo '{"type":"result","result":"streamed answer"}'`)
	s := env.manager.CreateSession(t.TempDir(), "")

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/sessions/" + s.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// First frame is always the history snapshot
	var first chatServerMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "history", first.Type)
	assert.Equal(t, string(session.StatusIdle), first.Status)

	require.NoError(t, conn.WriteJSON(chatClientMessage{Type: "message", Content: "go"}))

	// Streamed bus events for this session follow
	sawMessage := false
	deadline := time.Now().Add(5 * time.Second)
	for !sawMessage && time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg chatServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Type == "event" && msg.Event != nil && msg.Event.Type == events.EventSessionMessage {
			if content, ok := msg.Event.Payload["content"].(string); ok && content == "streamed answer" {
				sawMessage = true
			}
		}
	}
	assert.True(t, sawMessage, "expected the assistant answer on the socket")
}

func TestChatWebSocket_ReleasesGoroutines(t *testing.T) {
	env := newTestEnv(t, `true`)
	s := env.manager.CreateSession(t.TempDir(), "")
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/sessions/" + s.ID + "/ws"

	before := runtime.NumGoroutine()
	for i := 0; i < 5; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		var first chatServerMessage
		require.NoError(t, conn.ReadJSON(&first))
		conn.Close()
	}

	// The per-connection helper goroutines must all wind down once the
	// clients disconnect.
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+3
	}, 5*time.Second, 50*time.Millisecond)
}

func TestChatWebSocket_UnknownSession(t *testing.T) {
	env := newTestEnv(t, `true`)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/sessions/nope/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
