// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/canopy/internal/events"
)

// writeStub writes a shell script that stands in for the claude CLI.
func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude-stub")
	err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755)
	require.NoError(t, err)
	return path
}

func newTestManager(t *testing.T, command string) *Manager {
	t.Helper()
	st := NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	return NewManager(command, "", st, nil)
}

// waitStatus blocks until the session reaches the wanted status.
func waitStatus(t *testing.T, m *Manager, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := m.Session(id)
		return ok && s.Status == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManager_CreateSessionDefaults(t *testing.T) {
	m := newTestManager(t, "claude")

	s := m.CreateSession(t.TempDir(), "")
	assert.NotEmpty(t, s.ID)
	assert.True(t, strings.HasPrefix(s.Name, "Session "), "got name %q", s.Name)
	assert.Equal(t, StatusIdle, s.Status)
	assert.Empty(t, s.Messages)

	named := m.CreateSession(t.TempDir(), "My Work")
	assert.Equal(t, "My Work", named.Name)
}

func TestManager_SendRecordsResultMessageOnce(t *testing.T) {
	// The assistant event and the result event carry the same answer;
	// exactly one assistant message must be recorded.
	stub := writeStub(t, `
echo '{"type":"init","session_id":"tok-1"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"Final response text"}]}}'
echo '{"type":"result","session_id":"tok-1","result":"Final response text"}'
`)
	m := newTestManager(t, stub)
	s := m.CreateSession(t.TempDir(), "")

	m.Send(s.ID, "hello", SendOptions{})
	waitStatus(t, m, s.ID, StatusIdle)

	got, ok := m.Session(s.ID)
	require.True(t, ok)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, RoleUser, got.Messages[0].Role)
	assert.Equal(t, "hello", got.Messages[0].Content)
	assert.Equal(t, RoleAssistant, got.Messages[1].Role)
	assert.Equal(t, "Final response text", got.Messages[1].Content)
	assert.Equal(t, "tok-1", got.ResumeToken)
}

func TestManager_EmptyResultAppendsNoMessage(t *testing.T) {
	stub := writeStub(t, `echo '{"type":"result","result":""}'`)
	m := newTestManager(t, stub)
	s := m.CreateSession(t.TempDir(), "")

	m.Send(s.ID, "hello", SendOptions{})
	waitStatus(t, m, s.ID, StatusIdle)

	got, _ := m.Session(s.ID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, RoleUser, got.Messages[0].Role)
}

func TestManager_SendWhileRunningIsNoop(t *testing.T) {
	stub := writeStub(t, `sleep 2`)
	m := newTestManager(t, stub)
	s := m.CreateSession(t.TempDir(), "")

	m.Send(s.ID, "first", SendOptions{})
	waitStatus(t, m, s.ID, StatusRunning)

	m.Send(s.ID, "second", SendOptions{})

	got, _ := m.Session(s.ID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "first", got.Messages[0].Content)
	assert.Equal(t, StatusRunning, got.Status)

	m.CancelRequest(s.ID)
	waitStatus(t, m, s.ID, StatusIdle)
}

func TestManager_SendToUnknownSessionIsNoop(t *testing.T) {
	m := newTestManager(t, "claude")
	m.Send("no-such-session", "hello", SendOptions{})
}

func TestManager_ErrorEventReturnsToIdle(t *testing.T) {
	stub := writeStub(t, `
echo '{"type":"error","error":{"message":"model overloaded"}}'
sleep 1
`)
	m := newTestManager(t, stub)
	s := m.CreateSession(t.TempDir(), "")

	m.Send(s.ID, "hello", SendOptions{})

	// The error must unlock the session even before the process exits.
	waitStatus(t, m, s.ID, StatusIdle)

	got, _ := m.Session(s.ID)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, RoleSystem, got.Messages[1].Role)
	assert.Equal(t, "Error: model overloaded", got.Messages[1].Content)
}

func TestManager_StartFailureSurfacesSystemMessage(t *testing.T) {
	m := newTestManager(t, "/nonexistent/claude-binary")
	s := m.CreateSession(t.TempDir(), "")

	m.Send(s.ID, "hello", SendOptions{})
	waitStatus(t, m, s.ID, StatusIdle)

	got, _ := m.Session(s.ID)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, RoleSystem, got.Messages[1].Role)
	assert.Contains(t, got.Messages[1].Content, "Error:")
}

func TestManager_FileRefsPrefixMessage(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	stub := writeStub(t, `echo "$@" >> `+argsFile+`
echo '{"type":"result","result":"ok"}'`)
	m := newTestManager(t, stub)
	s := m.CreateSession(dir, "")

	m.Send(s.ID, "explain this", SendOptions{FileRefs: []string{"main.go", "util.go"}})
	waitStatus(t, m, s.ID, StatusIdle)

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "@main.go")
	assert.Contains(t, string(data), "@util.go")
	assert.Contains(t, string(data), "explain this")

	// History records the original text, not the expanded one.
	got, _ := m.Session(s.ID)
	assert.Equal(t, "explain this", got.Messages[0].Content)
}

func TestManager_ResumeTokenUsedOnNextTurn(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	stub := writeStub(t, `echo "$@" >> `+argsFile+`
echo '{"type":"result","session_id":"tok-9","result":"ok"}'`)
	m := newTestManager(t, stub)
	s := m.CreateSession(dir, "")

	m.Send(s.ID, "first", SendOptions{})
	waitStatus(t, m, s.ID, StatusIdle)
	m.Send(s.ID, "second", SendOptions{})
	waitStatus(t, m, s.ID, StatusIdle)

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0], "--resume")
	assert.Contains(t, lines[1], "--resume tok-9")
}

func TestManager_PermissionAcceptReplaysWithAllowlist(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	stub := writeStub(t, `echo "$@" >> `+argsFile+`
echo '{"type":"permission_request","request_id":"req-1","tool":{"name":"Bash","input":{"command":"rm -rf /tmp/x"}}}'`)
	m := newTestManager(t, stub)
	s := m.CreateSession(dir, "")

	m.Send(s.ID, "clean up", SendOptions{})
	waitStatus(t, m, s.ID, StatusIdle)

	m.RespondPermission(s.ID, true)
	waitStatus(t, m, s.ID, StatusIdle)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(argsFile)
		return err == nil && strings.Count(string(data), "\n") == 2
	}, 5*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "--allowedTools Bash(rm -rf /tmp/x)")

	// The replay is a system-level retry: no second user message.
	got, _ := m.Session(s.ID)
	userCount := 0
	for _, msg := range got.Messages {
		if msg.Role == RoleUser {
			userCount++
		}
	}
	assert.Equal(t, 1, userCount)
}

func TestManager_PermissionRejectIssuesNoReplay(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	stub := writeStub(t, `echo "$@" >> `+argsFile+`
echo '{"type":"permission_request","request_id":"req-1","tool":{"name":"Bash","input":{"command":"ls"}}}'`)
	m := newTestManager(t, stub)
	s := m.CreateSession(dir, "")

	m.Send(s.ID, "list files", SendOptions{})
	waitStatus(t, m, s.ID, StatusIdle)

	m.RespondPermission(s.ID, false)

	time.Sleep(200 * time.Millisecond)
	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"), "reject must not re-invoke")

	// The pending permission was consumed; a second respond is a no-op.
	m.RespondPermission(s.ID, true)
	time.Sleep(200 * time.Millisecond)
	data, err = os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
}

func TestManager_RemoveSessionStopsEventStream(t *testing.T) {
	// A process that ignores SIGTERM keeps streaming until the force
	// kill; nothing it emits after removal may reach the bus.
	stub := writeStub(t, `
trap '' TERM
sleep 1
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"late"}]}}'
echo '{"type":"result","result":"late"}'
`)
	bus := events.NewMemoryEventBus(events.MemoryBusConfig{HistoryMaxEvents: 100, HistoryMaxAge: time.Hour})
	defer bus.Close()

	removed := make(chan struct{})
	var mu sync.Mutex
	var late []string
	_, err := bus.Subscribe("*", func(_ context.Context, e events.Event) error {
		select {
		case <-removed:
		default:
			return nil
		}
		mu.Lock()
		late = append(late, e.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	st := NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	m := NewManager(stub, "", st, bus)
	s := m.CreateSession(t.TempDir(), "")

	m.Send(s.ID, "hello", SendOptions{})
	waitStatus(t, m, s.ID, StatusRunning)

	m.RemoveSession(s.ID)
	close(removed)

	// Wait out the stub's late output window.
	time.Sleep(1500 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var leaked []string
	for _, typ := range late {
		switch typ {
		case events.EventSessionStream, events.EventSessionText, events.EventSessionMessage,
			events.EventToolStarted, events.EventToolFinished:
			leaked = append(leaked, typ)
		}
	}
	assert.Empty(t, leaked, "events published for a removed session")
}

func TestManager_DefaultModelAppliedWhenUnset(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	stub := writeStub(t, `echo "$@" >> `+argsFile+`
echo '{"type":"result","result":"ok"}'`)
	st := NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	m := NewManager(stub, "sonnet", st, nil)
	s := m.CreateSession(dir, "")

	m.Send(s.ID, "first", SendOptions{})
	waitStatus(t, m, s.ID, StatusIdle)
	m.Send(s.ID, "second", SendOptions{Model: "opus"})
	waitStatus(t, m, s.ID, StatusIdle)

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "--model sonnet")
	assert.Contains(t, lines[1], "--model opus")
}

func TestManager_PermissionAcceptWhileRunningKeepsGrant(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	stub := writeStub(t, `echo "$@" >> `+argsFile+`
sleep 1`)
	m := newTestManager(t, stub)
	s := m.CreateSession(dir, "")

	m.Send(s.ID, "list files", SendOptions{})
	waitStatus(t, m, s.ID, StatusRunning)

	m.handlePermissionRequest(s.ID, "req-1", "Bash", map[string]interface{}{"command": "ls"})

	// Accepting while the triggering process is still alive must not
	// discard the grant; the request stays pending.
	m.RespondPermission(s.ID, true)
	_, _, _, pending := m.PendingPermission(s.ID)
	assert.True(t, pending)

	waitStatus(t, m, s.ID, StatusIdle)
	m.RespondPermission(s.ID, true)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(argsFile)
		return err == nil && strings.Contains(string(data), "--allowedTools Bash(ls)")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManager_RemoveSessionCancelsRunner(t *testing.T) {
	stub := writeStub(t, `sleep 30`)
	m := newTestManager(t, stub)
	s := m.CreateSession(t.TempDir(), "")

	m.Send(s.ID, "hello", SendOptions{})
	waitStatus(t, m, s.ID, StatusRunning)

	m.RemoveSession(s.ID)
	_, ok := m.Session(s.ID)
	assert.False(t, ok)
}

func TestManager_TerminateSessionsForDirBlocksSends(t *testing.T) {
	stub := writeStub(t, `echo '{"type":"result","result":"ok"}'`)
	m := newTestManager(t, stub)
	dir := t.TempDir()
	s := m.CreateSession(dir, "")
	other := m.CreateSession(t.TempDir(), "")

	m.TerminateSessionsForDir(dir)

	got, _ := m.Session(s.ID)
	assert.Equal(t, StatusTerminated, got.Status)
	untouched, _ := m.Session(other.ID)
	assert.Equal(t, StatusIdle, untouched.Status)

	m.Send(s.ID, "hello", SendOptions{})
	got, _ = m.Session(s.ID)
	assert.Empty(t, got.Messages)
}

func TestManager_PersistsAcrossRestart(t *testing.T) {
	stub := writeStub(t, `echo '{"type":"result","session_id":"tok-5","result":"remembered"}'`)
	storePath := filepath.Join(t.TempDir(), "sessions.json")
	workDir := t.TempDir()

	m := NewManager(stub, "", NewStore(storePath), nil)
	s := m.CreateSession(workDir, "Persistent")
	m.Send(s.ID, "hello", SendOptions{})
	waitStatus(t, m, s.ID, StatusIdle)

	m2 := NewManager(stub, "", NewStore(storePath), nil)
	loaded := m2.Sessions()
	require.Len(t, loaded, 1)
	assert.Equal(t, s.ID, loaded[0].ID)
	assert.Equal(t, "Persistent", loaded[0].Name)
	assert.Equal(t, "tok-5", loaded[0].ResumeToken)
	require.Len(t, loaded[0].Messages, 2)
}

func TestManager_PublishesLifecycleEvents(t *testing.T) {
	stub := writeStub(t, `echo '{"type":"result","result":"hi"}'`)
	bus := events.NewMemoryEventBus(events.MemoryBusConfig{HistoryMaxEvents: 100, HistoryMaxAge: time.Hour})
	defer bus.Close()

	var mu sync.Mutex
	var types []string
	_, err := bus.Subscribe("session.*", func(_ context.Context, e events.Event) error {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	st := NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	m := NewManager(stub, "", st, bus)

	s := m.CreateSession(t.TempDir(), "")
	m.Send(s.ID, "hello", SendOptions{})
	waitStatus(t, m, s.ID, StatusIdle)
	m.RemoveSession(s.ID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, want := range []string{
			events.EventSessionCreated,
			events.EventSessionMessage,
			events.EventSessionStatus,
			events.EventSessionRemoved,
		} {
			found := false
			for _, got := range types {
				if got == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}
