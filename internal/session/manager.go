// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wingedpig/canopy/internal/events"
	"github.com/wingedpig/canopy/internal/runner"
	"github.com/wingedpig/canopy/internal/stream"
)

// SendOptions tune one turn submission.
type SendOptions struct {
	FileRefs     []string // expanded as @ref lines prefixed to the message
	Model        string
	AllowedTools []string
	// SkipUserMessage suppresses recording a User message; set for the
	// system-level replay after a permission grant.
	SkipUserMessage bool
}

// pendingPermission holds the last unanswered permission request for a
// session. Cleared unconditionally once the user responds.
type pendingPermission struct {
	requestID string
	toolName  string
	toolInput map[string]interface{}
}

// pendingTurn is the last submitted turn for a session, kept so it can
// be replayed with an expanded allowlist after a permission grant.
type pendingTurn struct {
	text     string
	fileRefs []string
	model    string
}

// Manager owns all sessions and their per-turn runners. At most one
// runner is in flight per session; a send while one is running is
// silently ignored rather than queued.
type Manager struct {
	command      string
	defaultModel string
	store        *Store
	bus          events.EventBus

	mu           sync.Mutex
	sessions     map[string]*Session
	runners      map[string]*runner.Runner
	pendingPerms map[string]*pendingPermission
	pendingTurns map[string]*pendingTurn

	storeMu sync.Mutex // single-writer discipline for the store file
}

// NewManager loads saved sessions and returns a ready manager. The bus
// is optional; a nil bus disables event publication. defaultModel is
// used for turns that do not name a model themselves.
func NewManager(command, defaultModel string, store *Store, bus events.EventBus) *Manager {
	m := &Manager{
		command:      command,
		defaultModel: defaultModel,
		store:        store,
		bus:          bus,
		sessions:     make(map[string]*Session),
		runners:      make(map[string]*runner.Runner),
		pendingPerms: make(map[string]*pendingPermission),
		pendingTurns: make(map[string]*pendingTurn),
	}
	for _, s := range store.Load() {
		m.sessions[s.ID] = s
	}
	return m
}

// CreateSession allocates a new session rooted at workDir. The name
// defaults to the creation time when empty.
func (m *Manager) CreateSession(workDir, name string) *Session {
	now := time.Now()
	if name == "" {
		name = defaultName(now)
	}
	s := &Session{
		ID:        uuid.NewString(),
		WorkDir:   workDir,
		Name:      name,
		CreatedAt: now,
		Messages:  []Message{},
		Status:    StatusIdle,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	out := s.clone()
	m.mu.Unlock()

	m.persist()
	m.publish(events.EventSessionCreated, s.ID, map[string]interface{}{
		"name":     s.Name,
		"work_dir": s.WorkDir,
	})
	return out
}

// Send submits one turn. It is a silent no-op when the session is
// unknown or already has a turn in flight. The pending turn is recorded
// before dispatch so a permission grant can replay it.
func (m *Manager) Send(sessionID, text string, opts SendOptions) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status == StatusTerminated || m.runners[sessionID] != nil {
		m.mu.Unlock()
		return
	}

	model := opts.Model
	if model == "" {
		model = m.defaultModel
	}

	m.pendingTurns[sessionID] = &pendingTurn{
		text:     text,
		fileRefs: opts.FileRefs,
		model:    model,
	}

	var userMsg *Message
	if !opts.SkipUserMessage {
		msg := Message{Role: RoleUser, Content: text, Timestamp: time.Now()}
		s.Messages = append(s.Messages, msg)
		userMsg = &msg
	}
	s.Status = StatusRunning

	expanded := expandMessage(text, opts.FileRefs)
	resume := s.ResumeToken
	workDir := s.WorkDir

	var r *runner.Runner
	r = runner.New(m.command, runner.Callbacks{
		OnEvent: func(e stream.Event) {
			m.handleEvent(sessionID, r, e)
		},
		OnAssistantText: func(text string) {
			if !m.currentRunner(sessionID, r) {
				return
			}
			m.publish(events.EventSessionText, sessionID, map[string]interface{}{"text": text})
		},
		OnToolUse: func(name string, input map[string]interface{}) {
			if !m.currentRunner(sessionID, r) {
				return
			}
			m.publish(events.EventToolStarted, sessionID, map[string]interface{}{
				"tool_name":  name,
				"tool_input": input,
			})
		},
		OnToolResult: func(name, result string) {
			if !m.currentRunner(sessionID, r) {
				return
			}
			m.publish(events.EventToolFinished, sessionID, map[string]interface{}{
				"tool_name": name,
				"result":    result,
			})
		},
		OnPermissionRequest: func(requestID, name string, input map[string]interface{}) {
			m.handlePermissionRequest(sessionID, requestID, name, input)
		},
		OnError: func(msg string) {
			m.handleError(sessionID, msg)
		},
		OnFinished: func(code int) {
			m.handleFinished(sessionID, r, code)
		},
	})
	m.runners[sessionID] = r
	m.mu.Unlock()

	if userMsg != nil {
		m.publishMessage(sessionID, *userMsg)
	}
	m.publish(events.EventSessionStatus, sessionID, map[string]interface{}{"status": string(StatusRunning)})

	err := r.Start(expanded, workDir, runner.Options{
		Resume:       resume,
		AllowedTools: opts.AllowedTools,
		Model:        model,
	})
	if err != nil {
		log.Printf("session: %s: %v", sessionID, err)
		m.mu.Lock()
		if m.runners[sessionID] == r {
			delete(m.runners, sessionID)
		}
		m.mu.Unlock()
		m.handleError(sessionID, err.Error())
		m.persist()
	}
}

// handleEvent applies the event-to-state reductions as stream events
// arrive from the runner. A runner that is no longer registered (the
// session was removed, the process outliving the kill grace) gets its
// events dropped entirely.
func (m *Manager) handleEvent(sessionID string, r *runner.Runner, e stream.Event) {
	if !m.currentRunner(sessionID, r) {
		return
	}
	m.publish(events.EventSessionStream, sessionID, map[string]interface{}{"event": e})

	switch e.Type {
	case stream.EventInit:
		if e.SessionID == "" {
			return
		}
		m.mu.Lock()
		if s, ok := m.sessions[sessionID]; ok {
			s.ResumeToken = e.SessionID
		}
		m.mu.Unlock()

	case stream.EventResult:
		var msg *Message
		m.mu.Lock()
		s, ok := m.sessions[sessionID]
		if ok {
			if e.SessionID != "" {
				s.ResumeToken = e.SessionID
			}
			// The result event is the single authoritative point for
			// recording the assistant's answer; assistant-typed events
			// carry the same text and must not also append.
			if e.Content != "" {
				appended := Message{Role: RoleAssistant, Content: e.Content, Timestamp: time.Now()}
				s.Messages = append(s.Messages, appended)
				msg = &appended
			}
		}
		m.mu.Unlock()
		if !ok {
			return
		}
		if msg != nil {
			m.publishMessage(sessionID, *msg)
		}
		m.persist()

	case stream.EventError:
		m.handleError(sessionID, e.Content)
	}
}

// handleError records an error as a System message and, if a turn was
// running, returns the session to Idle so it is never left stuck.
func (m *Manager) handleError(sessionID, errText string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	msg := Message{Role: RoleSystem, Content: fmt.Sprintf("Error: %s", errText), Timestamp: time.Now()}
	s.Messages = append(s.Messages, msg)
	wasRunning := s.Status == StatusRunning
	if wasRunning {
		s.Status = StatusIdle
	}
	m.mu.Unlock()

	m.publishMessage(sessionID, msg)
	if wasRunning {
		m.publish(events.EventSessionStatus, sessionID, map[string]interface{}{"status": string(StatusIdle)})
	}
}

// handlePermissionRequest stores the request for a later respond call
// and surfaces it. Session status is left untouched.
func (m *Manager) handlePermissionRequest(sessionID, requestID, toolName string, toolInput map[string]interface{}) {
	m.mu.Lock()
	if _, ok := m.sessions[sessionID]; !ok {
		m.mu.Unlock()
		return
	}
	m.pendingPerms[sessionID] = &pendingPermission{
		requestID: requestID,
		toolName:  toolName,
		toolInput: toolInput,
	}
	m.mu.Unlock()

	m.publish(events.EventPermissionRequested, sessionID, map[string]interface{}{
		"request_id": requestID,
		"tool_name":  toolName,
		"tool_input": toolInput,
	})
}

// currentRunner reports whether r is still the registered runner for
// the session. A cancelled process can keep streaming for the length of
// the kill grace; its output must not reach the bus.
func (m *Manager) currentRunner(sessionID string, r *runner.Runner) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runners[sessionID] == r
}

// handleFinished runs when a turn's process has exited, whatever the
// outcome. The runner identity check discards stale callbacks from a
// turn that was already superseded.
func (m *Manager) handleFinished(sessionID string, r *runner.Runner, exitCode int) {
	m.mu.Lock()
	if m.runners[sessionID] == r {
		delete(m.runners, sessionID)
	}
	s, ok := m.sessions[sessionID]
	becameIdle := false
	if ok && s.Status == StatusRunning {
		s.Status = StatusIdle
		becameIdle = true
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if becameIdle {
		m.publish(events.EventSessionStatus, sessionID, map[string]interface{}{"status": string(StatusIdle)})
	}
	m.persist()
}

// RespondPermission answers the pending permission request. A reject
// discards it. An accept builds a tool allowlist pattern from the stored
// request and replays the pending turn with it, without recording a new
// user message.
func (m *Manager) RespondPermission(sessionID string, accept bool) {
	m.mu.Lock()
	perm := m.pendingPerms[sessionID]
	turn := m.pendingTurns[sessionID]

	if perm == nil || !accept || turn == nil {
		delete(m.pendingPerms, sessionID)
		delete(m.pendingTurns, sessionID)
		m.mu.Unlock()
		return
	}

	// The triggering process can still be alive when the user accepts;
	// replaying now would no-op on the in-flight check and lose the
	// grant. Keep the request pending until the turn has finished.
	if m.runners[sessionID] != nil {
		m.mu.Unlock()
		return
	}

	delete(m.pendingPerms, sessionID)
	delete(m.pendingTurns, sessionID)
	m.mu.Unlock()

	pattern := toolPattern(perm.toolName, perm.toolInput)
	m.Send(sessionID, turn.text, SendOptions{
		FileRefs:        turn.fileRefs,
		Model:           turn.model,
		AllowedTools:    []string{pattern},
		SkipUserMessage: true,
	})
}

// PendingPermission returns the unanswered permission request for a
// session, if one is waiting. Useful for re-prompting a reconnecting
// client; the request stays pending until answered.
func (m *Manager) PendingPermission(sessionID string) (requestID, toolName string, toolInput map[string]interface{}, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	perm := m.pendingPerms[sessionID]
	if perm == nil {
		return "", "", nil, false
	}
	return perm.requestID, perm.toolName, perm.toolInput, true
}

// CancelRequest cancels the in-flight turn, if any.
func (m *Manager) CancelRequest(sessionID string) {
	m.mu.Lock()
	r := m.runners[sessionID]
	m.mu.Unlock()
	if r != nil {
		r.Cancel()
	}
}

// RemoveSession cancels any active turn and deletes the session.
func (m *Manager) RemoveSession(sessionID string) {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	r := m.runners[sessionID]
	delete(m.sessions, sessionID)
	delete(m.runners, sessionID)
	delete(m.pendingPerms, sessionID)
	delete(m.pendingTurns, sessionID)
	m.mu.Unlock()

	if r != nil {
		r.Cancel()
	}
	m.persist()
	m.publish(events.EventSessionRemoved, sessionID, nil)
}

// RenameSession updates the display name.
func (m *Manager) RenameSession(sessionID, name string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		s.Name = name
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.persist()
	m.publish(events.EventSessionUpdated, sessionID, map[string]interface{}{"name": name})
	return true
}

// Session returns a copy of one session.
func (m *Manager) Session(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// Sessions returns copies of all sessions, oldest first.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SessionsForDir returns copies of the sessions rooted at workDir.
func (m *Manager) SessionsForDir(workDir string) []*Session {
	all := m.Sessions()
	out := make([]*Session, 0, len(all))
	for _, s := range all {
		if s.WorkDir == workDir {
			out = append(out, s)
		}
	}
	return out
}

// RemoveSessionsForDir removes every session rooted at workDir.
func (m *Manager) RemoveSessionsForDir(workDir string) {
	for _, s := range m.SessionsForDir(workDir) {
		m.RemoveSession(s.ID)
	}
}

// TerminateSessionsForDir marks every session rooted at workDir as
// terminated and cancels their turns. Terminated sessions stay in
// history but accept no further sends.
func (m *Manager) TerminateSessionsForDir(workDir string) {
	var cancels []*runner.Runner
	var changed []string

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.WorkDir != workDir || s.Status == StatusTerminated {
			continue
		}
		s.Status = StatusTerminated
		changed = append(changed, id)
		if r := m.runners[id]; r != nil {
			cancels = append(cancels, r)
		}
	}
	m.mu.Unlock()

	for _, r := range cancels {
		r.Cancel()
	}
	for _, id := range changed {
		m.publish(events.EventSessionStatus, id, map[string]interface{}{"status": string(StatusTerminated)})
	}
	if len(changed) > 0 {
		m.persist()
	}
}

// Shutdown cancels all in-flight turns and persists final state.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	runners := make([]*runner.Runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	for _, r := range runners {
		r.Cancel()
	}
	m.persist()
}

// persist snapshots all sessions and rewrites the store file.
func (m *Manager) persist() {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s.clone())
	}
	m.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})

	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	if err := m.store.Save(list); err != nil {
		log.Printf("session: persist failed: %v", err)
	}
}

func (m *Manager) publish(eventType, sessionID string, payload map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(context.Background(), events.Event{
		Type:    eventType,
		Session: sessionID,
		Payload: payload,
	})
}

func (m *Manager) publishMessage(sessionID string, msg Message) {
	m.publish(events.EventSessionMessage, sessionID, map[string]interface{}{
		"role":      string(msg.Role),
		"content":   msg.Content,
		"timestamp": msg.Timestamp,
	})
}

// toolPattern builds the allowlist entry granted by accepting a
// permission request. Bash grants the exact command only; file tools
// grant the exact path; anything else grants the whole tool.
func toolPattern(toolName string, toolInput map[string]interface{}) string {
	args := (&stream.Event{ToolName: toolName, ToolInput: toolInput}).Args()
	switch toolName {
	case "Bash":
		if args.Command != "" {
			return fmt.Sprintf("Bash(%s)", args.Command)
		}
	case "Read", "Write", "Edit":
		if args.FilePath != "" {
			return fmt.Sprintf("%s(%s)", toolName, args.FilePath)
		}
	}
	return toolName
}

// expandMessage prefixes @ref lines for each file reference.
func expandMessage(text string, fileRefs []string) string {
	if len(fileRefs) == 0 {
		return text
	}
	var b strings.Builder
	for _, ref := range fileRefs {
		b.WriteString("@")
		b.WriteString(ref)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(text)
	return b.String()
}
