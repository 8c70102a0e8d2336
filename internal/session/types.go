// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session manages conversational sessions backed by the claude
// CLI: one Session per conversation, one fresh process per turn.
package session

import (
	"fmt"
	"time"
)

// Status of a session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRunning    Status = "running"
	StatusTerminated Status = "terminated"
)

// Role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in a session's conversation history.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one conversation rooted in a working directory. ResumeToken
// is the claude CLI session_id used for --resume on the next turn.
type Session struct {
	ID          string    `json:"id"`
	WorkDir     string    `json:"work_dir"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	Messages    []Message `json:"messages"`
	Status      Status    `json:"status"`
	ResumeToken string    `json:"resume_token,omitempty"`
}

// defaultName derives a display name from the creation time.
func defaultName(createdAt time.Time) string {
	return fmt.Sprintf("Session %s", createdAt.Format("15:04"))
}

// clone returns a deep copy so callers can't mutate manager state.
func (s *Session) clone() *Session {
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return &out
}
