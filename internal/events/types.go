// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package events provides the session-scoped event bus for Canopy.
package events

import (
	"context"
	"time"
)

// Event represents an immutable event record. Session carries the session
// identifier the event is scoped to; empty for app-wide events.
type Event struct {
	ID        string                 `json:"id"`
	Version   string                 `json:"version"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Session   string                 `json:"session,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
}

// EventHandler processes received events.
type EventHandler func(ctx context.Context, event Event) error

// SubscriptionID uniquely identifies a subscription.
type SubscriptionID string

// EventFilter for querying event history.
type EventFilter struct {
	Types   []string  // Event types to match (supports wildcards)
	Session string    // Filter by session identifier
	Since   time.Time // Events after this time
	Until   time.Time // Events before this time
	Limit   int       // Maximum events to return
}

// EventBus is the core event pub/sub system.
type EventBus interface {
	// Publish emits an event to all matching subscribers.
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a synchronous handler for events matching pattern.
	Subscribe(pattern string, handler EventHandler) (SubscriptionID, error)

	// SubscribeAsync registers an async handler with a buffered channel.
	SubscribeAsync(pattern string, handler EventHandler, bufferSize int) (SubscriptionID, error)

	// Unsubscribe removes a subscription.
	Unsubscribe(id SubscriptionID) error

	// History retrieves past events matching filter.
	History(filter EventFilter) ([]Event, error)

	// Close shuts down the event bus gracefully.
	Close() error
}

// Common event types
const (
	// Session lifecycle events
	EventSessionCreated = "session.created"
	EventSessionRemoved = "session.removed"
	EventSessionUpdated = "session.updated"
	EventSessionMessage = "session.message"
	EventSessionStatus  = "session.status"

	// Streaming events during a turn
	EventSessionStream = "session.stream"
	EventSessionText   = "session.text"
	EventToolStarted   = "tool.started"
	EventToolFinished  = "tool.finished"

	// Permission negotiation
	EventPermissionRequested = "permission.requested"

	// Worktree events
	EventWorktreeRemoved = "worktree.removed"
)
