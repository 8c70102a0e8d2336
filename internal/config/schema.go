// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config handles HJSON configuration loading for canopy.
package config

import (
	"time"
)

// Config is the root configuration structure for Canopy.
type Config struct {
	Version  string         `json:"version"`
	Project  ProjectConfig  `json:"project"`
	Server   ServerConfig   `json:"server"`
	Claude   ClaudeConfig   `json:"claude"`
	Sessions SessionsConfig `json:"sessions"`
	Events   EventsConfig   `json:"events"`
	Watch    WatchConfig    `json:"watch"`
}

// ProjectConfig contains project metadata.
type ProjectConfig struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port    int    `json:"port"`
	Host    string `json:"host"`
	TLSCert string `json:"tls_cert"` // Path to TLS certificate file (enables HTTPS if both cert and key set)
	TLSKey  string `json:"tls_key"`  // Path to TLS private key file
}

// ClaudeConfig configures the claude CLI invocation.
type ClaudeConfig struct {
	Command string `json:"command"` // Executable name or path, default "claude"
	Model   string `json:"model"`   // Optional default model identifier
}

// SessionsConfig configures session persistence.
type SessionsConfig struct {
	StateDir string `json:"state_dir"` // Directory holding sessions.json
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	History HistoryConfig `json:"history"`
}

// HistoryConfig configures event history retention.
type HistoryConfig struct {
	MaxEvents int    `json:"max_events"`
	MaxAge    string `json:"max_age"` // Duration string, e.g. "1h"
}

// WatchConfig configures working-directory watching.
type WatchConfig struct {
	Debounce string `json:"debounce"` // Duration string, e.g. "200ms"
}

// MaxAgeDuration parses the history max age, falling back to one hour.
func (h HistoryConfig) MaxAgeDuration() time.Duration {
	d, err := time.ParseDuration(h.MaxAge)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// DebounceDuration parses the watch debounce, falling back to 200ms.
func (w WatchConfig) DebounceDuration() time.Duration {
	d, err := time.ParseDuration(w.Debounce)
	if err != nil || d <= 0 {
		return 200 * time.Millisecond
	}
	return d
}
