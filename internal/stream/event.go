// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package stream parses the NDJSON protocol emitted by
// claude --output-format stream-json.
package stream

import "encoding/json"

// Event types emitted by the Claude CLI streaming protocol.
const (
	EventInit              = "init"
	EventUserInput         = "user_input"
	EventAssistant         = "assistant"
	EventToolUse           = "tool_use"
	EventToolResult        = "tool_result"
	EventResult            = "result"
	EventError             = "error"
	EventPermissionRequest = "permission_request"
	EventUnknown           = "unknown"
)

// Event is a parsed line from the streaming protocol. Fields are populated
// per type; SessionID is captured on every variant that carries one so the
// runtime can refresh its resume token opportunistically.
type Event struct {
	Type       string                 `json:"type"`
	Content    string                 `json:"content,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
	ToolName   string                 `json:"tool_name,omitempty"`
	ToolInput  map[string]interface{} `json:"tool_input,omitempty"`
	ToolResult string                 `json:"tool_result,omitempty"`
	CostUSD    float64                `json:"cost_usd,omitempty"`
	DurationMS int64                  `json:"duration_ms,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Raw        json.RawMessage        `json:"raw,omitempty"` // original line, kept for unknown types
}

// ToolArgs is the typed view of a tool_input payload. The dynamic map stays
// at the protocol boundary; everything past the decoder works with this.
type ToolArgs struct {
	Command  string
	FilePath string
	Pattern  string
}

// Args extracts the well-known tool input fields.
func (e *Event) Args() ToolArgs {
	var args ToolArgs
	if e.ToolInput == nil {
		return args
	}
	if v, ok := e.ToolInput["command"].(string); ok {
		args.Command = v
	}
	if v, ok := e.ToolInput["file_path"].(string); ok {
		args.FilePath = v
	}
	if v, ok := e.ToolInput["pattern"].(string); ok {
		args.Pattern = v
	}
	return args
}
