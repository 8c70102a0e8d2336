// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"encoding/json"
	"strings"
)

// wireLine mirrors the top-level shape of one NDJSON line. Every field is
// optional; decoding must never fail a line over a missing field.
type wireLine struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id"`
	Message    json.RawMessage `json:"message"`
	Tool       wireTool        `json:"tool"`
	Result     json.RawMessage `json:"result"`
	Error      wireError       `json:"error"`
	CostUSD    float64         `json:"cost_usd"`
	DurationMS int64           `json:"duration_ms"`
	RequestID  string          `json:"request_id"`
}

type wireTool struct {
	Name   string                 `json:"name"`
	Input  map[string]interface{} `json:"input"`
	Result string                 `json:"result"`
}

type wireError struct {
	Message string `json:"message"`
}

// Decode parses one complete line from the streaming protocol. The second
// return value is false when the line is not JSON; such lines are passed
// through as raw text by the caller, never dropped.
func Decode(line []byte) (Event, bool) {
	var wire wireLine
	if err := json.Unmarshal(line, &wire); err != nil {
		return Event{}, false
	}

	event := Event{SessionID: wire.SessionID}

	switch wire.Type {
	case EventInit:
		event.Type = EventInit

	case EventAssistant, EventUserInput:
		event.Type = wire.Type
		event.Content = extractText(wire.Message)

	case EventToolUse:
		event.Type = EventToolUse
		event.ToolName = wire.Tool.Name
		event.ToolInput = wire.Tool.Input

	case EventToolResult:
		event.Type = EventToolResult
		event.ToolName = wire.Tool.Name
		event.ToolResult = wire.Tool.Result

	case EventResult:
		event.Type = EventResult
		event.CostUSD = wire.CostUSD
		event.DurationMS = wire.DurationMS
		event.Content = resultText(wire.Result)

	case EventError:
		event.Type = EventError
		event.Content = wire.Error.Message
		if event.Content == "" {
			event.Content = strings.TrimSpace(string(line))
		}

	case EventPermissionRequest:
		event.Type = EventPermissionRequest
		event.ToolName = wire.Tool.Name
		event.ToolInput = wire.Tool.Input
		event.RequestID = wire.RequestID

	default:
		// Unrecognized or absent type: surface, never discard.
		event.Type = EventUnknown
		event.Raw = append(json.RawMessage(nil), line...)
	}

	return event, true
}

// extractText pulls the text out of a message's content blocks. Blocks are
// either {"type":"text","text":...} objects or bare strings; they are
// joined with newlines in arrival order.
func extractText(message json.RawMessage) string {
	if len(message) == 0 {
		return ""
	}

	var msg struct {
		Content []json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return ""
	}

	var texts []string
	for _, block := range msg.Content {
		var s string
		if err := json.Unmarshal(block, &s); err == nil {
			texts = append(texts, s)
			continue
		}
		var tb struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(block, &tb); err == nil && tb.Type == "text" {
			texts = append(texts, tb.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// resultText extracts the final answer from a result field, which is
// either a plain string or a {"text":...} object.
func resultText(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(result, &s); err == nil {
		return s
	}

	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(result, &obj); err == nil {
		return obj.Text
	}
	return ""
}
