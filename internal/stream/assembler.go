// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package stream

import "strings"

// LineAssembler reassembles complete lines from arbitrarily-chunked process
// output. A trailing line without a terminator stays buffered across Feed
// calls until the terminator arrives or the process exits.
type LineAssembler struct {
	carry string
}

// NewLineAssembler creates a line assembler with an empty buffer.
func NewLineAssembler() *LineAssembler {
	return &LineAssembler{}
}

// Feed appends chunk to the carry-over buffer and returns all complete
// lines, trimmed of surrounding whitespace. Empty lines are returned as
// empty strings; the caller decides whether to discard them.
func (a *LineAssembler) Feed(chunk string) []string {
	buf := a.carry + chunk

	var lines []string
	for {
		idx := strings.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, strings.TrimSpace(buf[:idx]))
		buf = buf[idx+1:]
	}

	a.carry = buf
	return lines
}

// Rest returns the buffered incomplete trailing line, trimmed. Used at
// process exit for one final decode attempt.
func (a *LineAssembler) Rest() string {
	return strings.TrimSpace(a.carry)
}

// Reset clears the buffer for a fresh process invocation.
func (a *LineAssembler) Reset() {
	a.carry = ""
}
