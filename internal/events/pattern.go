// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package events

import "strings"

// MatchPattern checks if an event type matches a subscription pattern.
// Patterns support wildcards:
// - "session.*" matches "session.created", "session.status", etc.
// - "*.requested" matches "permission.requested", etc.
// - "*" matches everything
func MatchPattern(eventType, pattern string) bool {
	if pattern == "" || eventType == "" {
		return false
	}

	if pattern == "*" {
		return true
	}

	if pattern == eventType {
		return true
	}

	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return strings.HasPrefix(eventType, prefix+".")
	}

	if strings.HasPrefix(pattern, "*.") {
		suffix := strings.TrimPrefix(pattern, "*.")
		return strings.HasSuffix(eventType, "."+suffix)
	}

	return false
}
