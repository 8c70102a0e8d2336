// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// storeDocument is the on-disk shape: one JSON document holding all
// session records.
type storeDocument struct {
	Sessions []*Session `json:"sessions"`
}

// Store persists sessions as a single JSON file. The file is fully
// rewritten on every save; callers serialize writes.
type Store struct {
	path string
}

// NewStore creates a store rooted at the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads all saved sessions. A missing or corrupted file is treated
// as no saved sessions; storage problems never prevent startup. Sessions
// whose working directory no longer exists are dropped, and loaded
// sessions always come back Idle.
func (st *Store) Load() []*Session {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("session: cannot read store %s: %v", st.path, err)
		}
		return nil
	}

	var doc storeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Printf("session: ignoring corrupted store %s: %v", st.path, err)
		return nil
	}

	sessions := make([]*Session, 0, len(doc.Sessions))
	for _, s := range doc.Sessions {
		if s == nil || s.ID == "" {
			continue
		}
		if _, err := os.Stat(s.WorkDir); err != nil {
			log.Printf("session: dropping %s, workdir %s is gone", s.ID, s.WorkDir)
			continue
		}
		s.Status = StatusIdle
		sessions = append(sessions, s)
	}
	return sessions
}

// Save writes all sessions to disk atomically via temp file + rename.
func (st *Store) Save(sessions []*Session) error {
	doc := storeDocument{Sessions: sessions}
	if doc.Sessions == nil {
		doc.Sessions = []*Session{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}

	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	tmpPath := st.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp sessions file: %w", err)
	}
	if err := os.Rename(tmpPath, st.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename sessions file: %w", err)
	}
	return nil
}
