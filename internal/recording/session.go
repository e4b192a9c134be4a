// SPDX-License-Identifier: MIT

package recording

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a recording session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Session is the persisted record of one recording session. It is
// written atomically at every state change so a crash never leaves a
// half-written manifest.
type Session struct {
	SessionID   string              `json:"session_id"`
	CreatedAt   time.Time           `json:"created_at"`
	EndedAt     time.Time           `json:"ended_at,omitzero"`
	Cameras     []string            `json:"cameras"`
	Files       map[string][]string `json:"files"`
	Status      SessionStatus       `json:"status"`
	Annotations []string            `json:"annotations,omitempty"`
}

// Annotate appends a marker once.
func (s *Session) Annotate(note string) {
	for _, a := range s.Annotations {
		if a == note {
			return
		}
	}
	s.Annotations = append(s.Annotations, note)
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newSessionID builds a sortable, collision-resistant session ID of the
// form 20260824_153012_k3x9f2.
func newSessionID(now time.Time) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// Extremely unlikely; fall back to a UUID-derived suffix.
		copy(buf, strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	}
	for i, b := range buf {
		buf[i] = suffixAlphabet[int(b)%len(suffixAlphabet)]
	}
	return now.Format("20060102_150405") + "_" + string(buf)
}

// store persists session manifests as one JSON file per session.
type store struct {
	dir string
}

func newStore(dir string) (*store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &store{dir: dir}, nil
}

func (st *store) path(id string) string {
	return filepath.Join(st.dir, id+".json")
}

// save writes the manifest atomically.
func (st *store) save(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.SessionID, err)
	}
	if err := renameio.WriteFile(st.path(s.SessionID), data, 0o640); err != nil {
		return fmt.Errorf("write session %s: %w", s.SessionID, err)
	}
	return nil
}

// load reads one manifest.
func (st *store) load(id string) (*Session, error) {
	data, err := os.ReadFile(st.path(id)) // #nosec G304 -- path built from our own dir
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", id, err)
	}
	return &s, nil
}

// list returns all persisted sessions, newest first.
func (st *store) list() ([]*Session, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, err
	}
	var out []*Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		s, err := st.load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
