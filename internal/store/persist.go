package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ptydeck/ptydeckd/internal/proto"
)

const (
	sessionsFile = "sessions.json"
	groupsFile   = "groups.json"
)

// ErrCorruptState wraps a failure to parse a persisted state file.
type ErrCorruptState struct {
	File string
	Err  error
}

func (e *ErrCorruptState) Error() string {
	return fmt.Sprintf("corrupt state file %s: %v", e.File, e.Err)
}
func (e *ErrCorruptState) Unwrap() error { return e.Err }

func stateDir(dir string) string { return filepath.Join(dir, "state") }

func loadSessions(dir string) ([]proto.Session, error) {
	if dir == "" {
		return nil, nil
	}
	path := filepath.Join(stateDir(dir), sessionsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var sessions []proto.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, &ErrCorruptState{File: path, Err: err}
	}
	return sessions, nil
}

func loadGroups(dir string) ([]proto.Group, error) {
	if dir == "" {
		return nil, nil
	}
	path := filepath.Join(stateDir(dir), groupsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var groups []proto.Group
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, &ErrCorruptState{File: path, Err: err}
	}
	return groups, nil
}

// saveSessions writes the full session set. Must be called with s.mu held.
func (s *Store) saveSessions() error {
	if s.dir == "" {
		return nil
	}
	out := make([]proto.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return atomicWriteJSON(stateDir(s.dir), sessionsFile, out)
}

// saveGroups writes the full group set. Must be called with s.mu held.
func (s *Store) saveGroups() error {
	if s.dir == "" {
		return nil
	}
	out := make([]proto.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return atomicWriteJSON(stateDir(s.dir), groupsFile, out)
}

// atomicWriteJSON implements the spec's crash-safe persistence protocol:
// serialize to a temp file, back up the existing target to name.bak, then
// atomically rename the temp file into place.
func atomicWriteJSON(dir, name string, v any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	target := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed into place

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp for %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", name, err)
	}

	if existing, err := os.ReadFile(target); err == nil {
		if err := os.WriteFile(target+".bak", existing, 0o644); err != nil {
			return fmt.Errorf("backup %s: %w", name, err)
		}
	}

	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("rename into %s: %w", name, err)
	}
	return nil
}
