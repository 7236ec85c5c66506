// Package store holds the canonical in-memory session and group state and
// persists it crash-safely to disk. Store is the single writer of this
// state: SessionEngine routes every mutation through it, serialized by a
// single lock, while reads may proceed concurrently with each other.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ptydeck/ptydeckd/internal/proto"
)

// ErrNotFound is returned when an operation names a session or group id
// that does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrInvalidArgument is returned for validation failures — a dangling
// group_id reference or a group-reparent that would create a cycle.
var ErrInvalidArgument = errors.New("store: invalid argument")

// Store is the authoritative in-memory map of sessions and groups, with
// atomic on-disk snapshots. The zero value is not usable; use New or Load.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]proto.Session
	groups   map[string]proto.Group
	dir      string // state directory; empty disables persistence (tests)
}

// New returns an empty Store that persists to dir/state/*.json. If dir is
// empty, persistence is a no-op — useful for unit tests that only care
// about in-memory semantics.
func New(dir string) *Store {
	return &Store{
		sessions: make(map[string]proto.Session),
		groups:   make(map[string]proto.Group),
		dir:      dir,
	}
}

// Load constructs a Store and populates it from dir/state/*.json. A
// missing file is not an error (empty set); a parse failure is reported
// as CorruptState via the returned error, and the Store still comes back
// usable (empty for that collection) per the spec's "start with an empty
// set" recovery policy.
func Load(dir string) (*Store, error) {
	s := New(dir)

	sessions, sessErr := loadSessions(dir)
	if sessErr == nil {
		for _, sess := range sessions {
			sess.Status = proto.StatusStopped
			s.sessions[sess.ID] = sess
		}
	}

	groups, groupErr := loadGroups(dir)
	if groupErr == nil {
		for _, g := range groups {
			s.groups[g.ID] = g
		}
	}

	if sessErr != nil {
		return s, fmt.Errorf("load sessions: %w", sessErr)
	}
	if groupErr != nil {
		return s, fmt.Errorf("load groups: %w", groupErr)
	}
	return s, nil
}

// ─── reads ─────────────────────────────────────────────────────────────────

// GetSession returns a copy of the session, or ErrNotFound.
func (s *Store) GetSession(id string) (proto.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return proto.Session{}, ErrNotFound
	}
	return sess, nil
}

// ListSessions returns every session, sorted by (group_id, order) for
// display purposes; callers that need only root-level or only
// within-a-group ordering can filter the result.
func (s *Store) ListSessions() []proto.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]proto.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		gi, gj := groupKey(out[i].GroupID), groupKey(out[j].GroupID)
		if gi != gj {
			return gi < gj
		}
		return out[i].Order < out[j].Order
	})
	return out
}

// GetGroup returns a copy of the group, or ErrNotFound.
func (s *Store) GetGroup(id string) (proto.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return proto.Group{}, ErrNotFound
	}
	return g, nil
}

// ListGroups returns every group, sorted by (parent_id, order).
func (s *Store) ListGroups() []proto.Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]proto.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := groupKey(out[i].ParentID), groupKey(out[j].ParentID)
		if pi != pj {
			return pi < pj
		}
		return out[i].Order < out[j].Order
	})
	return out
}

func groupKey(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}

// ─── session mutations ──────────────────────────────────────────────────────

// InsertSession adds a new session, appended at the end of its parent's
// order, and persists the session set.
func (s *Store) InsertSession(sess proto.Session) (proto.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.GroupID != nil {
		if _, ok := s.groups[*sess.GroupID]; !ok {
			return proto.Session{}, fmt.Errorf("%w: group_id %q does not exist", ErrInvalidArgument, *sess.GroupID)
		}
	}

	sess.Order = uint32(s.countSessionSiblings(sess.GroupID))
	s.sessions[sess.ID] = sess

	if err := s.saveSessions(); err != nil {
		return sess, err
	}
	return sess, nil
}

// UpdateSession replaces the stored record for sess.ID, preserving Order
// and GroupID unless the caller has already adjusted them (use
// ReorderSession to change placement). Returns ErrNotFound if the id is
// unknown, or ErrInvalidArgument if GroupID names a nonexistent group.
func (s *Store) UpdateSession(sess proto.Session) (proto.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return proto.Session{}, ErrNotFound
	}
	if sess.GroupID != nil {
		if _, ok := s.groups[*sess.GroupID]; !ok {
			return proto.Session{}, fmt.Errorf("%w: group_id %q does not exist", ErrInvalidArgument, *sess.GroupID)
		}
	}

	s.sessions[sess.ID] = sess
	if err := s.saveSessions(); err != nil {
		return sess, err
	}
	return sess, nil
}

// MutateSession applies fn to a copy of the current session for id and
// writes the result back, all under the Store's single write lock —
// atomic against every other reader and writer. fn returning an error
// aborts the mutation: nothing is written back and the error propagates
// to the caller unwrapped, letting fn signal both real invariant
// violations (wrap ErrInvalidArgument) and a no-op "nothing changed"
// case with its own sentinel. Use this instead of GetSession followed
// by UpdateSession whenever the new value depends on the old one —
// callers on different goroutines (the classifier's settle goroutine,
// the exit pump, the output pump) would otherwise race a plain
// read-then-write against each other and silently lose an update.
func (s *Store) MutateSession(id string, fn func(*proto.Session) error) (proto.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return proto.Session{}, ErrNotFound
	}
	if err := fn(&sess); err != nil {
		return proto.Session{}, err
	}
	if sess.GroupID != nil {
		if _, ok := s.groups[*sess.GroupID]; !ok {
			return proto.Session{}, fmt.Errorf("%w: group_id %q does not exist", ErrInvalidArgument, *sess.GroupID)
		}
	}

	s.sessions[id] = sess
	if err := s.saveSessions(); err != nil {
		return sess, err
	}
	return sess, nil
}

// RemoveSession deletes the session and re-packs its former siblings'
// order values densely.
func (s *Store) RemoveSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	s.repackSessionOrders(sess.GroupID)

	return s.saveSessions()
}

// ReorderSession moves id into newParent immediately after afterID (or
// to index 0 if afterID is nil), reassigning dense order values for all
// affected siblings in both the old and new parent.
func (s *Store) ReorderSession(id string, newParent *string, afterID *string) (proto.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return proto.Session{}, ErrNotFound
	}
	if newParent != nil {
		if _, ok := s.groups[*newParent]; !ok {
			return proto.Session{}, fmt.Errorf("%w: group_id %q does not exist", ErrInvalidArgument, *newParent)
		}
	}
	if afterID != nil {
		if after, ok := s.sessions[*afterID]; !ok || !sameParent(after.GroupID, newParent) {
			return proto.Session{}, fmt.Errorf("%w: after_session_id %q is not in the target parent", ErrInvalidArgument, *afterID)
		}
	}

	oldParent := sess.GroupID

	siblings := s.siblingSessionIDsExcept(newParent, id)
	insertAt := len(siblings)
	if afterID != nil {
		for i, sid := range siblings {
			if sid == *afterID {
				insertAt = i + 1
				break
			}
		}
	} else {
		insertAt = 0
	}
	ordered := make([]string, 0, len(siblings)+1)
	ordered = append(ordered, siblings[:insertAt]...)
	ordered = append(ordered, id)
	ordered = append(ordered, siblings[insertAt:]...)

	for i, sid := range ordered {
		e := s.sessions[sid]
		e.GroupID = newParent
		e.Order = uint32(i)
		s.sessions[sid] = e
	}

	if !sameParent(oldParent, newParent) {
		s.repackSessionOrders(oldParent)
	}

	if err := s.saveSessions(); err != nil {
		return s.sessions[id], err
	}
	return s.sessions[id], nil
}

func (s *Store) countSessionSiblings(parent *string) int {
	n := 0
	for _, sess := range s.sessions {
		if sameParent(sess.GroupID, parent) {
			n++
		}
	}
	return n
}

func (s *Store) siblingSessionIDsExcept(parent *string, except string) []string {
	type entry struct {
		id    string
		order uint32
	}
	var entries []entry
	for id, sess := range s.sessions {
		if id == except {
			continue
		}
		if sameParent(sess.GroupID, parent) {
			entries = append(entries, entry{id, sess.Order})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

func (s *Store) repackSessionOrders(parent *string) {
	ids := s.siblingSessionIDsExcept(parent, "")
	for i, id := range ids {
		e := s.sessions[id]
		e.Order = uint32(i)
		s.sessions[id] = e
	}
}

// ─── group mutations ─────────────────────────────────────────────────────

// InsertGroup adds a new group, appended at the end of its parent's order.
func (s *Store) InsertGroup(g proto.Group) (proto.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.ParentID != nil {
		if _, ok := s.groups[*g.ParentID]; !ok {
			return proto.Group{}, fmt.Errorf("%w: parent_id %q does not exist", ErrInvalidArgument, *g.ParentID)
		}
	}

	g.Order = uint32(s.countGroupSiblings(g.ParentID))
	s.groups[g.ID] = g

	if err := s.saveGroups(); err != nil {
		return g, err
	}
	return g, nil
}

// UpdateGroup replaces the stored fields for g.ID (name, collapsed), and
// validates but does not itself apply a ParentID change to g.Order —
// callers that move a group between parents should use ReorderGroup.
func (s *Store) UpdateGroup(g proto.Group) (proto.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.groups[g.ID]
	if !ok {
		return proto.Group{}, ErrNotFound
	}

	if g.ParentID != nil && !sameParent(g.ParentID, existing.ParentID) {
		if _, ok := s.groups[*g.ParentID]; !ok {
			return proto.Group{}, fmt.Errorf("%w: parent_id %q does not exist", ErrInvalidArgument, *g.ParentID)
		}
		if s.isAncestor(g.ID, *g.ParentID) || g.ID == *g.ParentID {
			return proto.Group{}, fmt.Errorf("%w: reparenting %q under %q would create a cycle", ErrInvalidArgument, g.ID, *g.ParentID)
		}
	}

	s.groups[g.ID] = g
	if err := s.saveGroups(); err != nil {
		return g, err
	}
	return g, nil
}

// RemoveGroup deletes the group. It does not itself re-parent children —
// SessionEngine decides the re-parenting policy (SPEC_FULL.md §10) and
// moves the children with ReorderSession/ReorderGroup before this call.
func (s *Store) RemoveGroup(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.groups, id)
	s.repackGroupOrders(g.ParentID)

	return s.saveGroups()
}

// ReorderGroup moves id into newParent immediately after afterID (or to
// index 0 if afterID is nil). Rejects moves that would create a cycle
// (G1) or name a nonexistent parent.
func (s *Store) ReorderGroup(id string, newParent *string, afterID *string) (proto.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok {
		return proto.Group{}, ErrNotFound
	}
	if newParent != nil {
		if *newParent == id {
			return proto.Group{}, fmt.Errorf("%w: a group cannot be its own parent", ErrInvalidArgument)
		}
		if _, ok := s.groups[*newParent]; !ok {
			return proto.Group{}, fmt.Errorf("%w: parent_id %q does not exist", ErrInvalidArgument, *newParent)
		}
		if s.isAncestor(id, *newParent) {
			return proto.Group{}, fmt.Errorf("%w: reparenting %q under %q would create a cycle", ErrInvalidArgument, id, *newParent)
		}
	}
	if afterID != nil {
		if after, ok := s.groups[*afterID]; !ok || !sameParent(after.ParentID, newParent) {
			return proto.Group{}, fmt.Errorf("%w: after_group_id %q is not in the target parent", ErrInvalidArgument, *afterID)
		}
	}

	oldParent := g.ParentID

	siblings := s.siblingGroupIDsExcept(newParent, id)
	insertAt := 0
	if afterID != nil {
		insertAt = len(siblings)
		for i, gid := range siblings {
			if gid == *afterID {
				insertAt = i + 1
				break
			}
		}
	}
	ordered := make([]string, 0, len(siblings)+1)
	ordered = append(ordered, siblings[:insertAt]...)
	ordered = append(ordered, id)
	ordered = append(ordered, siblings[insertAt:]...)

	for i, gid := range ordered {
		e := s.groups[gid]
		e.ParentID = newParent
		e.Order = uint32(i)
		s.groups[gid] = e
	}

	if !sameParent(oldParent, newParent) {
		s.repackGroupOrders(oldParent)
	}

	if err := s.saveGroups(); err != nil {
		return s.groups[id], err
	}
	return s.groups[id], nil
}

// isAncestor reports whether candidate is an ancestor of id (walking
// parent pointers from id upward), used to reject cycle-forming moves.
// Must be called with s.mu held.
func (s *Store) isAncestor(id, candidate string) bool {
	visited := make(map[string]bool)
	cur := candidate
	for {
		if cur == id {
			return true
		}
		if visited[cur] {
			return false // defensive: pre-existing cycle, don't loop forever
		}
		visited[cur] = true
		g, ok := s.groups[cur]
		if !ok || g.ParentID == nil {
			return false
		}
		cur = *g.ParentID
	}
}

func (s *Store) countGroupSiblings(parent *string) int {
	n := 0
	for _, g := range s.groups {
		if sameParent(g.ParentID, parent) {
			n++
		}
	}
	return n
}

func (s *Store) siblingGroupIDsExcept(parent *string, except string) []string {
	type entry struct {
		id    string
		order uint32
	}
	var entries []entry
	for id, g := range s.groups {
		if id == except {
			continue
		}
		if sameParent(g.ParentID, parent) {
			entries = append(entries, entry{id, g.Order})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

func (s *Store) repackGroupOrders(parent *string) {
	ids := s.siblingGroupIDsExcept(parent, "")
	for i, id := range ids {
		e := s.groups[id]
		e.Order = uint32(i)
		s.groups[id] = e
	}
}

// ChildGroupIDs returns the ids of groups directly parented under
// parentID (nil for root), used by SessionEngine's group-delete
// re-parenting policy.
func (s *Store) ChildGroupIDs(parentID *string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.siblingGroupIDsExcept(parentID, "")
}

// ChildSessionIDs returns the ids of sessions directly parented under
// groupID.
func (s *Store) ChildSessionIDs(groupID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.siblingSessionIDsExcept(&groupID, "")
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
