// Package engine implements SessionEngine: the orchestration layer that
// ties Store, PtyHost, Classifier, and EventBus together into the
// create/stop/restart/fork/delete/input/resize/update/reorder operations
// IpcServer exposes over the wire.
//
// Mutating methods follow the same shape: validate, mutate PtyHost and/or
// Store, publish one event describing the new state of each affected
// entity. Most publish exactly one; DeleteGroup also publishes an update
// for every child it re-parents, and InputSession and ResizeSession
// publish none. PtyHost output and exit are drained by background
// goroutines started in New, not by the methods below.
package engine

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/ptydeck/ptydeckd/internal/classifier"
	"github.com/ptydeck/ptydeckd/internal/config"
	"github.com/ptydeck/ptydeckd/internal/eventbus"
	"github.com/ptydeck/ptydeckd/internal/proto"
	"github.com/ptydeck/ptydeckd/internal/ptyhost"
	"github.com/ptydeck/ptydeckd/internal/store"
)

// defaultRows/defaultCols is the PTY size a session gets until the first
// client-issued resize.
const (
	defaultRows = 24
	defaultCols = 80
)

// Engine wires Store, PtyHost, Classifier, and EventBus together and
// exposes the daemon's session/group operations.
type Engine struct {
	store      *store.Store
	host       *ptyhost.Host
	classifier *classifier.Classifier
	bus        *eventbus.Bus
	cfg        config.Config
	dataDir    string

	claudeIDPattern *regexp.Regexp
	now             func() time.Time
}

// New wires the given components into an Engine and starts its output/exit
// pump goroutines. The classifier's StatusChanged callback is overwritten
// to route into the engine — callers should not set it separately. dataDir
// is the daemon's data directory; it is consulted on every spawn for an
// optional dotenv-style env override file (see config.LoadChildEnv).
func New(st *store.Store, host *ptyhost.Host, cls *classifier.Classifier, bus *eventbus.Bus, cfg config.Config, dataDir string) *Engine {
	e := &Engine{
		store:      st,
		host:       host,
		classifier: cls,
		bus:        bus,
		cfg:        cfg,
		dataDir:    dataDir,
		now:        time.Now,
	}
	if cfg.Child.SessionIDPattern != "" {
		if re, err := regexp.Compile(cfg.Child.SessionIDPattern); err == nil {
			e.claudeIDPattern = re
		}
	}
	cls.StatusChanged = e.onStatusChanged

	go e.pumpOutput()
	go e.pumpExit()

	return e
}

func (e *Engine) pumpOutput() {
	for chunk := range e.host.Output {
		if e.isStaleGeneration(chunk.SessionID, chunk.Generation) {
			continue // superseded child; a respawn has already replaced it
		}
		e.classifier.Observe(chunk.SessionID, chunk.Data)
		e.extractClaudeSessionID(chunk.SessionID, chunk.Data)
		e.publishEvent(proto.EventPtyOutput, proto.PtyOutputEvent{
			SessionID: chunk.SessionID,
			Output:    base64.StdEncoding.EncodeToString(chunk.Data),
		})
	}
}

func (e *Engine) pumpExit() {
	for ev := range e.host.Exit {
		if e.isStaleGeneration(ev.SessionID, ev.Generation) {
			continue // the child that produced this exit has already been respawned
		}
		e.markStopped(ev.SessionID)
		e.publishEvent(proto.EventPtyExit, proto.PtyExitEvent{SessionID: ev.SessionID, ExitCode: ev.ExitCode})
	}
}

// isStaleGeneration reports whether an OutputChunk/ExitEvent tagged with
// generation was produced by a child ptyhost has since replaced with a
// newer one for the same session id — the RestartSession race where the
// old child's reader goroutine deletes its map entry and only then sends
// its ExitEvent, after RestartSession has already spawned (and this
// engine has already marked Running) the replacement.
func (e *Engine) isStaleGeneration(sessionID string, generation uint64) bool {
	current, alive := e.host.CurrentGeneration(sessionID)
	return alive && current != generation
}

// errNoChange is returned by a MutateSession callback to signal "nothing
// to do" without that being treated as a real failure by callers that
// only care whether a write happened.
var errNoChange = errors.New("engine: no change")

func (e *Engine) onStatusChanged(sessionID string, status proto.SessionStatus) {
	sess, err := e.store.MutateSession(sessionID, func(s *proto.Session) error {
		if s.Status == proto.StatusStopped || s.Status == status {
			return errNoChange
		}
		s.Status = status
		return nil
	})
	if err != nil {
		return // session gone, or nothing to change
	}
	e.publishEvent(proto.EventSessionStatusChange, proto.SessionStatusChangedEvent{SessionID: sessionID, Status: sess.Status})
}

// markStopped transitions a session to Stopped exactly once, emitting
// session.status_changed the first time it's observed — from an explicit
// Stop call or from the exit pump, whichever notices first. The whole
// read-modify-write happens inside MutateSession's lock so a concurrent
// onStatusChanged or extractClaudeSessionID call for the same session
// can't interleave with it and lose this update (or have its own lost).
func (e *Engine) markStopped(sessionID string) {
	_, err := e.store.MutateSession(sessionID, func(s *proto.Session) error {
		if s.Status == proto.StatusStopped {
			return errNoChange
		}
		s.Status = proto.StatusStopped
		return nil
	})
	if err != nil {
		return
	}
	e.publishEvent(proto.EventSessionStatusChange, proto.SessionStatusChangedEvent{SessionID: sessionID, Status: proto.StatusStopped})
}

func (e *Engine) extractClaudeSessionID(sessionID string, chunk []byte) {
	if e.claudeIDPattern == nil {
		return
	}
	m := e.claudeIDPattern.FindSubmatch(chunk)
	if m == nil {
		return
	}
	found := string(m[1])

	e.store.MutateSession(sessionID, func(s *proto.Session) error {
		if s.ClaudeSessionID != nil && *s.ClaudeSessionID == found {
			return errNoChange
		}
		s.ClaudeSessionID = &found
		return nil
	})
}

func (e *Engine) publishEvent(name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	e.bus.Publish(proto.Event{Event: name, Data: data})
}

// ─── session operations ─────────────────────────────────────────────────

// CreateSession validates dir and the configured child command, spawns a
// fresh PTY, and registers the resulting session. No Store mutation
// happens if the spawn fails.
func (e *Engine) CreateSession(name, dir string, groupID *string) (proto.Session, error) {
	if name == "" {
		return proto.Session{}, fmt.Errorf("%w: name is required", ErrInvalidArgument)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return proto.Session{}, fmt.Errorf("%w: dir %q is not a directory", ErrInvalidArgument, dir)
	}
	if err := config.ValidateChildCommand(e.cfg.Child.Command); err != nil {
		return proto.Session{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	id := uuid.NewString()
	if err := e.host.Spawn(id, dir, defaultRows, defaultCols, e.cfg.Child.Command, config.LoadChildEnv(e.dataDir)); err != nil {
		return proto.Session{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	now := e.now().UTC().Format(time.RFC3339Nano)
	sess := proto.Session{
		ID:           id,
		Name:         name,
		GroupID:      groupID,
		WorkingDir:   dir,
		Status:       proto.StatusRunning,
		CreatedAt:    now,
		LastActivity: now,
	}
	sess, err = e.store.InsertSession(sess)
	if err != nil {
		e.host.Kill(id)
		return proto.Session{}, mapStoreErr(err)
	}

	e.publishEvent(proto.EventSessionCreated, sess)
	return sess, nil
}

// StopSession kills the session's child, if any, and marks it Stopped.
// Idempotent: stopping an already-stopped session succeeds without
// re-emitting an event.
func (e *Engine) StopSession(id string) error {
	if _, err := e.store.GetSession(id); err != nil {
		return mapStoreErr(err)
	}
	e.host.Kill(id)
	e.markStopped(id)
	return nil
}

// RestartSession stops any live child, then spawns a fresh one at the
// given size, resuming via claude_session_id when the restart policy and
// a prior id allow it.
func (e *Engine) RestartSession(id string, rows, cols uint16) (proto.Session, error) {
	sess, err := e.store.GetSession(id)
	if err != nil {
		return proto.Session{}, mapStoreErr(err)
	}

	if e.host.IsAlive(id) {
		e.host.Kill(id)
		waitUntilDead(e.host, id, 3*time.Second)
	}
	e.classifier.Reset(id)

	argv := e.cfg.Child.Command
	if e.cfg.Restart.AlwaysResume && sess.ClaudeSessionID != nil {
		argv = append(append([]string{}, argv...), e.cfg.Child.ResumeFlag, *sess.ClaudeSessionID)
	}
	if rows == 0 {
		rows = defaultRows
	}
	if cols == 0 {
		cols = defaultCols
	}
	if err := e.host.Spawn(id, sess.WorkingDir, rows, cols, argv, config.LoadChildEnv(e.dataDir)); err != nil {
		return proto.Session{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	sess, err = e.store.MutateSession(id, func(s *proto.Session) error {
		s.Status = proto.StatusRunning
		s.LastActivity = e.now().UTC().Format(time.RFC3339Nano)
		return nil
	})
	if err != nil {
		return proto.Session{}, mapStoreErr(err)
	}
	e.publishEvent(proto.EventSessionStatusChange, proto.SessionStatusChangedEvent{SessionID: id, Status: proto.StatusRunning})
	return sess, nil
}

// ForkSession requires the source session to have a known
// claude_session_id; it spawns a new child resumed from that id in a new
// session entry, leaving the source untouched.
func (e *Engine) ForkSession(id string, newName *string, groupID *string, rows, cols uint16) (proto.Session, error) {
	src, err := e.store.GetSession(id)
	if err != nil {
		return proto.Session{}, mapStoreErr(err)
	}
	if src.ClaudeSessionID == nil {
		return proto.Session{}, fmt.Errorf("%w: session %q has no claude_session_id to fork from", ErrPreconditionFailed, id)
	}

	name := src.Name + " (Fork)"
	if newName != nil && *newName != "" {
		name = *newName
	}
	if rows == 0 {
		rows = defaultRows
	}
	if cols == 0 {
		cols = defaultCols
	}

	newID := uuid.NewString()
	argv := append(append([]string{}, e.cfg.Child.Command...), e.cfg.Child.ResumeFlag, *src.ClaudeSessionID)
	if err := e.host.Spawn(newID, src.WorkingDir, rows, cols, argv, config.LoadChildEnv(e.dataDir)); err != nil {
		return proto.Session{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	now := e.now().UTC().Format(time.RFC3339Nano)
	claudeID := *src.ClaudeSessionID
	sess := proto.Session{
		ID:              newID,
		Name:            name,
		GroupID:         groupID,
		WorkingDir:      src.WorkingDir,
		Status:          proto.StatusRunning,
		ClaudeSessionID: &claudeID,
		CreatedAt:       now,
		LastActivity:    now,
	}
	sess, err = e.store.InsertSession(sess)
	if err != nil {
		e.host.Kill(newID)
		return proto.Session{}, mapStoreErr(err)
	}

	e.publishEvent(proto.EventSessionCreated, sess)
	return sess, nil
}

// DeleteSession kills any live child and removes the session entirely.
func (e *Engine) DeleteSession(id string) error {
	if _, err := e.store.GetSession(id); err != nil {
		return mapStoreErr(err)
	}
	e.host.Kill(id)
	e.classifier.Reset(id)
	if err := e.store.RemoveSession(id); err != nil {
		return mapStoreErr(err)
	}
	e.publishEvent(proto.EventSessionDeleted, proto.SessionDeletedEvent{SessionID: id})
	return nil
}

// InputSession writes raw bytes to the session's PTY and bumps
// last_activity. Unknown ids cause no state change.
func (e *Engine) InputSession(id string, data []byte) error {
	if _, err := e.store.GetSession(id); err != nil {
		return mapStoreErr(err)
	}
	if err := e.host.Write(id, data); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	e.store.MutateSession(id, func(s *proto.Session) error {
		s.LastActivity = e.now().UTC().Format(time.RFC3339Nano)
		return nil
	})
	return nil
}

// ResizeSession updates the PTY window size. Ephemeral: not persisted,
// no event.
func (e *Engine) ResizeSession(id string, rows, cols uint16) error {
	if _, err := e.store.GetSession(id); err != nil {
		return mapStoreErr(err)
	}
	if err := e.host.Resize(id, rows, cols); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// UpdateSession changes name and/or group membership (without affecting
// placement order — use ReorderSession for that).
func (e *Engine) UpdateSession(id string, name *string, groupID *string, clearGroupID bool) (proto.Session, error) {
	sess, err := e.store.MutateSession(id, func(s *proto.Session) error {
		if name != nil {
			if *name == "" {
				return fmt.Errorf("%w: name cannot be empty", ErrInvalidArgument)
			}
			s.Name = *name
		}
		if clearGroupID {
			s.GroupID = nil
		} else if groupID != nil {
			s.GroupID = groupID
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidArgument) {
			return proto.Session{}, err // fn's own validation error, already engine-sentinel-wrapped
		}
		return proto.Session{}, mapStoreErr(err)
	}
	e.publishEvent(proto.EventSessionUpdated, sess)
	return sess, nil
}

// ReorderSession repositions a session within a (possibly new) parent
// group.
func (e *Engine) ReorderSession(id string, groupID *string, afterID *string) (proto.Session, error) {
	sess, err := e.store.ReorderSession(id, groupID, afterID)
	if err != nil {
		return proto.Session{}, mapStoreErr(err)
	}
	e.publishEvent(proto.EventSessionUpdated, sess)
	return sess, nil
}

// ListSessions returns every tracked session.
func (e *Engine) ListSessions() []proto.Session { return e.store.ListSessions() }

// SessionTail returns the classifier's bounded recent-output buffer for a
// session, used by IpcServer to give a freshly connected client immediate
// context on a live session instead of a blank pane until the next chunk.
func (e *Engine) SessionTail(id string) []byte { return e.classifier.Tail(id) }

// ─── group operations ───────────────────────────────────────────────────

// CreateGroup adds a new group.
func (e *Engine) CreateGroup(name string, parentID *string) (proto.Group, error) {
	if name == "" {
		return proto.Group{}, fmt.Errorf("%w: name is required", ErrInvalidArgument)
	}
	g, err := e.store.InsertGroup(proto.Group{ID: uuid.NewString(), Name: name, ParentID: parentID})
	if err != nil {
		return proto.Group{}, mapStoreErr(err)
	}
	e.publishEvent(proto.EventGroupCreated, g)
	return g, nil
}

// UpdateGroup changes name and/or parent (without affecting order — use
// ReorderGroup for that). The collapsed flag is not changed here.
func (e *Engine) UpdateGroup(id string, name *string, parentID *string) (proto.Group, error) {
	g, err := e.store.GetGroup(id)
	if err != nil {
		return proto.Group{}, mapStoreErr(err)
	}
	if name != nil {
		if *name == "" {
			return proto.Group{}, fmt.Errorf("%w: name cannot be empty", ErrInvalidArgument)
		}
		g.Name = *name
	}
	if parentID != nil {
		g.ParentID = parentID
	}
	g, err = e.store.UpdateGroup(g)
	if err != nil {
		return proto.Group{}, mapStoreErr(err)
	}
	e.publishEvent(proto.EventGroupUpdated, g)
	return g, nil
}

// DeleteGroup removes a group. Per G2, its direct child sessions are
// re-parented to root; its child groups (whose fate G2 leaves ambiguous)
// are re-parented to the deleted group's own parent rather than deleted
// recursively (SPEC_FULL.md §10's open-question decision). Both moves
// preserve the children's existing relative order.
func (e *Engine) DeleteGroup(id string) error {
	g, err := e.store.GetGroup(id)
	if err != nil {
		return mapStoreErr(err)
	}

	var prevSession *string
	for _, sid := range e.store.ChildSessionIDs(id) {
		moved, err := e.store.ReorderSession(sid, nil, prevSession)
		if err != nil {
			return mapStoreErr(err)
		}
		e.publishEvent(proto.EventSessionUpdated, moved)
		movedID := moved.ID
		prevSession = &movedID
	}

	var prevGroup *string
	for _, gid := range e.store.ChildGroupIDs(&id) {
		moved, err := e.store.ReorderGroup(gid, g.ParentID, prevGroup)
		if err != nil {
			return mapStoreErr(err)
		}
		e.publishEvent(proto.EventGroupUpdated, moved)
		movedID := moved.ID
		prevGroup = &movedID
	}

	if err := e.store.RemoveGroup(id); err != nil {
		return mapStoreErr(err)
	}
	e.publishEvent(proto.EventGroupDeleted, proto.GroupDeletedEvent{GroupID: id})
	return nil
}

// ReorderGroup repositions a group within a (possibly new) parent.
func (e *Engine) ReorderGroup(id string, parentID *string, afterID *string) (proto.Group, error) {
	g, err := e.store.ReorderGroup(id, parentID, afterID)
	if err != nil {
		return proto.Group{}, mapStoreErr(err)
	}
	e.publishEvent(proto.EventGroupUpdated, g)
	return g, nil
}

// ListGroups returns every tracked group.
func (e *Engine) ListGroups() []proto.Group { return e.store.ListGroups() }

func waitUntilDead(host *ptyhost.Host, id string, max time.Duration) {
	deadline := time.Now().Add(max)
	for host.IsAlive(id) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, store.ErrInvalidArgument):
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	default:
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
}
