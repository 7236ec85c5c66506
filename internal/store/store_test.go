package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ptydeck/ptydeckd/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(id string, groupID *string) proto.Session {
	return proto.Session{ID: id, Name: id, GroupID: groupID, WorkingDir: "/tmp", Status: proto.StatusStopped}
}

func ptr(s string) *string { return &s }

func TestInsertSessionAssignsDenseOrder(t *testing.T) {
	s := New("")
	a, err := s.InsertSession(newSession("a", nil))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), a.Order)

	b, err := s.InsertSession(newSession("b", nil))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), b.Order)
}

func TestInsertSessionRejectsUnknownGroup(t *testing.T) {
	s := New("")
	_, err := s.InsertSession(newSession("a", ptr("nope")))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRemoveSessionRepacksOrders(t *testing.T) {
	s := New("")
	must := func(sess proto.Session, err error) proto.Session { require.NoError(t, err); return sess }
	must(s.InsertSession(newSession("a", nil)))
	must(s.InsertSession(newSession("b", nil)))
	must(s.InsertSession(newSession("c", nil)))

	require.NoError(t, s.RemoveSession("a"))

	list := s.ListSessions()
	require.Len(t, list, 2)
	orders := map[string]uint32{}
	for _, sess := range list {
		orders[sess.ID] = sess.Order
	}
	assert.Equal(t, uint32(0), orders["b"])
	assert.Equal(t, uint32(1), orders["c"])
}

func TestReorderSessionDense(t *testing.T) {
	s := New("")
	must := func(sess proto.Session, err error) proto.Session { require.NoError(t, err); return sess }
	must(s.InsertSession(newSession("a", nil)))
	must(s.InsertSession(newSession("b", nil)))
	must(s.InsertSession(newSession("c", nil)))

	_, err := s.ReorderSession("c", nil, ptr("a"))
	require.NoError(t, err)

	list := s.ListSessions()
	orders := map[string]uint32{}
	for _, sess := range list {
		orders[sess.ID] = sess.Order
	}
	assert.Equal(t, uint32(0), orders["a"])
	assert.Equal(t, uint32(1), orders["c"])
	assert.Equal(t, uint32(2), orders["b"])
}

func TestReorderSessionToNewGroup(t *testing.T) {
	s := New("")
	g, err := s.InsertGroup(proto.Group{ID: "g1", Name: "g1"})
	require.NoError(t, err)

	must := func(sess proto.Session, err error) proto.Session { require.NoError(t, err); return sess }
	must(s.InsertSession(newSession("a", nil)))
	must(s.InsertSession(newSession("b", nil)))

	moved, err := s.ReorderSession("a", &g.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, g.ID, *moved.GroupID)
	assert.Equal(t, uint32(0), moved.Order)

	remaining, err := s.GetSession("b")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), remaining.Order, "sole remaining root sibling should repack to 0")
}

func TestMutateSessionAppliesUnderLock(t *testing.T) {
	s := New("")
	_, err := s.InsertSession(newSession("a", nil))
	require.NoError(t, err)

	updated, err := s.MutateSession("a", func(sess *proto.Session) error {
		sess.Status = proto.StatusRunning
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, proto.StatusRunning, updated.Status)

	reread, err := s.GetSession("a")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusRunning, reread.Status)
}

func TestMutateSessionUnknownIDIsNotFound(t *testing.T) {
	s := New("")
	_, err := s.MutateSession("nope", func(sess *proto.Session) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMutateSessionFnErrorAbortsWithoutWriting(t *testing.T) {
	s := New("")
	_, err := s.InsertSession(newSession("a", nil))
	require.NoError(t, err)

	sentinel := assert.AnError
	_, err = s.MutateSession("a", func(sess *proto.Session) error {
		sess.Status = proto.StatusRunning
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	reread, err := s.GetSession("a")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusStopped, reread.Status, "fn's error must discard its own in-progress edit")
}

func TestMutateSessionRejectsDanglingGroup(t *testing.T) {
	s := New("")
	_, err := s.InsertSession(newSession("a", nil))
	require.NoError(t, err)

	_, err = s.MutateSession("a", func(sess *proto.Session) error {
		sess.GroupID = ptr("nope")
		return nil
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGroupCycleRejected(t *testing.T) {
	s := New("")
	g1, err := s.InsertGroup(proto.Group{ID: "g1", Name: "g1"})
	require.NoError(t, err)
	g2, err := s.InsertGroup(proto.Group{ID: "g2", Name: "g2", ParentID: &g1.ID})
	require.NoError(t, err)

	_, err = s.ReorderGroup("g1", &g2.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGroupCannotBeOwnParent(t *testing.T) {
	s := New("")
	g1, err := s.InsertGroup(proto.Group{ID: "g1", Name: "g1"})
	require.NoError(t, err)
	_, err = s.ReorderGroup(g1.ID, &g1.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRemoveGroupRequiresExisting(t *testing.T) {
	s := New("")
	err := s.RemoveGroup("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	g, err := s.InsertGroup(proto.Group{ID: "g1", Name: "g1"})
	require.NoError(t, err)
	_, err = s.InsertSession(proto.Session{ID: "s1", Name: "s1", GroupID: &g.ID, WorkingDir: "/tmp", Status: proto.StatusRunning})
	require.NoError(t, err)

	reloaded, err := Load(dir)
	require.NoError(t, err)

	sess, err := reloaded.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusStopped, sess.Status, "status must reset to stopped on reload")

	_, err = reloaded.GetGroup("g1")
	require.NoError(t, err)
}

func TestPersistenceWritesBackupOnSecondWrite(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	_, err := s.InsertSession(newSession("a", nil))
	require.NoError(t, err)
	_, err = s.InsertSession(newSession("b", nil))
	require.NoError(t, err)

	bakPath := filepath.Join(dir, "state", "sessions.json.bak")
	data, err := os.ReadFile(bakPath)
	require.NoError(t, err)

	var backed []proto.Session
	require.NoError(t, json.Unmarshal(data, &backed))
	assert.Len(t, backed, 1, "backup should hold the pre-second-write snapshot")
}

func TestLoadCorruptStateReturnsEmptySet(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "state"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state", "sessions.json"), []byte("not json"), 0o644))

	s, err := Load(dir)
	require.Error(t, err)
	var corrupt *ErrCorruptState
	assert.ErrorAs(t, err, &corrupt)
	assert.Empty(t, s.ListSessions())
}

func TestListSessionsOrderedByGroupThenOrder(t *testing.T) {
	s := New("")
	must := func(sess proto.Session, err error) proto.Session { require.NoError(t, err); return sess }
	must(s.InsertSession(newSession("a", nil)))
	must(s.InsertSession(newSession("b", nil)))

	list := s.ListSessions()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}
