package engine

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ptydeck/ptydeckd/internal/classifier"
	"github.com/ptydeck/ptydeckd/internal/config"
	"github.com/ptydeck/ptydeckd/internal/eventbus"
	"github.com/ptydeck/ptydeckd/internal/proto"
	"github.com/ptydeck/ptydeckd/internal/ptyhost"
	"github.com/ptydeck/ptydeckd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestEngine wires a fresh Engine against a shell child command, so
// tests don't depend on a real coding-assistant binary being installed.
func newTestEngine(t *testing.T) (*Engine, *eventbus.Bus) {
	t.Helper()
	cfg := config.Default()
	cfg.Child.Command = []string{"sh", "-c", "cat"}
	cfg.Restart.AlwaysResume = true

	st := store.New("")
	host := ptyhost.New(64, 8)
	cls := classifier.New(cfg.Patterns(), 20*time.Millisecond)
	bus := eventbus.New(32)

	e := New(st, host, cls, bus, cfg, t.TempDir())
	t.Cleanup(func() {
		for _, sess := range st.ListSessions() {
			host.Kill(sess.ID)
		}
	})
	return e, bus
}

func drain(t *testing.T, sub *eventbus.Subscription, name string, timeout time.Duration) proto.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-sub.C:
			pe, ok := ev.(proto.Event)
			if ok && pe.Event == name {
				return pe
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", name)
		}
	}
}

func TestCreateSessionSpawnsAndEmits(t *testing.T) {
	e, bus := newTestEngine(t)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	sess, err := e.CreateSession("shell", t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusRunning, sess.Status)
	assert.NotEmpty(t, sess.ID)

	drain(t, sub, proto.EventSessionCreated, time.Second)
}

func TestCreateSessionRejectsMissingDir(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.CreateSession("shell", "/no/such/dir-xyz", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCreateSessionRejectsEmptyName(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.CreateSession("", t.TempDir(), nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestStopSessionIsIdempotent(t *testing.T) {
	e, bus := newTestEngine(t)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	sess, err := e.CreateSession("shell", t.TempDir(), nil)
	require.NoError(t, err)
	drain(t, sub, proto.EventSessionCreated, time.Second)

	require.NoError(t, e.StopSession(sess.ID))
	ev := drain(t, sub, proto.EventSessionStatusChange, time.Second)
	var payload proto.SessionStatusChangedEvent
	require.NoError(t, unmarshalEvent(ev, &payload))
	assert.Equal(t, proto.StatusStopped, payload.Status)

	require.NoError(t, e.StopSession(sess.ID))
	// The killed child's pty.exit may still arrive in this window; only a
	// second status change would break idempotence.
	quiet := time.After(150 * time.Millisecond)
	for waiting := true; waiting; {
		select {
		case ev := <-sub.C:
			if pe, ok := ev.(proto.Event); ok && pe.Event == proto.EventSessionStatusChange {
				t.Fatalf("unexpected second status change after idempotent stop: %+v", pe)
			}
		case <-quiet:
			waiting = false
		}
	}
}

func TestStopSessionUnknownIDIsNotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	err := e.StopSession("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSessionRemovesFromList(t *testing.T) {
	e, _ := newTestEngine(t)
	sess, err := e.CreateSession("shell", t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, e.DeleteSession(sess.ID))
	for _, s := range e.ListSessions() {
		assert.NotEqual(t, sess.ID, s.ID)
	}
}

func TestForkSessionRequiresClaudeSessionID(t *testing.T) {
	e, _ := newTestEngine(t)
	sess, err := e.CreateSession("shell", t.TempDir(), nil)
	require.NoError(t, err)

	_, err = e.ForkSession(sess.ID, nil, nil, 0, 0)
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestInputUnknownSessionIsNotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	err := e.InputSession("nope", []byte("hi"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateSessionRenames(t *testing.T) {
	e, _ := newTestEngine(t)
	sess, err := e.CreateSession("shell", t.TempDir(), nil)
	require.NoError(t, err)

	newName := "renamed"
	updated, err := e.UpdateSession(sess.ID, &newName, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
}

func TestDeleteGroupReparentsSessionsToRootAndSubgroupsToParent(t *testing.T) {
	e, _ := newTestEngine(t)

	root, err := e.CreateGroup("root", nil)
	require.NoError(t, err)
	child, err := e.CreateGroup("child", &root.ID)
	require.NoError(t, err)
	grandchild, err := e.CreateGroup("grandchild", &child.ID)
	require.NoError(t, err)

	sess, err := e.CreateSession("shell", t.TempDir(), &child.ID)
	require.NoError(t, err)

	require.NoError(t, e.DeleteGroup(child.ID))

	movedSession, err := e.store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Nil(t, movedSession.GroupID, "direct child sessions re-parent to root per G2")

	movedGroup, err := e.store.GetGroup(grandchild.ID)
	require.NoError(t, err)
	require.NotNil(t, movedGroup.ParentID)
	assert.Equal(t, root.ID, *movedGroup.ParentID, "sub-groups re-parent to the deleted group's own parent")
}

func TestStaleExitAfterRespawnDoesNotStopRunningSession(t *testing.T) {
	e, bus := newTestEngine(t)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	sess, err := e.CreateSession("shell", t.TempDir(), nil)
	require.NoError(t, err)
	drain(t, sub, proto.EventSessionCreated, time.Second)

	staleGen, alive := e.host.CurrentGeneration(sess.ID)
	require.True(t, alive)

	// Simulate the RestartSession race directly: the first child is
	// killed (its own real exit, whenever it lands, will carry staleGen
	// and get filtered the same way), and a new child has already
	// replaced it under the same session id before the old child's
	// trailing exit event reaches pumpExit.
	e.host.Kill(sess.ID)
	require.NoError(t, e.host.Spawn(sess.ID, sess.WorkingDir, 24, 80, []string{"sh", "-c", "cat"}, nil))
	newGen, alive := e.host.CurrentGeneration(sess.ID)
	require.True(t, alive)
	require.NotEqual(t, staleGen, newGen)

	e.host.Exit <- ptyhost.ExitEvent{SessionID: sess.ID, Generation: staleGen}

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event published from a stale exit: %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}

	got, err := e.store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusRunning, got.Status, "a superseded generation's exit must not flip a live session to Stopped")

	e.host.Kill(sess.ID) // let newTestEngine's t.Cleanup reap it; pumpExit owns e.host.Exit
}

func TestConcurrentStatusAndClaudeIDMutationsBothApply(t *testing.T) {
	e, _ := newTestEngine(t)
	sess, err := e.CreateSession("shell", t.TempDir(), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.onStatusChanged(sess.ID, proto.StatusWaiting)
	}()
	go func() {
		defer wg.Done()
		e.extractClaudeSessionID(sess.ID, []byte("session_id: deadbeef-0000-0000-0000-000000000000"))
	}()
	wg.Wait()

	got, err := e.store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusWaiting, got.Status, "concurrent mutation must not be lost")
	if e.claudeIDPattern != nil {
		require.NotNil(t, got.ClaudeSessionID, "concurrent mutation must not be lost")
	}
}

func TestGroupUpdateRejectsCycle(t *testing.T) {
	e, _ := newTestEngine(t)
	g1, err := e.CreateGroup("g1", nil)
	require.NoError(t, err)
	g2, err := e.CreateGroup("g2", &g1.ID)
	require.NoError(t, err)

	_, err = e.UpdateGroup(g1.ID, nil, &g2.ID)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func unmarshalEvent(ev proto.Event, out any) error {
	return json.Unmarshal(ev.Data, out)
}
