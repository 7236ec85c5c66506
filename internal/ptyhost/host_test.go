package ptyhost

import (
	"os"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnWriteOutput(t *testing.T) {
	h := New(16, 16)
	dir := t.TempDir()

	err := h.Spawn("s1", dir, 24, 80, []string{"/bin/sh", "-c", "cat"}, nil)
	require.NoError(t, err)

	require.NoError(t, h.Write("s1", []byte("hello\n")))

	select {
	case chunk := <-h.Output:
		assert.Equal(t, "s1", chunk.SessionID)
		assert.Contains(t, string(chunk.Data), "hello")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for output")
	}

	h.Kill("s1")

	select {
	case ev := <-h.Exit:
		assert.Equal(t, "s1", ev.SessionID)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for exit event")
	}

	assert.False(t, h.IsAlive("s1"))
}

func TestWriteUnknownSessionIsNotFound(t *testing.T) {
	h := New(4, 4)
	err := h.Write("nope", []byte("x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResizeUnknownSessionIsNotFound(t *testing.T) {
	h := New(4, 4)
	err := h.Resize("nope", 24, 80)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKillUnknownSessionIsNoop(t *testing.T) {
	h := New(4, 4)
	assert.NotPanics(t, func() { h.Kill("nope") })
}

func TestSpawnFailedOnMissingExecutable(t *testing.T) {
	h := New(4, 4)
	err := h.Spawn("s1", t.TempDir(), 24, 80, []string{"/nonexistent/binary-xyz"}, nil)
	require.Error(t, err)
	var spawnErr *ErrSpawnFailed
	assert.ErrorAs(t, err, &spawnErr)
}

func TestExitEventOnSelfExit(t *testing.T) {
	h := New(16, 16)
	dir := t.TempDir()

	require.NoError(t, h.Spawn("s1", dir, 24, 80, []string{"/bin/sh", "-c", "exit 0"}, nil))

	select {
	case ev := <-h.Exit:
		assert.Equal(t, "s1", ev.SessionID)
		if ev.ExitCode != nil {
			assert.Equal(t, 0, *ev.ExitCode)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for exit event")
	}
}

func TestRespawnUnderSameIDBumpsGeneration(t *testing.T) {
	h := New(16, 16)
	dir := t.TempDir()

	require.NoError(t, h.Spawn("s1", dir, 24, 80, []string{"/bin/sh", "-c", "cat"}, nil))
	firstGen, alive := h.CurrentGeneration("s1")
	require.True(t, alive)

	h.Kill("s1")
	select {
	case ev := <-h.Exit:
		assert.Equal(t, firstGen, ev.Generation)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for first exit event")
	}
	require.Eventually(t, func() bool { return !h.IsAlive("s1") }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Spawn("s1", dir, 24, 80, []string{"/bin/sh", "-c", "cat"}, nil))
	secondGen, alive := h.CurrentGeneration("s1")
	require.True(t, alive)
	assert.NotEqual(t, firstGen, secondGen, "respawning under the same session id must mint a new generation")

	h.Kill("s1")
	<-h.Exit
}

func TestCurrentGenerationUnknownSessionIsNotAlive(t *testing.T) {
	h := New(4, 4)
	_, alive := h.CurrentGeneration("nope")
	assert.False(t, alive)
}

func TestResizeUpdatesWindowSize(t *testing.T) {
	if os.Getenv("CI") != "" {
		t.Skip("pty window size assertions are flaky under CI sandboxes")
	}
	h := New(16, 16)
	dir := t.TempDir()
	require.NoError(t, h.Spawn("s1", dir, 24, 80, []string{"/bin/sh", "-c", "sleep 5"}, nil))
	assert.NoError(t, h.Resize("s1", 40, 120))
	rows, cols, err := pty.Getsize(h.get("s1").ptm)
	require.NoError(t, err)
	assert.Equal(t, 40, rows)
	assert.Equal(t, 120, cols)
	h.Kill("s1")
	<-h.Exit
}
