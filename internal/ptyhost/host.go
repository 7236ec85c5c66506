// Package ptyhost owns the pseudo-terminal child processes that back each
// session. It spawns, writes to, resizes, and reaps PTY-attached children,
// and streams their raw output to a single shared channel.
//
// One ptySession exists per live child. The reader goroutine is the sole
// owner of ptm.Read; writes and resizes take the session's own lock so
// they can run concurrently with the reader without racing each other.
package ptyhost

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// chunkSize bounds a single output read; the spec requires chunks no
// larger than 64 KiB with no line buffering.
const chunkSize = 64 * 1024

// ErrNotFound is returned by Write/Resize when no live PTY exists for the
// given session id.
var ErrNotFound = errors.New("ptyhost: session not found")

// ErrSpawnFailed wraps a failure to launch the child or open the PTY.
type ErrSpawnFailed struct{ Err error }

func (e *ErrSpawnFailed) Error() string { return fmt.Sprintf("spawn failed: %v", e.Err) }
func (e *ErrSpawnFailed) Unwrap() error { return e.Err }

// OutputChunk is one raw byte slice read from a session's PTY master.
// Generation identifies which Spawn produced it (see Spawn's doc comment).
type OutputChunk struct {
	SessionID  string
	Data       []byte
	Generation uint64
}

// ExitEvent is emitted exactly once per spawned child, when its reader
// goroutine observes EOF or a read error. Generation identifies which
// Spawn produced the child that exited: a caller that respawns a session
// under the same id gets a new generation, so a consumer can tell a
// stale exit (from the child that was just replaced) apart from the
// current one by comparing against CurrentGeneration.
type ExitEvent struct {
	SessionID  string
	ExitCode   *int
	Generation uint64
}

type ptySession struct {
	mu         sync.Mutex // serializes Write/Resize against each other
	ptm        *os.File
	pid        int
	generation uint64
}

// Host supervises all live PTY-attached child processes for the daemon.
type Host struct {
	mu       sync.RWMutex
	sessions map[string]*ptySession

	nextGeneration atomic.Uint64

	Output chan OutputChunk
	Exit   chan ExitEvent
}

// New returns a Host with output/exit channels of the given buffer sizes.
// A bufferless (0) Output channel is valid and is what makes the reader
// block — and thus apply backpressure — when no consumer is draining it.
func New(outputBuf, exitBuf int) *Host {
	return &Host{
		sessions: make(map[string]*ptySession),
		Output:   make(chan OutputChunk, outputBuf),
		Exit:     make(chan ExitEvent, exitBuf),
	}
}

// Spawn launches argv[0] with argv[1:] inside workingDir, attached to a
// new PTY of the given size, and starts its reader goroutine. Each call
// mints a new generation token (monotonic across the whole Host, not
// just this sessionID) that tags every OutputChunk/ExitEvent the spawned
// child produces, so a caller that kills and respawns the same session
// id can distinguish the old child's trailing events from the new
// child's via CurrentGeneration.
func (h *Host) Spawn(sessionID, workingDir string, rows, cols uint16, argv []string, env []string) error {
	if len(argv) == 0 {
		return &ErrSpawnFailed{Err: errors.New("empty argv")}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workingDir
	if env != nil {
		cmd.Env = env
	} else {
		cmd.Env = os.Environ()
	}
	cmd.Env = ensureTerm(cmd.Env)

	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return &ErrSpawnFailed{Err: err}
	}

	generation := h.nextGeneration.Add(1)
	sess := &ptySession{ptm: ptm, pid: cmd.Process.Pid, generation: generation}

	h.mu.Lock()
	h.sessions[sessionID] = sess
	h.mu.Unlock()

	go h.readLoop(sessionID, sess, cmd, generation)

	return nil
}

// ensureTerm appends TERM=xterm-256color when env carries no TERM at
// all, matching the terminal type the teacher's startAgent sets so
// screen-aware children (pagers, TUIs) don't fall back to a dumb term.
func ensureTerm(env []string) []string {
	for _, kv := range env {
		if len(kv) >= 5 && kv[:5] == "TERM=" {
			return env
		}
	}
	return append(env, "TERM=xterm-256color")
}

func (h *Host) readLoop(sessionID string, sess *ptySession, cmd *exec.Cmd, generation uint64) {
	buf := make([]byte, chunkSize)
	for {
		n, err := sess.ptm.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			// Unbuffered-or-bounded: a slow consumer blocks this read loop,
			// which backpressures into the OS pipe buffer. This is intentional.
			h.Output <- OutputChunk{SessionID: sessionID, Data: chunk, Generation: generation}
		}
		if err != nil {
			break
		}
	}

	waitErr := cmd.Wait()

	h.mu.Lock()
	// Only remove the entry if a respawn hasn't already replaced it —
	// defensive, since normal callers wait for CurrentGeneration to drop
	// before respawning, but this keeps the map consistent even if one
	// doesn't.
	if cur, ok := h.sessions[sessionID]; ok && cur == sess {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()

	sess.mu.Lock()
	sess.ptm.Close()
	sess.mu.Unlock()

	var code *int
	if cmd.ProcessState != nil {
		c := cmd.ProcessState.ExitCode()
		code = &c
	}
	_ = waitErr

	h.Exit <- ExitEvent{SessionID: sessionID, ExitCode: code, Generation: generation}
}

// Write sends raw bytes to the PTY master for sessionID, blocking until
// the underlying write completes.
func (h *Host) Write(sessionID string, data []byte) error {
	sess := h.get(sessionID)
	if sess == nil {
		return ErrNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	_, err := sess.ptm.Write(data)
	return err
}

// Resize updates the PTY window size for sessionID. Idempotent and cheap;
// the spec expects callers to rate-limit, not this method.
func (h *Host) Resize(sessionID string, rows, cols uint16) error {
	sess := h.get(sessionID)
	if sess == nil {
		return ErrNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return pty.Setsize(sess.ptm, &pty.Winsize{Rows: rows, Cols: cols})
}

// Kill sends SIGKILL to the child's process group. The handle is dropped by
// the session's reader goroutine once the child has exited, so IsAlive can
// still report true briefly after Kill returns. Killing an absent session
// is a no-op, matching the spec's idempotence requirement.
func (h *Host) Kill(sessionID string) {
	sess := h.get(sessionID)
	if sess == nil {
		return
	}

	if pgid, err := unix.Getpgid(sess.pid); err == nil && pgid > 0 {
		_ = unix.Kill(-pgid, unix.SIGKILL)
	} else {
		_ = unix.Kill(sess.pid, unix.SIGKILL)
	}
}

// IsAlive is a non-blocking liveness probe.
func (h *Host) IsAlive(sessionID string) bool {
	return h.get(sessionID) != nil
}

// CurrentGeneration returns the generation token of the presently live
// child for sessionID, and whether one exists. A consumer draining
// Output/Exit uses this to tell a stale event — produced by a child
// that a respawn has since replaced — apart from one belonging to the
// session's current child.
func (h *Host) CurrentGeneration(sessionID string) (uint64, bool) {
	sess := h.get(sessionID)
	if sess == nil {
		return 0, false
	}
	return sess.generation, true
}

func (h *Host) get(sessionID string) *ptySession {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[sessionID]
}
