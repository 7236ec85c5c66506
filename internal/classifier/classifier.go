// Package classifier infers a session's coarse status (running, waiting,
// idle, error) from the raw bytes its PTY produces, using a configurable,
// priority-ordered set of regular expressions evaluated against a bounded
// recent-output tail.
package classifier

import (
	"regexp"
	"sync"
	"time"

	"github.com/ptydeck/ptydeckd/internal/proto"
)

// tailSize is the minimum amount of recent output the classifier keeps
// per session, per the spec's "at least the last 4 KiB" requirement.
const tailSize = 4 * 1024

// defaultDebounce is how long the classifier waits after the last chunk
// before settling on a final status for a session.
const defaultDebounce = 100 * time.Millisecond

// Patterns is the configurable, priority-ordered rule set. Error is
// checked first, then Running, then Waiting; anything left over is Idle.
// Patterns are plain regexp syntax; invalid patterns are dropped at
// Compile time rather than failing the whole set.
type Patterns struct {
	Error   []string
	Running []string
	Waiting []string
}

// DefaultPatterns returns the classifier's built-in pattern set, per
// SPEC_FULL.md §10's Open Question decision.
func DefaultPatterns() Patterns {
	return Patterns{
		Error: []string{
			`(?m)^Error:`,
			`APIError`,
			`(?i)rate limit`,
		},
		Running: []string{
			`[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]`,
			`(?i)thinking…`,
			`(?i)generating`,
		},
		Waiting: []string{
			`\$\s*$`,
			`(?i)\(y/n\)`,
			`(?i)continue\?`,
		},
	}
}

type compiled struct {
	errorRe   []*regexp.Regexp
	runningRe []*regexp.Regexp
	waitingRe []*regexp.Regexp
}

func compile(p Patterns) compiled {
	return compiled{
		errorRe:   compileAll(p.Error),
		runningRe: compileAll(p.Running),
		waitingRe: compileAll(p.Waiting),
	}
}

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		out = append(out, re)
	}
	return out
}

func (c compiled) classify(tail []byte) proto.SessionStatus {
	text := string(tail)
	for _, re := range c.errorRe {
		if re.MatchString(text) {
			return proto.StatusError
		}
	}
	for _, re := range c.runningRe {
		if re.MatchString(text) {
			return proto.StatusRunning
		}
	}
	for _, re := range c.waitingRe {
		if re.MatchString(text) {
			return proto.StatusWaiting
		}
	}
	return proto.StatusIdle
}

type sessionTail struct {
	mu           sync.Mutex
	buf          []byte
	lastEmitted  proto.SessionStatus
	hasEmitted   bool
	debounceStop chan struct{}
}

// Classifier evaluates status transitions from PTY output and publishes
// them through StatusChanged.
type Classifier struct {
	mu       sync.Mutex
	patterns compiled
	debounce time.Duration
	tails    map[string]*sessionTail

	// StatusChanged is called (from a private goroutine, never
	// concurrently for the same session) whenever a session's computed
	// status differs from the last one emitted for it.
	StatusChanged func(sessionID string, status proto.SessionStatus)
}

// New constructs a Classifier with the given pattern set and debounce
// interval. A zero debounce uses the package default.
func New(patterns Patterns, debounce time.Duration) *Classifier {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Classifier{
		patterns: compile(patterns),
		debounce: debounce,
		tails:    make(map[string]*sessionTail),
	}
}

// SetPatterns recompiles the rule set in place, allowing config reloads
// without a restart (the tails/debounce state for existing sessions is
// preserved).
func (c *Classifier) SetPatterns(patterns Patterns) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patterns = compile(patterns)
}

// Observe feeds a new output chunk for sessionID into the classifier. It
// updates the session's tail immediately and schedules a debounced
// classification; rapid-fire chunks coalesce into a single evaluation
// after output settles.
func (c *Classifier) Observe(sessionID string, chunk []byte) {
	st := c.tailFor(sessionID)

	st.mu.Lock()
	st.buf = append(st.buf, chunk...)
	if len(st.buf) > tailSize {
		st.buf = st.buf[len(st.buf)-tailSize:]
	}
	if st.debounceStop != nil {
		close(st.debounceStop)
	}
	stop := make(chan struct{})
	st.debounceStop = stop
	tailCopy := make([]byte, len(st.buf))
	copy(tailCopy, st.buf)
	st.mu.Unlock()

	go c.settle(sessionID, st, stop, tailCopy)
}

func (c *Classifier) settle(sessionID string, st *sessionTail, stop chan struct{}, tail []byte) {
	timer := time.NewTimer(c.debounce)
	defer timer.Stop()
	select {
	case <-stop:
		return
	case <-timer.C:
	}

	c.mu.Lock()
	patterns := c.patterns
	c.mu.Unlock()

	status := patterns.classify(tail)

	st.mu.Lock()
	changed := !st.hasEmitted || st.lastEmitted != status
	if changed {
		st.lastEmitted = status
		st.hasEmitted = true
	}
	st.mu.Unlock()

	if changed && c.StatusChanged != nil {
		c.StatusChanged(sessionID, status)
	}
}

// Reset drops all per-session state, e.g. when a session is deleted or
// restarted and its prior output should not influence the next status.
func (c *Classifier) Reset(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tails, sessionID)
}

func (c *Classifier) tailFor(sessionID string) *sessionTail {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.tails[sessionID]
	if !ok {
		st = &sessionTail{}
		c.tails[sessionID] = st
	}
	return st
}

// Tail returns a copy of the current recent-output buffer for sessionID,
// used by IpcServer to replay context on attach.
func (c *Classifier) Tail(sessionID string) []byte {
	c.mu.Lock()
	st, ok := c.tails[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]byte, len(st.buf))
	copy(out, st.buf)
	return out
}
