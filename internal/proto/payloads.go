package proto

// SessionStatus is the wire representation of a session's coarse state.
type SessionStatus string

const (
	StatusRunning SessionStatus = "running"
	StatusWaiting SessionStatus = "waiting"
	StatusIdle    SessionStatus = "idle"
	StatusError   SessionStatus = "error"
	StatusStopped SessionStatus = "stopped"
)

// Session is the wire/persisted shape of a tracked session. pid is
// intentionally absent: it is never part of the wire or persisted form.
type Session struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	GroupID         *string       `json:"group_id"`
	WorkingDir      string        `json:"working_dir"`
	Status          SessionStatus `json:"status"`
	ClaudeSessionID *string       `json:"claude_session_id"`
	CreatedAt       string        `json:"created_at"`
	LastActivity    string        `json:"last_activity"`
	Order           uint32        `json:"order"`
}

// Group is the wire/persisted shape of a folder in the two-level tree.
type Group struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	ParentID  *string `json:"parent_id"`
	Collapsed bool    `json:"collapsed"`
	Order     uint32  `json:"order"`
}

// ─── session.* params ──────────────────────────────────────────────────────

type SessionCreateParams struct {
	Name    string  `json:"name"`
	Dir     string  `json:"dir"`
	GroupID *string `json:"group_id,omitempty"`
}

type SessionIDParams struct {
	SessionID string `json:"session_id"`
}

type SessionRestartParams struct {
	SessionID string `json:"session_id"`
	Rows      uint16 `json:"rows"`
	Cols      uint16 `json:"cols"`
}

type SessionForkParams struct {
	SessionID string  `json:"session_id"`
	NewName   *string `json:"new_name,omitempty"`
	GroupID   *string `json:"group_id,omitempty"`
	Rows      uint16  `json:"rows"`
	Cols      uint16  `json:"cols"`
}

type SessionUpdateParams struct {
	SessionID string  `json:"session_id"`
	Name      *string `json:"name,omitempty"`
	GroupID   *string `json:"group_id,omitempty"`
	// ClearGroupID, when true, moves the session to root even though
	// GroupID is absent (nil is otherwise ambiguous with "unchanged").
	ClearGroupID bool `json:"clear_group_id,omitempty"`
}

type SessionInputParams struct {
	SessionID string `json:"session_id"`
	Input     string `json:"input"` // base64-encoded raw bytes
}

type SessionResizeParams struct {
	SessionID string `json:"session_id"`
	Rows      uint16 `json:"rows"`
	Cols      uint16 `json:"cols"`
}

type SessionReorderParams struct {
	SessionID      string  `json:"session_id"`
	GroupID        *string `json:"group_id,omitempty"`
	AfterSessionID *string `json:"after_session_id,omitempty"`
}

// ─── group.* params ────────────────────────────────────────────────────────

type GroupCreateParams struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parent_id,omitempty"`
}

type GroupUpdateParams struct {
	Name     *string `json:"name,omitempty"`
	ParentID *string `json:"parent_id,omitempty"`
	GroupID  string  `json:"group_id"`
}

type GroupDeleteParams struct {
	GroupID string `json:"group_id"`
}

type GroupReorderParams struct {
	GroupID      string  `json:"group_id"`
	ParentID     *string `json:"parent_id,omitempty"`
	AfterGroupID *string `json:"after_group_id,omitempty"`
}

// ─── results ───────────────────────────────────────────────────────────────

type PingResult struct {
	Status string `json:"status"`
}

type SessionListResult struct {
	Sessions []Session `json:"sessions"`
}

type SessionResult struct {
	Session Session `json:"session"`
}

type GroupListResult struct {
	Groups []Group `json:"groups"`
}

type GroupResult struct {
	Group Group `json:"group"`
}

type SuccessResult struct {
	Success bool `json:"success"`
}

// ─── event payloads ────────────────────────────────────────────────────────

type SessionDeletedEvent struct {
	SessionID string `json:"session_id"`
}

type SessionStatusChangedEvent struct {
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
}

type GroupDeletedEvent struct {
	GroupID string `json:"group_id"`
}

type PtyOutputEvent struct {
	SessionID string `json:"session_id"`
	Output    string `json:"output"` // base64-encoded raw bytes
}

type PtyExitEvent struct {
	SessionID string `json:"session_id"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}
