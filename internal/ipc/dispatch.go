package ipc

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/ptydeck/ptydeckd/internal/engine"
	"github.com/ptydeck/ptydeckd/internal/proto"
)

// dispatch routes one parsed Request to the Engine and builds its
// Response. Every path here returns exactly once — no method panics or
// blocks beyond the Engine call itself.
func (s *Server) dispatch(req proto.Request) proto.Response {
	switch req.Method {
	case proto.MethodPing:
		return result(req.ID, proto.PingResult{Status: "ok"})

	case proto.MethodSessionList:
		return result(req.ID, proto.SessionListResult{Sessions: s.eng.ListSessions()})

	case proto.MethodSessionCreate:
		var p proto.SessionCreateParams
		if err := bind(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		sess, err := s.eng.CreateSession(p.Name, p.Dir, p.GroupID)
		if err != nil {
			return engineError(req.ID, err)
		}
		return result(req.ID, proto.SessionResult{Session: sess})

	case proto.MethodSessionStop:
		var p proto.SessionIDParams
		if err := bind(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		if err := s.eng.StopSession(p.SessionID); err != nil {
			return engineError(req.ID, err)
		}
		return result(req.ID, proto.SuccessResult{Success: true})

	case proto.MethodSessionRestart:
		var p proto.SessionRestartParams
		if err := bind(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		sess, err := s.eng.RestartSession(p.SessionID, p.Rows, p.Cols)
		if err != nil {
			return engineError(req.ID, err)
		}
		return result(req.ID, proto.SessionResult{Session: sess})

	case proto.MethodSessionDelete:
		var p proto.SessionIDParams
		if err := bind(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		if err := s.eng.DeleteSession(p.SessionID); err != nil {
			return engineError(req.ID, err)
		}
		return result(req.ID, proto.SuccessResult{Success: true})

	case proto.MethodSessionFork:
		var p proto.SessionForkParams
		if err := bind(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		sess, err := s.eng.ForkSession(p.SessionID, p.NewName, p.GroupID, p.Rows, p.Cols)
		if err != nil {
			return engineError(req.ID, err)
		}
		return result(req.ID, proto.SessionResult{Session: sess})

	case proto.MethodSessionUpdate:
		var p proto.SessionUpdateParams
		if err := bind(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		sess, err := s.eng.UpdateSession(p.SessionID, p.Name, p.GroupID, p.ClearGroupID)
		if err != nil {
			return engineError(req.ID, err)
		}
		return result(req.ID, proto.SessionResult{Session: sess})

	case proto.MethodSessionInput:
		var p proto.SessionInputParams
		if err := bind(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		data, err := base64.StdEncoding.DecodeString(p.Input)
		if err != nil {
			return invalidParams(req.ID, err)
		}
		if err := s.eng.InputSession(p.SessionID, data); err != nil {
			return engineError(req.ID, err)
		}
		return result(req.ID, proto.SuccessResult{Success: true})

	case proto.MethodSessionResize:
		var p proto.SessionResizeParams
		if err := bind(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		if err := s.eng.ResizeSession(p.SessionID, p.Rows, p.Cols); err != nil {
			return engineError(req.ID, err)
		}
		return result(req.ID, proto.SuccessResult{Success: true})

	case proto.MethodSessionReorder:
		var p proto.SessionReorderParams
		if err := bind(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		sess, err := s.eng.ReorderSession(p.SessionID, p.GroupID, p.AfterSessionID)
		if err != nil {
			return engineError(req.ID, err)
		}
		return result(req.ID, proto.SessionResult{Session: sess})

	case proto.MethodGroupList:
		return result(req.ID, proto.GroupListResult{Groups: s.eng.ListGroups()})

	case proto.MethodGroupCreate:
		var p proto.GroupCreateParams
		if err := bind(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		g, err := s.eng.CreateGroup(p.Name, p.ParentID)
		if err != nil {
			return engineError(req.ID, err)
		}
		return result(req.ID, proto.GroupResult{Group: g})

	case proto.MethodGroupUpdate:
		var p proto.GroupUpdateParams
		if err := bind(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		g, err := s.eng.UpdateGroup(p.GroupID, p.Name, p.ParentID)
		if err != nil {
			return engineError(req.ID, err)
		}
		return result(req.ID, proto.GroupResult{Group: g})

	case proto.MethodGroupDelete:
		var p proto.GroupDeleteParams
		if err := bind(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		if err := s.eng.DeleteGroup(p.GroupID); err != nil {
			return engineError(req.ID, err)
		}
		return result(req.ID, proto.SuccessResult{Success: true})

	case proto.MethodGroupReorder:
		var p proto.GroupReorderParams
		if err := bind(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		g, err := s.eng.ReorderGroup(p.GroupID, p.ParentID, p.AfterGroupID)
		if err != nil {
			return engineError(req.ID, err)
		}
		return result(req.ID, proto.GroupResult{Group: g})

	default:
		return proto.Response{ID: req.ID, Error: &proto.Error{Code: proto.CodeMethodNotFound, Message: "unknown method: " + req.Method}}
	}
}

func bind(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return errors.New("missing params")
	}
	return json.Unmarshal(raw, out)
}

func result(id uint64, payload any) proto.Response {
	data, err := json.Marshal(payload)
	if err != nil {
		return proto.Response{ID: id, Error: &proto.Error{Code: proto.CodeExecutionError, Message: err.Error()}}
	}
	return proto.Response{ID: id, Result: data}
}

func invalidParams(id uint64, err error) proto.Response {
	return proto.Response{ID: id, Error: &proto.Error{Code: proto.CodeInvalidParams, Message: err.Error()}}
}

// engineError maps every Engine error kind onto -32000, naming the kind
// in the message per SPEC_FULL.md §4.2.
func engineError(id uint64, err error) proto.Response {
	kind := "ExecutionError"
	switch {
	case errors.Is(err, engine.ErrInvalidArgument):
		kind = "InvalidArgument"
	case errors.Is(err, engine.ErrNotFound):
		kind = "NotFound"
	case errors.Is(err, engine.ErrPreconditionFailed):
		kind = "PreconditionFailed"
	case errors.Is(err, engine.ErrSpawnFailed):
		kind = "SpawnFailed"
	case errors.Is(err, engine.ErrIO):
		kind = "IoError"
	}
	return proto.Response{ID: id, Error: &proto.Error{Code: proto.CodeExecutionError, Message: kind + ": " + err.Error()}}
}
