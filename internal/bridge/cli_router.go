package bridge

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"time"
)

// HandleCLIFrames routes a chunk of backend traffic: one JSON object per
// line. Each line is parsed independently so a malformed line is logged
// and skipped without aborting the rest of the batch. Frames for unknown
// sessions are dropped silently.
func (r *Registry) HandleCLIFrames(sessionID string, data []byte) {
	r.withSession(sessionID, func(s *Session) {
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			r.routeCLIMessage(s, line)
		}
	})
}

// routeCLIMessage classifies one backend message by type/subtype, mutates
// session state, and fans browser events out. Caller holds the session
// lock.
func (r *Registry) routeCLIMessage(s *Session, line []byte) {
	r.record(s, "inbound", line, "backend")

	var msg cliMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		slog.Warn("bridge: malformed backend line skipped", "sessionID", s.ID, "error", err)
		return
	}

	switch msg.Type {
	case "system":
		r.handleSystemMessage(s, &msg, line)

	case "assistant":
		frame := s.broadcastEvent(r.cfg.EventBufferSize, EventAssistant, map[string]any{
			"message": json.RawMessage(line),
		})
		s.appendHistory(frame)
		r.persist(s)

	case "result":
		r.handleResultMessage(s, &msg, line)

	case "stream_event", "tool_progress", "tool_use_summary", "auth_status":
		// Ephemeral: broadcast-only, never persisted.
		s.broadcastEvent(r.cfg.EventBufferSize, msg.Type, map[string]any{
			"payload": json.RawMessage(line),
		})

	case "control_request":
		if msg.Request != nil && msg.Request.Subtype == "can_use_tool" {
			r.openPermissionRequest(s, &msg)
			return
		}
		r.forwardUnknown(s, msg.Type, line)

	case "control_response":
		r.resolveControlResponse(s, &msg)

	case "keep_alive":
		// Transport-level heartbeat, silently discarded.

	default:
		r.forwardUnknown(s, msg.Type, line)
	}
}

// handleSystemMessage dispatches on the system subtype.
func (r *Registry) handleSystemMessage(s *Session, msg *cliMessage, line []byte) {
	switch msg.Subtype {
	case "init":
		r.handleInit(s, msg)

	case "status":
		s.state.Compacting = msg.Status == "compacting"
		if msg.PermissionMode != "" {
			s.state.PermissionMode = msg.PermissionMode
		}
		// Lightweight: broadcast only, not retained in history.
		s.broadcastEvent(r.cfg.EventBufferSize, EventStatusChange, map[string]any{
			"compacting":     s.state.Compacting,
			"permissionMode": s.state.PermissionMode,
		})

	case "compact_boundary", "task_notification", "files_persisted",
		"hook_started", "hook_progress", "hook_response":
		frame := s.broadcastEvent(r.cfg.EventBufferSize, EventSystemEvent, map[string]any{
			"subtype":   msg.Subtype,
			"payload":   json.RawMessage(line),
			"timestamp": serverTimestamp(),
		})
		// hook_progress is high-frequency and not worth retaining.
		if msg.Subtype != "hook_progress" {
			s.appendHistory(frame)
			r.persist(s)
		}

	default:
		// Unknown subtypes must not crash the router.
		slog.Debug("bridge: ignoring unknown system subtype", "sessionID", s.ID, "subtype", msg.Subtype)
	}
}

// handleInit is the first message of a backend connection lifecycle. It
// adopts the backend's announced capabilities into the session state,
// surfaces the backend's internal session id, and flushes queued commands:
// some backends only accept input after this handshake, so flushing here
// (and not just on raw connect) is what keeps slow-starting backends from
// stalling indefinitely.
func (r *Registry) handleInit(s *Session, msg *cliMessage) {
	if msg.SessionID != "" {
		s.backendSessionID = msg.SessionID
		if r.hooks.OnSessionIDLearned != nil {
			r.hooks.OnSessionIDLearned(s.ID, msg.SessionID)
		}
	}

	if msg.Model != "" {
		s.state.Model = msg.Model
	}
	if msg.Cwd != "" {
		s.state.Cwd = msg.Cwd
	}
	if msg.Tools != nil {
		s.state.Tools = msg.Tools
	}
	if msg.PermissionMode != "" {
		s.state.PermissionMode = msg.PermissionMode
	}
	if msg.McpServers != nil {
		s.state.McpServers = msg.McpServers
	}
	if msg.SlashCommands != nil {
		s.state.SlashCommands = msg.SlashCommands
	}
	if msg.Skills != nil {
		s.state.Skills = msg.Skills
	}

	r.refreshGitInfo(s)

	s.broadcastEvent(r.cfg.EventBufferSize, EventSessionInit, map[string]any{
		"state":            s.state,
		"backendSessionId": s.backendSessionID,
	})
	r.persist(s)
	s.flushPending()
}

// handleResultMessage closes out a turn: counters, git metadata, history,
// and the one-shot first-turn callback.
func (r *Registry) handleResultMessage(s *Session, msg *cliMessage, line []byte) {
	if msg.TotalCostUSD != 0 {
		s.state.TotalCostUSD = msg.TotalCostUSD
	}
	if msg.NumTurns != 0 {
		s.state.NumTurns = msg.NumTurns
	}
	s.state.LinesAdded += msg.LinesAdded
	s.state.LinesRemoved += msg.LinesRemoved
	if msg.ContextPct != 0 {
		s.state.ContextPct = msg.ContextPct
	}

	r.refreshGitInfo(s)

	frame := s.broadcastEvent(r.cfg.EventBufferSize, EventResult, map[string]any{
		"payload": json.RawMessage(line),
	})
	s.appendHistory(frame)
	r.persist(s)

	// Gate on the attempted set, not the turn counter: turn counts are not
	// a reliable first-turn signal.
	if r.markAutoNamingAttempted(s.ID) && r.hooks.OnFirstTurnCompleted != nil {
		go r.hooks.OnFirstTurnCompleted(s.ID)
	}
}

// openPermissionRequest creates and surfaces a Permission Request for a
// backend can_use_tool control call.
func (r *Registry) openPermissionRequest(s *Session, msg *cliMessage) {
	req := &PermissionRequest{
		RequestID:   msg.RequestID,
		ToolName:    msg.Request.ToolName,
		Input:       msg.Request.Input,
		Suggestions: msg.Request.PermissionSuggestions,
		Description: msg.Request.Description,
		ToolUseID:   msg.Request.ToolUseID,
		AgentID:     msg.Request.AgentID,
		CreatedAt:   time.Now().UTC(),
	}
	s.pendingPermissions[req.RequestID] = req

	s.broadcastEvent(r.cfg.EventBufferSize, EventPermissionRequest, permissionFields(req))
	r.persist(s)
}

// resolveControlResponse matches a CLI control_response against the
// pending control request with the same id. Responses without a match are
// dropped; the namespace is separate from permissions.
func (r *Registry) resolveControlResponse(s *Session, msg *cliMessage) {
	if msg.Response == nil {
		return
	}
	id := msg.Response.RequestID
	if id == "" {
		id = msg.RequestID
	}
	resolve, ok := s.pendingControlRequests[id]
	if !ok {
		slog.Debug("bridge: control_response without pending request", "sessionID", s.ID, "requestID", id)
		return
	}
	delete(s.pendingControlRequests, id)
	resolve(msg.Response.Response)
}

// forwardUnknown broadcasts an unrecognized backend frame as-is (with the
// injected sequence number) for forward compatibility.
func (r *Registry) forwardUnknown(s *Session, msgType string, line []byte) {
	var fields map[string]any
	if err := json.Unmarshal(line, &fields); err != nil {
		return
	}
	delete(fields, "type")
	delete(fields, "seq")
	s.broadcastEvent(r.cfg.EventBufferSize, msgType, fields)
}
