package bridge

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
)

// HandleBrowserMessage routes one inbound browser frame. Frames for
// unknown sessions are dropped silently; a socket is attached before its
// first frame arrives, so this only happens after a race with Remove.
func (r *Registry) HandleBrowserMessage(sessionID string, sock BrowserSocket, raw []byte) {
	r.withSession(sessionID, func(s *Session) {
		r.routeBrowserCommand(s, sock, raw)
	})
}

// InjectUserMessage feeds a programmatic user message through the same
// path a browser-typed one takes: mirrored to every viewer, recorded in
// history, delivered or queued for the backend.
func (r *Registry) InjectUserMessage(sessionID, content string) {
	frame := mustMarshal(map[string]any{
		"type":          CmdUserMessage,
		"content":       content,
		"client_msg_id": uuid.NewString(),
	})
	r.withSession(sessionID, func(s *Session) {
		r.routeBrowserCommand(s, nil, frame)
	})
}

// routeBrowserCommand parses, guards, and dispatches one browser command.
// Caller holds the session lock.
func (r *Registry) routeBrowserCommand(s *Session, sock BrowserSocket, raw []byte) {
	r.record(s, "inbound", raw, "browser")

	var cmd browserCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		slog.Warn("bridge: malformed browser frame dropped", "sessionID", s.ID, "error", err)
		return
	}

	// Replay and acknowledgement are per-socket bookkeeping, never
	// idempotency-guarded and never forwarded.
	switch cmd.Type {
	case CmdSessionSubscribe:
		if sock != nil {
			s.replayBuffered(sock, cmd.LastSeq)
		}
		return
	case CmdSessionAck:
		if cmd.LastSeq > s.lastAckSeq && cmd.LastSeq <= s.nextEventSeq-1 {
			s.lastAckSeq = cmd.LastSeq
			r.persist(s)
		}
		return
	}

	if !r.shouldProcess(s, cmd.Type, cmd.ClientMsgID) {
		slog.Debug("bridge: duplicate command dropped", "sessionID", s.ID, "commandType", cmd.Type, "clientMsgID", cmd.ClientMsgID)
		return
	}

	if s.backendKind == BackendAdapter {
		r.routeAdapterCommand(s, &cmd, raw)
		return
	}

	switch cmd.Type {
	case CmdUserMessage:
		r.handleUserMessage(s, &cmd)

	case CmdPermissionRespond:
		r.handlePermissionResponse(s, &cmd)

	case CmdInterrupt:
		r.sendControlRequest(s, map[string]any{"subtype": "interrupt"}, func(result json.RawMessage) {
			s.broadcastEvent(r.cfg.EventBufferSize, EventControlDone, map[string]any{
				"subtype": "interrupt",
			})
		})

	case CmdSetModel:
		model := cmd.Model
		r.sendControlRequest(s, map[string]any{"subtype": "set_model", "model": model}, func(result json.RawMessage) {
			s.state.Model = model
			r.persist(s)
			s.broadcastEvent(r.cfg.EventBufferSize, EventControlDone, map[string]any{
				"subtype": "set_model",
				"model":   model,
			})
		})

	case CmdSetPermissionMode:
		mode := cmd.Mode
		r.sendControlRequest(s, map[string]any{"subtype": "set_permission_mode", "mode": mode}, func(result json.RawMessage) {
			s.state.PermissionMode = mode
			r.persist(s)
			s.broadcastEvent(r.cfg.EventBufferSize, EventControlDone, map[string]any{
				"subtype": "set_permission_mode",
				"mode":    mode,
			})
		})

	case CmdMcpGetStatus:
		r.requestMcpStatus(s)

	case CmdMcpToggle:
		r.sendMcpMutation(s, "mcp_toggle", map[string]any{
			"subtype": "mcp_toggle",
			"server":  cmd.Server,
			"enabled": cmd.Enabled,
		})

	case CmdMcpReconnect:
		r.sendMcpMutation(s, "mcp_reconnect", map[string]any{
			"subtype": "mcp_reconnect",
			"server":  cmd.Server,
		})

	case CmdMcpSetServers:
		r.sendMcpMutation(s, "mcp_set_servers", map[string]any{
			"subtype": "mcp_set_servers",
			"servers": cmd.Servers,
		})

	default:
		// Unknown command types pass through untouched for forward
		// compatibility.
		r.sendBackend(s, raw)
	}
}

// routeAdapterCommand handles commands for an adapter-bound session. The
// adapter interprets browser frames itself, so everything is delegated
// as-is; the bridge keeps only the two responsibilities it cannot hand
// off: mirroring user messages to other viewers and closing out pending
// permission requests.
func (r *Registry) routeAdapterCommand(s *Session, cmd *browserCommand, raw []byte) {
	switch cmd.Type {
	case CmdUserMessage:
		r.mirrorUserMessage(s, cmd)
	case CmdPermissionRespond:
		if _, ok := s.pendingPermissions[cmd.RequestID]; ok {
			delete(s.pendingPermissions, cmd.RequestID)
			r.persist(s)
		}
	}
	r.sendBackend(s, raw)
}

// handleUserMessage mirrors the message to every viewer and translates it
// into the backend's stream-input envelope.
func (r *Registry) handleUserMessage(s *Session, cmd *browserCommand) {
	r.mirrorUserMessage(s, cmd)

	var content any = cmd.Content
	if len(cmd.Attachments) > 0 {
		parts := make([]map[string]any, 0, len(cmd.Attachments)+1)
		if cmd.Content != "" {
			parts = append(parts, map[string]any{"type": "text", "text": cmd.Content})
		}
		for _, a := range cmd.Attachments {
			switch a.Type {
			case "image":
				parts = append(parts, map[string]any{
					"type": "image",
					"source": map[string]any{
						"type":       "base64",
						"media_type": a.MediaType,
						"data":       a.Data,
					},
				})
			case "text":
				parts = append(parts, map[string]any{"type": "text", "text": a.Text})
			default:
				slog.Warn("bridge: unsupported attachment type dropped", "sessionID", s.ID, "attachmentType", a.Type)
			}
		}
		content = parts
	}

	envelope := mustMarshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	})
	r.sendBackend(s, envelope)
}

// mirrorUserMessage echoes a user message back to every attached browser
// so other tabs render it, records it in conversation history, and
// persists.
func (r *Registry) mirrorUserMessage(s *Session, cmd *browserCommand) {
	id := cmd.ClientMsgID
	if id == "" {
		id = uuid.NewString()
	}
	fields := map[string]any{
		"id":        id,
		"content":   cmd.Content,
		"timestamp": serverTimestamp(),
	}
	if len(cmd.Attachments) > 0 {
		fields["attachments"] = cmd.Attachments
	}
	frame := s.broadcastEvent(r.cfg.EventBufferSize, EventUserMessage, fields)
	s.appendHistory(frame)
	r.persist(s)
}

// handlePermissionResponse resolves a pending permission request. A
// response for a request the bridge no longer tracks (already answered in
// another tab, or cancelled by a backend disconnect) is dropped silently;
// the late tab already saw the cancellation broadcast.
func (r *Registry) handlePermissionResponse(s *Session, cmd *browserCommand) {
	if _, ok := s.pendingPermissions[cmd.RequestID]; !ok {
		slog.Debug("bridge: permission response without pending request", "sessionID", s.ID, "requestID", cmd.RequestID)
		return
	}
	delete(s.pendingPermissions, cmd.RequestID)
	r.persist(s)

	response := map[string]any{"behavior": cmd.Behavior}
	if cmd.Behavior == "allow" && len(cmd.UpdatedInput) > 0 {
		response["updatedInput"] = cmd.UpdatedInput
	}
	frame := mustMarshal(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": cmd.RequestID,
			"response":   response,
		},
	})
	r.sendBackend(s, frame)
}

// sendControlRequest issues a backend control_request with a fresh id and
// registers the completion callback. The callback runs under the session
// lock when the matching control_response arrives; requests queued while
// the backend is down resolve after the flush.
func (r *Registry) sendControlRequest(s *Session, request map[string]any, onDone func(result json.RawMessage)) string {
	id := uuid.NewString()
	s.pendingControlRequests[id] = onDone
	frame := mustMarshal(map[string]any{
		"type":       "control_request",
		"request_id": id,
		"request":    request,
	})
	r.sendBackend(s, frame)
	return id
}

// requestMcpStatus asks the backend for its MCP server table and surfaces
// the answer as a control_done broadcast.
func (r *Registry) requestMcpStatus(s *Session) {
	r.sendControlRequest(s, map[string]any{"subtype": "mcp_status"}, func(result json.RawMessage) {
		s.broadcastEvent(r.cfg.EventBufferSize, EventControlDone, map[string]any{
			"subtype": "mcp_status",
			"result":  result,
		})
	})
}

// sendMcpMutation issues a mutating MCP control request and, once it
// completes, re-queries server status so every viewer converges on the
// post-mutation table instead of trusting the mutation's own reply.
func (r *Registry) sendMcpMutation(s *Session, subtype string, request map[string]any) {
	r.sendControlRequest(s, request, func(result json.RawMessage) {
		s.broadcastEvent(r.cfg.EventBufferSize, EventControlDone, map[string]any{
			"subtype": subtype,
			"result":  result,
		})
		r.requestMcpStatus(s)
	})
}
