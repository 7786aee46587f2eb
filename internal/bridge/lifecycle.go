package bridge

import (
	"log/slog"
)

// AttachDirectBackend binds a direct-socket CLI connection to the session,
// creating it if needed. The attach explicitly classifies the session as
// direct-kind, broadcasts connectivity, and flushes any queued commands
// immediately (some backends accept input before their init handshake; the
// init handler flushes again for those that do not).
func (r *Registry) AttachDirectBackend(sessionID string, backend Backend) *Session {
	return r.attachBackend(sessionID, BackendDirect, backend)
}

// AttachAdapterBackend binds an adapter-mediated backend to the session.
// The adapter is treated as a black box satisfying the same browser-facing
// event vocabulary; it counts as alive from this moment.
func (r *Registry) AttachAdapterBackend(sessionID string, backend Backend) *Session {
	return r.attachBackend(sessionID, BackendAdapter, backend)
}

func (r *Registry) attachBackend(sessionID string, kind BackendKind, backend Backend) *Session {
	s := r.GetOrCreate(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backend != nil {
		_ = s.backend.Close()
	}
	s.backendKind = kind
	s.state.BackendKind = kind
	s.backend = backend

	s.broadcastEvent(r.cfg.EventBufferSize, EventCLIConnected, map[string]any{
		"backendKind": kind,
	})
	s.flushPending()
	r.persist(s)
	slog.Info("bridge: backend attached", "sessionID", sessionID, "backendKind", kind)
	return s
}

// DetachBackend clears the session's backend connection, broadcasts the
// disconnection, and cancels every pending permission: a permission
// decision can never outlive the connection that asked for it. Each open
// request yields exactly one permission_cancelled broadcast.
func (r *Registry) DetachBackend(sessionID string) {
	r.withSession(sessionID, func(s *Session) {
		r.detachBackendLocked(s)
	})
}

// DetachBackendConn detaches only while backend is still the attached
// connection. A replaced connection's late EOF must not tear down its
// successor.
func (r *Registry) DetachBackendConn(sessionID string, backend Backend) {
	r.withSession(sessionID, func(s *Session) {
		if s.backend != backend {
			return
		}
		r.detachBackendLocked(s)
	})
}

func (r *Registry) detachBackendLocked(s *Session) {
	if s.backend == nil {
		return
	}
	s.backend = nil

	s.broadcastEvent(r.cfg.EventBufferSize, EventCLIDisconnected, map[string]any{
		"backendKind": s.backendKind,
	})

	for id := range s.pendingPermissions {
		frame := s.broadcastEvent(r.cfg.EventBufferSize, EventPermissionCancelled, map[string]any{
			"request_id": id,
		})
		s.appendHistory(frame)
		delete(s.pendingPermissions, id)
	}

	r.persist(s)
	slog.Info("bridge: backend detached", "sessionID", s.ID)
}

// AttachBrowser adds a browser socket to the session, creating the session
// if needed, and brings the new viewer up to date: refreshed git info, a
// full state snapshot, conversation history, and any permission requests
// still awaiting a decision. If the backend is unreachable the browser is
// told immediately and the relaunch hook fires.
func (r *Registry) AttachBrowser(sessionID string, sock BrowserSocket) *Session {
	s := r.GetOrCreate(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.browserSockets[sock.ID()] = sock

	// A reconnecting browser may be seeing a branch change that happened
	// while it was away.
	r.refreshGitInfo(s)

	s.sendToSocket(sock, map[string]any{
		"type":             EventSessionInit,
		"state":            s.state,
		"backendConnected": s.backend != nil,
	})

	if len(s.messageHistory) > 0 {
		s.sendToSocket(sock, map[string]any{
			"type":     EventMessageHistory,
			"messages": s.messageHistory,
		})
	}

	for _, p := range s.pendingPermissions {
		fields := permissionFields(p)
		fields["type"] = EventPermissionRequest
		s.sendToSocket(sock, fields)
	}

	if s.backend == nil {
		s.sendToSocket(sock, map[string]any{
			"type":        EventCLIDisconnected,
			"backendKind": s.backendKind,
		})
		if r.hooks.OnRelaunchNeeded != nil {
			go r.hooks.OnRelaunchNeeded(s.ID)
		}
	}

	slog.Info("bridge: browser attached", "sessionID", sessionID, "socketID", sock.ID(), "totalSockets", len(s.browserSockets))
	return s
}

// DetachBrowser removes the socket from the session's set. No broadcast
// side effects; the session and its backend keep running.
func (r *Registry) DetachBrowser(sessionID, socketID string) {
	r.withSession(sessionID, func(s *Session) {
		if _, ok := s.browserSockets[socketID]; !ok {
			return
		}
		delete(s.browserSockets, socketID)
		slog.Info("bridge: browser detached", "sessionID", sessionID, "socketID", socketID, "totalSockets", len(s.browserSockets))
	})
}

// sendBackend records and delivers-or-queues a backend-bound frame. Caller
// holds the session lock.
func (r *Registry) sendBackend(s *Session, frame []byte) {
	if frame == nil {
		return
	}
	r.record(s, "outbound", frame, "backend")
	s.queueOrDeliver(frame)
}

// permissionFields flattens a PermissionRequest into its wire fields.
func permissionFields(p *PermissionRequest) map[string]any {
	return map[string]any{
		"request_id":  p.RequestID,
		"tool_name":   p.ToolName,
		"input":       p.Input,
		"suggestions": p.Suggestions,
		"description": p.Description,
		"tool_use_id": p.ToolUseID,
		"agent_id":    p.AgentID,
		"created_at":  p.CreatedAt.UnixMilli(),
	}
}
