package bridge

import (
	"encoding/json"
	"time"
)

// Emitter lets an adapter-kind backend publish browser events through the
// session's sequencer from its own goroutines. Every method takes the
// session lock internally, so adapters never touch Session directly. All
// methods are no-ops once the session is gone.
type Emitter struct {
	r         *Registry
	sessionID string
}

// Emitter returns an event publisher bound to one session.
func (r *Registry) Emitter(sessionID string) *Emitter {
	return &Emitter{r: r, sessionID: sessionID}
}

// SessionID returns the bound session id.
func (e *Emitter) SessionID() string {
	return e.sessionID
}

// Broadcast sequences and fans out one event. When retain is true the
// frame is also appended to conversation history and the session is
// persisted; ephemeral traffic (stream deltas, tool progress) passes
// retain=false.
func (e *Emitter) Broadcast(eventType string, fields map[string]any, retain bool) {
	e.r.withSession(e.sessionID, func(s *Session) {
		frame := s.broadcastEvent(e.r.cfg.EventBufferSize, eventType, fields)
		if retain {
			s.appendHistory(frame)
			e.r.persist(s)
		}
	})
}

// MutateState applies fn to the session state under the lock and persists.
func (e *Emitter) MutateState(fn func(*SessionState)) {
	e.r.withSession(e.sessionID, func(s *Session) {
		fn(&s.state)
		e.r.persist(s)
	})
}

// EmitInit applies the backend's announced capabilities, refreshes git
// metadata, broadcasts the full snapshot, and flushes commands queued
// while the backend was still starting.
func (e *Emitter) EmitInit(backendSessionID string, apply func(*SessionState)) {
	e.r.withSession(e.sessionID, func(s *Session) {
		if backendSessionID != "" {
			s.backendSessionID = backendSessionID
			if e.r.hooks.OnSessionIDLearned != nil {
				e.r.hooks.OnSessionIDLearned(s.ID, backendSessionID)
			}
		}
		if apply != nil {
			apply(&s.state)
		}
		e.r.refreshGitInfo(s)
		s.broadcastEvent(e.r.cfg.EventBufferSize, EventSessionInit, map[string]any{
			"state":            s.state,
			"backendSessionId": s.backendSessionID,
		})
		e.r.persist(s)
		s.flushPending()
	})
}

// EmitResult records turn accounting, broadcasts the retained result
// event, and fires the one-shot first-turn callback.
func (e *Emitter) EmitResult(fields map[string]any, apply func(*SessionState)) {
	e.r.withSession(e.sessionID, func(s *Session) {
		if apply != nil {
			apply(&s.state)
		}
		e.r.refreshGitInfo(s)
		frame := s.broadcastEvent(e.r.cfg.EventBufferSize, EventResult, fields)
		s.appendHistory(frame)
		e.r.persist(s)
		if e.r.markAutoNamingAttempted(s.ID) && e.r.hooks.OnFirstTurnCompleted != nil {
			go e.r.hooks.OnFirstTurnCompleted(s.ID)
		}
	})
}

// OpenPermission registers and broadcasts a pending permission request.
func (e *Emitter) OpenPermission(req PermissionRequest) {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	e.r.withSession(e.sessionID, func(s *Session) {
		stored := req
		s.pendingPermissions[req.RequestID] = &stored
		s.broadcastEvent(e.r.cfg.EventBufferSize, EventPermissionRequest, permissionFields(&stored))
		e.r.persist(s)
	})
}

// ClosePermission drops a pending permission without a browser decision
// (the adapter's own prompt turn was cancelled) and broadcasts the
// retained cancellation so late tabs see it.
func (e *Emitter) ClosePermission(requestID string) {
	e.r.withSession(e.sessionID, func(s *Session) {
		if _, ok := s.pendingPermissions[requestID]; !ok {
			return
		}
		delete(s.pendingPermissions, requestID)
		frame := s.broadcastEvent(e.r.cfg.EventBufferSize, EventPermissionCancelled, map[string]any{
			"request_id": requestID,
		})
		s.appendHistory(frame)
		e.r.persist(s)
	})
}

// Record forwards raw adapter traffic to the optional recorder.
func (e *Emitter) Record(direction string, payload json.RawMessage) {
	e.r.withSession(e.sessionID, func(s *Session) {
		e.r.record(s, direction, payload, "backend")
	})
}
