package bridge

import (
	"encoding/json"
	"sort"
)

// PersistedSession mirrors the Session aggregate's durable subset. It is
// what the store saves and loads; connections and attached sockets are
// never persisted.
type PersistedSession struct {
	ID                        string              `json:"id"`
	BackendKind               BackendKind         `json:"backendKind,omitempty"`
	State                     SessionState        `json:"state"`
	MessageHistory            []json.RawMessage   `json:"messageHistory,omitempty"`
	PendingMessages           []json.RawMessage   `json:"pendingMessages,omitempty"`
	PendingPermissions        []PermissionRequest `json:"pendingPermissions,omitempty"`
	EventBuffer               []BufferedEvent     `json:"eventBuffer,omitempty"`
	NextEventSeq              uint64              `json:"nextEventSeq"`
	LastAckSeq                uint64              `json:"lastAckSeq"`
	ProcessedClientMessageIDs []string            `json:"processedClientMessageIds,omitempty"`
}

// sessionToPersisted captures the durable subset. Caller holds the session
// lock. Pending permissions are flattened to an entry list ordered by
// creation time so restores are deterministic.
func sessionToPersisted(s *Session) PersistedSession {
	perms := make([]PermissionRequest, 0, len(s.pendingPermissions))
	for _, p := range s.pendingPermissions {
		perms = append(perms, *p)
	}
	sort.Slice(perms, func(i, j int) bool {
		if perms[i].CreatedAt.Equal(perms[j].CreatedAt) {
			return perms[i].RequestID < perms[j].RequestID
		}
		return perms[i].CreatedAt.Before(perms[j].CreatedAt)
	})

	return PersistedSession{
		ID:                        s.ID,
		BackendKind:               s.backendKind,
		State:                     s.state,
		MessageHistory:            s.messageHistory,
		PendingMessages:           s.pendingMessages,
		PendingPermissions:        perms,
		EventBuffer:               s.eventBuffer,
		NextEventSeq:              s.nextEventSeq,
		LastAckSeq:                s.lastAckSeq,
		ProcessedClientMessageIDs: s.processedClientMessageIDs,
	}
}

// sessionFromPersisted reconstructs an aggregate. Missing optional fields
// default to empty; the sequence counter is clamped so the lastAckSeq <=
// nextEventSeq-1 invariant holds even for hand-edited records.
func sessionFromPersisted(rec PersistedSession) *Session {
	s := newSession(rec.ID)
	s.backendKind = rec.BackendKind
	s.state = rec.State
	s.messageHistory = rec.MessageHistory
	s.pendingMessages = rec.PendingMessages
	s.eventBuffer = rec.EventBuffer
	s.lastAckSeq = rec.LastAckSeq

	s.nextEventSeq = rec.NextEventSeq
	if s.nextEventSeq == 0 {
		s.nextEventSeq = 1
	}
	if s.lastAckSeq > s.nextEventSeq-1 {
		s.lastAckSeq = s.nextEventSeq - 1
	}

	for _, p := range rec.PendingPermissions {
		req := p
		s.pendingPermissions[p.RequestID] = &req
	}
	for _, id := range rec.ProcessedClientMessageIDs {
		if _, dup := s.processedClientMessageIDSet[id]; dup {
			continue
		}
		s.processedClientMessageIDs = append(s.processedClientMessageIDs, id)
		s.processedClientMessageIDSet[id] = struct{}{}
	}
	return s
}
