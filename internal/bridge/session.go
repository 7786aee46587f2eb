package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// BackendKind selects which connection variant a session is bound to.
type BackendKind string

const (
	// BackendDirect is a CLI process speaking newline-delimited JSON over a
	// socket owned by the bridge.
	BackendDirect BackendKind = "direct"
	// BackendAdapter is an opaque object translating another RPC protocol
	// (ACP) into the same browser event vocabulary. It owns its own
	// connection lifecycle.
	BackendAdapter BackendKind = "adapter"
)

// SessionState is the flat record of session-visible fields broadcast
// verbatim to newly attached browsers as a snapshot. It is mutated only by
// the CLI-message router and git-info resolution.
type SessionState struct {
	Model          string            `json:"model,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	Tools          []string          `json:"tools,omitempty"`
	PermissionMode string            `json:"permissionMode,omitempty"`
	McpServers     []McpServerStatus `json:"mcpServers,omitempty"`
	SlashCommands  []string          `json:"slashCommands,omitempty"`
	Skills         []string          `json:"skills,omitempty"`

	// Git metadata, mutated in place by the git-info resolver.
	Branch          string `json:"branch,omitempty"`
	IsWorktree      bool   `json:"isWorktree,omitempty"`
	IsContainerized bool   `json:"isContainerized,omitempty"`
	RepoRoot        string `json:"repoRoot,omitempty"`
	AheadCount      int    `json:"aheadCount,omitempty"`
	BehindCount     int    `json:"behindCount,omitempty"`

	// Turn accounting, updated from result messages.
	TotalCostUSD float64 `json:"totalCostUsd,omitempty"`
	NumTurns     int     `json:"numTurns,omitempty"`
	LinesAdded   int     `json:"linesAdded,omitempty"`
	LinesRemoved int     `json:"linesRemoved,omitempty"`
	ContextPct   float64 `json:"contextPct,omitempty"`
	Compacting   bool    `json:"compacting,omitempty"`

	BackendKind BackendKind `json:"backendKind,omitempty"`
}

// gitFields returns the six fields owned by the git-info resolver, used to
// diff before/after a resolution pass.
func (s *SessionState) gitFields() [6]any {
	return [6]any{s.Branch, s.IsWorktree, s.IsContainerized, s.RepoRoot, s.AheadCount, s.BehindCount}
}

// PermissionRequest is an open question posed by the backend about whether
// a tool call may proceed. It is destroyed on browser response or on
// backend disconnect; there is no other expiry.
type PermissionRequest struct {
	RequestID   string          `json:"requestId"`
	ToolName    string          `json:"toolName"`
	Input       json.RawMessage `json:"input,omitempty"`
	Suggestions json.RawMessage `json:"suggestions,omitempty"`
	Description string          `json:"description,omitempty"`
	ToolUseID   string          `json:"toolUseId,omitempty"`
	AgentID     string          `json:"agentId,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// BrowserSocket is an attached browser connection. Send must not block:
// implementations enqueue onto a bounded channel and return an error when
// the socket is gone or saturated, at which point the session prunes it.
type BrowserSocket interface {
	ID() string
	Send(frame []byte) error
	Close() error
}

// Backend is a session's connection to its coding agent. Deliver hands a
// backend-bound frame to the connection: the direct variant writes one
// newline-delimited JSON line, the adapter variant interprets the frame
// itself. Deliver is invoked while the session is locked, so
// implementations must hand any work that re-enters the session (event
// emission, state mutation) to their own goroutines.
type Backend interface {
	Deliver(frame []byte) error
	Close() error
}

// Session is the aggregate root: one per conversation. All mutation happens
// through Registry handlers while holding mu, so no two messages for the
// same session are processed concurrently.
type Session struct {
	ID string

	// mu serializes all message handling for this session. Registry
	// handlers acquire it on entry; sessions never share mutable state with
	// each other, so there is no cross-session lock.
	mu sync.Mutex

	backendKind BackendKind
	backend     Backend

	browserSockets map[string]BrowserSocket

	state SessionState

	pendingPermissions     map[string]*PermissionRequest
	pendingControlRequests map[string]func(result json.RawMessage)

	messageHistory  []json.RawMessage
	pendingMessages []json.RawMessage

	nextEventSeq uint64
	eventBuffer  []BufferedEvent
	lastAckSeq   uint64

	processedClientMessageIDs   []string
	processedClientMessageIDSet map[string]struct{}

	backendSessionID string
}

func newSession(id string) *Session {
	return &Session{
		ID:                          id,
		browserSockets:              make(map[string]BrowserSocket),
		pendingPermissions:          make(map[string]*PermissionRequest),
		pendingControlRequests:      make(map[string]func(json.RawMessage)),
		processedClientMessageIDSet: make(map[string]struct{}),
		nextEventSeq:                1,
	}
}

// State returns a copy of the session-visible state.
func (s *Session) State() SessionState {
	return s.state
}

// BackendKind reports which connection variant the session is bound to.
func (s *Session) BackendKind() BackendKind {
	return s.backendKind
}

// BackendConnected reports whether a backend connection is currently
// attached. An adapter counts as connected from the moment it is attached,
// even before its own readiness flips.
func (s *Session) BackendConnected() bool {
	return s.backend != nil
}

// --- sequencer & broadcast (callers hold the session lock via Registry) ---

// broadcastEvent assigns the next sequence number, appends the frame to the
// bounded replay buffer, and fans it out to every attached browser socket.
// Sockets whose send fails are pruned from the set.
func (s *Session) broadcastEvent(bufferCap int, eventType string, fields map[string]any) []byte {
	seq := s.nextEventSeq
	s.nextEventSeq++

	frame := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		frame[k] = v
	}
	frame["type"] = eventType
	frame["seq"] = seq

	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("bridge: marshal broadcast frame", "sessionID", s.ID, "eventType", eventType, "error", err)
		return nil
	}

	s.eventBuffer = append(s.eventBuffer, BufferedEvent{Seq: seq, Type: eventType, Frame: data})
	if len(s.eventBuffer) > bufferCap {
		excess := len(s.eventBuffer) - bufferCap
		s.eventBuffer = s.eventBuffer[excess:]
	}

	s.fanOut(data)
	return data
}

// fanOut sends a frame to every attached browser socket, pruning sockets
// that refuse it.
func (s *Session) fanOut(data []byte) {
	for id, sock := range s.browserSockets {
		if err := sock.Send(data); err != nil {
			slog.Warn("bridge: browser send failed, pruning socket", "sessionID", s.ID, "socketID", id, "error", err)
			delete(s.browserSockets, id)
			_ = sock.Close()
		}
	}
}

// sendToSocket sends a frame to one socket without sequencing or buffering.
func (s *Session) sendToSocket(sock BrowserSocket, frame map[string]any) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("bridge: marshal direct frame", "sessionID", s.ID, "error", err)
		return
	}
	if err := sock.Send(data); err != nil {
		slog.Warn("bridge: direct send failed, pruning socket", "sessionID", s.ID, "socketID", sock.ID(), "error", err)
		delete(s.browserSockets, sock.ID())
		_ = sock.Close()
	}
}

// replayBuffered sends every buffered history-backed event with seq >
// lastSeq to one socket, in original order.
func (s *Session) replayBuffered(sock BrowserSocket, lastSeq uint64) {
	for _, ev := range s.eventBuffer {
		if ev.Seq <= lastSeq || !historyBacked[ev.Type] {
			continue
		}
		if err := sock.Send(ev.Frame); err != nil {
			slog.Warn("bridge: replay send failed, pruning socket", "sessionID", s.ID, "socketID", sock.ID(), "error", err)
			delete(s.browserSockets, sock.ID())
			_ = sock.Close()
			return
		}
	}
}

// --- history & outbound queue ---

// appendHistory appends a browser-visible frame to the conversation log.
func (s *Session) appendHistory(frame []byte) {
	if frame == nil {
		return
	}
	s.messageHistory = append(s.messageHistory, json.RawMessage(frame))
}

// queueOrDeliver sends a backend-bound frame if a connection is attached,
// otherwise queues it for the flush on the next connect-or-init event. A
// delivery failure is logged and the frame dropped: queuing is proactive,
// not a retry mechanism.
func (s *Session) queueOrDeliver(frame []byte) {
	if s.backend == nil {
		s.pendingMessages = append(s.pendingMessages, json.RawMessage(frame))
		return
	}
	if err := s.backend.Deliver(frame); err != nil {
		slog.Error("bridge: backend deliver failed, dropping frame", "sessionID", s.ID, "error", err)
	}
}

// flushPending delivers queued backend-bound frames in FIFO order. Called
// on connect and again on init, because some backends only accept input
// after their init handshake.
func (s *Session) flushPending() {
	if s.backend == nil || len(s.pendingMessages) == 0 {
		return
	}
	queued := s.pendingMessages
	s.pendingMessages = nil
	for _, frame := range queued {
		if err := s.backend.Deliver(frame); err != nil {
			slog.Error("bridge: flush deliver failed, dropping frame", "sessionID", s.ID, "error", err)
		}
	}
	slog.Info("bridge: flushed pending backend frames", "sessionID", s.ID, "count", len(queued))
}
