// Package bridge implements the session relay core: the session registry,
// the event-sequencing/replay protocol, the idempotent-command guard, the
// CLI- and browser-message routers, and the persistence glue.
package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Config tunes the relay protocol buffers.
type Config struct {
	// EventBufferSize bounds the per-session replay window.
	EventBufferSize int
	// ProcessedIDCap bounds the idempotency guard's id list.
	ProcessedIDCap int
}

func (c Config) withDefaults() Config {
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = 600
	}
	if c.ProcessedIDCap <= 0 {
		c.ProcessedIDCap = 1000
	}
	return c
}

// Store is the durable persistence contract: one record per session.
type Store interface {
	LoadAll() ([]PersistedSession, error)
	Save(PersistedSession) error
	Remove(id string) error
}

// GitResolver refreshes a session's git metadata fields in place. The
// registry diffs the six git fields before and after each call to decide
// whether to broadcast, persist, and notify.
type GitResolver interface {
	Resolve(sessionID string, state *SessionState)
}

// Recorder is an optional passive raw-traffic logger. It is invoked for
// every inbound/outbound frame on both peers and never affects routing.
type Recorder interface {
	Record(sessionID, direction string, payload []byte, peerKind string, backendKind BackendKind, cwd string)
}

// Hooks are single-subscriber extension points: at most one callback per
// concern, registered once at construction.
type Hooks struct {
	// OnSessionIDLearned fires when a backend announces its internal
	// session id (used by callers for future resume).
	OnSessionIDLearned func(sessionID, backendSessionID string)
	// OnRelaunchNeeded fires when a browser attaches to a session whose
	// backend is unreachable. Invoked on its own goroutine.
	OnRelaunchNeeded func(sessionID string)
	// OnFirstTurnCompleted fires exactly once per session, on the first
	// result message, for downstream auto-naming. Invoked on its own
	// goroutine.
	OnFirstTurnCompleted func(sessionID string)
	// OnGitInfoChanged fires when a git-info resolution pass changed any of
	// the six git fields.
	OnGitInfoChanged func(sessionID string, state SessionState)
}

// Registry is the in-memory map from session id to Session aggregate, plus
// the routing logic that mutates it. Pass it explicitly to whatever owns
// the transport listeners.
type Registry struct {
	cfg      Config
	store    Store
	git      GitResolver
	recorder Recorder
	hooks    Hooks

	mu        sync.Mutex
	sessions  map[string]*Session
	autoNamed map[string]struct{}
}

// NewRegistry creates an empty registry. store may be nil for in-memory
// operation; git and recorder may be nil.
func NewRegistry(cfg Config, store Store, git GitResolver, recorder Recorder, hooks Hooks) *Registry {
	return &Registry{
		cfg:       cfg.withDefaults(),
		store:     store,
		git:       git,
		recorder:  recorder,
		hooks:     hooks,
		sessions:  make(map[string]*Session),
		autoNamed: make(map[string]struct{}),
	}
}

// GetOrCreate returns the existing session or creates one with default
// state. It never reclassifies an existing session's backend kind: that
// happens only on an explicit backend attach.
func (r *Registry) GetOrCreate(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(id)
}

func (r *Registry) getOrCreateLocked(id string) *Session {
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := newSession(id)
	r.sessions[id] = s
	slog.Info("bridge: session created", "sessionID", id)
	return s
}

// Get looks up a session without creating it.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Remove drops the session from the registry without closing its sockets
// or store record. Used when the caller has already handled teardown.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Close tears a session down: closes the backend connection, closes every
// browser socket, removes the registry entry, and removes the store record.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.backend != nil {
		_ = s.backend.Close()
		s.backend = nil
	}
	for sockID, sock := range s.browserSockets {
		_ = sock.Close()
		delete(s.browserSockets, sockID)
	}
	s.mu.Unlock()

	if r.store != nil {
		if err := r.store.Remove(id); err != nil {
			slog.Error("bridge: remove store record", "sessionID", id, "error", err)
		}
	}
	slog.Info("bridge: session closed", "sessionID", id)
}

// Restore loads all persisted records once at startup. Ids already live in
// memory are skipped; malformed optional fields default to empty. Git info
// is re-resolved because persisted data may predate it, and auto-naming is
// suppressed for sessions that already have completed turns.
func (r *Registry) Restore() error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.LoadAll()
	if err != nil {
		return err
	}

	restored := 0
	for _, rec := range records {
		r.mu.Lock()
		if _, live := r.sessions[rec.ID]; live {
			r.mu.Unlock()
			continue
		}
		s := sessionFromPersisted(rec)
		r.sessions[rec.ID] = s
		if s.state.NumTurns > 0 {
			r.autoNamed[rec.ID] = struct{}{}
		}
		r.mu.Unlock()

		s.mu.Lock()
		r.refreshGitInfo(s)
		s.mu.Unlock()
		restored++
	}
	if restored > 0 {
		slog.Info("bridge: sessions restored", "count", restored)
	}
	return nil
}

// withSession runs fn while holding the session's lock. Returns false if
// the session does not exist: inbound traffic for unknown sessions is
// dropped silently.
func (r *Registry) withSession(id string, fn func(*Session)) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
	return true
}

// markAutoNamingAttempted records the one-shot auto-naming gate. Returns
// true on the first call for a session. A side set is used instead of the
// turn counter because turn counts are not a reliable first-turn signal.
func (r *Registry) markAutoNamingAttempted(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.autoNamed[id]; done {
		return false
	}
	r.autoNamed[id] = struct{}{}
	return true
}

// persist saves the session's durable subset. Best-effort: a persistence
// failure is logged and never propagates out of a message handler. Caller
// holds the session lock.
func (r *Registry) persist(s *Session) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(sessionToPersisted(s)); err != nil {
		slog.Error("bridge: persist session", "sessionID", s.ID, "error", err)
	}
}

// refreshGitInfo runs one git resolution pass and, when any of the six git
// fields changed, broadcasts a status_change, persists, and notifies the
// git-info hook. Caller holds the session lock.
func (r *Registry) refreshGitInfo(s *Session) bool {
	if r.git == nil {
		return false
	}
	before := s.state.gitFields()
	r.git.Resolve(s.ID, &s.state)
	if s.state.gitFields() == before {
		return false
	}
	s.broadcastEvent(r.cfg.EventBufferSize, EventStatusChange, map[string]any{
		"branch":          s.state.Branch,
		"isWorktree":      s.state.IsWorktree,
		"isContainerized": s.state.IsContainerized,
		"repoRoot":        s.state.RepoRoot,
		"aheadCount":      s.state.AheadCount,
		"behindCount":     s.state.BehindCount,
	})
	r.persist(s)
	if r.hooks.OnGitInfoChanged != nil {
		r.hooks.OnGitInfoChanged(s.ID, s.state)
	}
	return true
}

// record invokes the optional raw-traffic recorder.
func (r *Registry) record(s *Session, direction string, payload []byte, peerKind string) {
	if r.recorder == nil {
		return
	}
	r.recorder.Record(s.ID, direction, payload, peerKind, s.backendKind, s.state.Cwd)
}

// serverTimestamp is the millisecond timestamp stamped onto system events.
func serverTimestamp() int64 {
	return time.Now().UnixMilli()
}

// mustMarshal marshals values the bridge itself constructed.
func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("bridge: marshal", "error", err)
		return nil
	}
	return data
}
