// Package recorder appends raw bridge traffic to a JSONL file for offline
// debugging and replay. Recording is passive: it never affects routing and
// its failures are logged, not returned.
package recorder

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/workspace/session-bridge/internal/bridge"
)

// entry is one recorded frame.
type entry struct {
	Timestamp   int64           `json:"timestamp"`
	SessionID   string          `json:"sessionId"`
	Direction   string          `json:"direction"`
	PeerKind    string          `json:"peerKind"`
	BackendKind string          `json:"backendKind,omitempty"`
	Cwd         string          `json:"cwd,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Raw         string          `json:"raw,omitempty"`
}

// Recorder writes one JSON object per line. It satisfies bridge.Recorder.
type Recorder struct {
	mu sync.Mutex
	f  *os.File
}

// Open creates or appends to the JSONL file at path.
func Open(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open recording file: %w", err)
	}
	return &Recorder{f: f}, nil
}

// Close flushes and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

// Record appends one frame. Payloads that are not valid JSON are kept as a
// raw string so a malformed line is still observable.
func (r *Recorder) Record(sessionID, direction string, payload []byte, peerKind string, backendKind bridge.BackendKind, cwd string) {
	e := entry{
		Timestamp:   time.Now().UnixMilli(),
		SessionID:   sessionID,
		Direction:   direction,
		PeerKind:    peerKind,
		BackendKind: string(backendKind),
		Cwd:         cwd,
	}
	if json.Valid(payload) {
		e.Payload = json.RawMessage(payload)
	} else {
		e.Raw = string(payload)
	}

	line, err := json.Marshal(e)
	if err != nil {
		slog.Error("recorder: marshal entry", "sessionID", sessionID, "error", err)
		return
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.f.Write(line); err != nil {
		slog.Error("recorder: write entry", "sessionID", sessionID, "error", err)
	}
}
