package recorder

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/workspace/session-bridge/internal/bridge"
)

func TestRecordWritesOneJSONObjectPerLine(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "traffic.jsonl")
	rec, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	rec.Record("s1", "inbound", []byte(`{"type":"assistant"}`), "backend", bridge.BackendDirect, "/tmp/work")
	rec.Record("s1", "outbound", []byte(`{"type":"user"}`), "backend", bridge.BackendDirect, "/tmp/work")
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			t.Fatalf("line %d not valid JSON: %v", len(lines)+1, err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}

	first := lines[0]
	if first["sessionId"] != "s1" || first["direction"] != "inbound" || first["peerKind"] != "backend" {
		t.Errorf("entry header = %v", first)
	}
	if first["backendKind"] != "direct" || first["cwd"] != "/tmp/work" {
		t.Errorf("entry context = %v", first)
	}
	payload := first["payload"].(map[string]any)
	if payload["type"] != "assistant" {
		t.Errorf("payload = %v", payload)
	}
	if _, hasRaw := first["raw"]; hasRaw {
		t.Error("valid JSON payload must not be duplicated into raw")
	}
}

func TestRecordKeepsInvalidJSONAsRaw(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "traffic.jsonl")
	rec, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	rec.Record("s1", "inbound", []byte("{truncated"), "backend", bridge.BackendDirect, "")
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read recording: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("recorded line not valid JSON: %v", err)
	}
	if m["raw"] != "{truncated" {
		t.Errorf("raw = %v, want the malformed input verbatim", m["raw"])
	}
	if _, hasPayload := m["payload"]; hasPayload {
		t.Error("malformed input must not be stored as payload")
	}
}

func TestOpenAppendsToExistingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "traffic.jsonl")

	rec, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	rec.Record("s1", "inbound", []byte(`{}`), "browser", "", "")
	rec.Close()

	rec, err = Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	rec.Record("s1", "inbound", []byte(`{}`), "browser", "", "")
	rec.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read recording: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Fatalf("lines = %d, want 2 (reopen must append)", lines)
	}
}
