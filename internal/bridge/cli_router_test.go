package bridge

import (
	"encoding/json"
	"testing"
	"time"
)

func TestInitAdoptsStateAndAnnouncesBackendSessionID(t *testing.T) {
	t.Parallel()

	var learnedBridge, learnedBackend string
	r := NewRegistry(Config{}, nil, nil, nil, Hooks{
		OnSessionIDLearned: func(sessionID, backendSessionID string) {
			learnedBridge = sessionID
			learnedBackend = backendSessionID
		},
	})
	r.AttachDirectBackend("s1", &fakeBackend{})
	sock := newFakeSocket("tab1")
	r.AttachBrowser("s1", sock)

	r.HandleCLIFrames("s1", []byte(`{"type":"system","subtype":"init","session_id":"backend-abc","model":"opus","cwd":"/tmp/work","tools":["bash","edit"],"permissionMode":"default","mcp_servers":[{"name":"fs","status":"connected"}],"slash_commands":["/compact"],"skills":["review"]}`))

	if learnedBridge != "s1" || learnedBackend != "backend-abc" {
		t.Errorf("session id hook got (%q, %q), want (s1, backend-abc)", learnedBridge, learnedBackend)
	}

	s, _ := r.Get("s1")
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state.Model != "opus" || state.Cwd != "/tmp/work" || state.PermissionMode != "default" {
		t.Errorf("state not adopted: %+v", state)
	}
	if len(state.Tools) != 2 || len(state.McpServers) != 1 || len(state.SlashCommands) != 1 || len(state.Skills) != 1 {
		t.Errorf("list fields not adopted: %+v", state)
	}

	var initFrame map[string]any
	for _, m := range sock.decoded(t) {
		if m["type"] == EventSessionInit {
			if _, hasSeq := m["seq"]; hasSeq {
				initFrame = m
			}
		}
	}
	if initFrame == nil {
		t.Fatal("no sequenced session_init broadcast after init")
	}
	if initFrame["backendSessionId"] != "backend-abc" {
		t.Errorf("backendSessionId = %v, want backend-abc", initFrame["backendSessionId"])
	}
}

func TestInitFlushesQueueForSlowHandshakeBackends(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{})
	backend := &fakeBackend{}
	r.AttachDirectBackend("s1", backend)

	// A frame left queued from a failed flush must go out on init.
	s, _ := r.Get("s1")
	s.mu.Lock()
	s.pendingMessages = append(s.pendingMessages, json.RawMessage(`{"type":"user","message":{"role":"user","content":"queued"}}`))
	s.mu.Unlock()

	r.HandleCLIFrames("s1", []byte(`{"type":"system","subtype":"init","session_id":"b1"}`))

	backend.mu.Lock()
	delivered := len(backend.frames)
	backend.mu.Unlock()
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	s.mu.Lock()
	remaining := len(s.pendingMessages)
	s.mu.Unlock()
	if remaining != 0 {
		t.Errorf("pending after init = %d, want 0", remaining)
	}
}

func TestResultUpdatesCountersAndFiresFirstTurnOnce(t *testing.T) {
	t.Parallel()

	firstTurn := make(chan string, 2)
	r := NewRegistry(Config{}, nil, nil, nil, Hooks{
		OnFirstTurnCompleted: func(sessionID string) { firstTurn <- sessionID },
	})
	r.AttachDirectBackend("s1", &fakeBackend{})

	r.HandleCLIFrames("s1", []byte(`{"type":"result","total_cost_usd":0.5,"num_turns":1,"lines_added":10,"lines_removed":2,"context_pct":12.5}`))
	r.HandleCLIFrames("s1", []byte(`{"type":"result","total_cost_usd":0.9,"num_turns":2,"lines_added":5,"lines_removed":1}`))

	s, _ := r.Get("s1")
	s.mu.Lock()
	state := s.state
	historyLen := len(s.messageHistory)
	s.mu.Unlock()

	if state.TotalCostUSD != 0.9 || state.NumTurns != 2 {
		t.Errorf("cost/turns = %v/%v, want 0.9/2", state.TotalCostUSD, state.NumTurns)
	}
	// Line counters accumulate across turns, the rest overwrite.
	if state.LinesAdded != 15 || state.LinesRemoved != 3 {
		t.Errorf("lines = +%d/-%d, want +15/-3", state.LinesAdded, state.LinesRemoved)
	}
	if state.ContextPct != 12.5 {
		t.Errorf("contextPct = %v, want 12.5 (zero must not overwrite)", state.ContextPct)
	}
	if historyLen != 2 {
		t.Errorf("history = %d, want 2 result entries", historyLen)
	}

	select {
	case id := <-firstTurn:
		if id != "s1" {
			t.Errorf("first-turn hook fired for %q, want s1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first-turn hook never fired")
	}
	select {
	case <-firstTurn:
		t.Fatal("first-turn hook fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAssistantRetainedAndEphemeralNot(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{})
	r.AttachDirectBackend("s1", &fakeBackend{})
	sock := newFakeSocket("tab1")
	r.AttachBrowser("s1", sock)

	r.HandleCLIFrames("s1", []byte(`{"type":"assistant","message":{"content":"hi"}}`))
	r.HandleCLIFrames("s1", []byte(`{"type":"stream_event","event":{"delta":"h"}}`))
	r.HandleCLIFrames("s1", []byte(`{"type":"tool_progress","tool":"bash"}`))

	s, _ := r.Get("s1")
	s.mu.Lock()
	historyLen := len(s.messageHistory)
	s.mu.Unlock()
	if historyLen != 1 {
		t.Errorf("history = %d, want only the assistant message", historyLen)
	}

	got := 0
	for _, typ := range sock.types(t) {
		switch typ {
		case EventAssistant, EventStreamEvent, EventToolProgress:
			got++
		}
	}
	if got != 3 {
		t.Errorf("broadcasts seen = %d, want 3", got)
	}
}

func TestMalformedLineSkippedRestOfBatchProcessed(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{})
	r.AttachDirectBackend("s1", &fakeBackend{})

	chunk := []byte("{not json\n" + `{"type":"assistant","message":{"content":"ok"}}` + "\n\n")
	r.HandleCLIFrames("s1", chunk)

	s, _ := r.Get("s1")
	s.mu.Lock()
	historyLen := len(s.messageHistory)
	s.mu.Unlock()
	if historyLen != 1 {
		t.Fatalf("history = %d, want 1 (valid line must survive malformed sibling)", historyLen)
	}
}

func TestStatusSubtypeTogglesCompacting(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{})
	r.AttachDirectBackend("s1", &fakeBackend{})
	sock := newFakeSocket("tab1")
	r.AttachBrowser("s1", sock)

	r.HandleCLIFrames("s1", []byte(`{"type":"system","subtype":"status","status":"compacting"}`))
	s, _ := r.Get("s1")
	s.mu.Lock()
	compacting := s.state.Compacting
	s.mu.Unlock()
	if !compacting {
		t.Error("compacting should be set")
	}

	r.HandleCLIFrames("s1", []byte(`{"type":"system","subtype":"status","status":"idle","permissionMode":"plan"}`))
	s.mu.Lock()
	compacting = s.state.Compacting
	mode := s.state.PermissionMode
	historyLen := len(s.messageHistory)
	s.mu.Unlock()
	if compacting {
		t.Error("compacting should be cleared")
	}
	if mode != "plan" {
		t.Errorf("permissionMode = %q, want plan", mode)
	}
	if historyLen != 0 {
		t.Error("status pings must not be retained in history")
	}
}

func TestSystemEventsRetainedExceptHookProgress(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{})
	r.AttachDirectBackend("s1", &fakeBackend{})

	r.HandleCLIFrames("s1", []byte(`{"type":"system","subtype":"compact_boundary"}`))
	r.HandleCLIFrames("s1", []byte(`{"type":"system","subtype":"hook_progress","status":"running"}`))
	r.HandleCLIFrames("s1", []byte(`{"type":"system","subtype":"task_notification"}`))

	s, _ := r.Get("s1")
	s.mu.Lock()
	historyLen := len(s.messageHistory)
	s.mu.Unlock()
	if historyLen != 2 {
		t.Fatalf("history = %d, want 2 (hook_progress excluded)", historyLen)
	}
}

func TestKeepAliveDiscarded(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{})
	r.AttachDirectBackend("s1", &fakeBackend{})
	sock := newFakeSocket("tab1")
	r.AttachBrowser("s1", sock)
	before := len(sock.decoded(t))

	r.HandleCLIFrames("s1", []byte(`{"type":"keep_alive"}`))

	if after := len(sock.decoded(t)); after != before {
		t.Errorf("keep_alive produced %d broadcasts, want 0", after-before)
	}
}

func TestUnknownTypeForwardedWithFreshSeq(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{})
	r.AttachDirectBackend("s1", &fakeBackend{})
	sock := newFakeSocket("tab1")
	r.AttachBrowser("s1", sock)

	r.HandleCLIFrames("s1", []byte(`{"type":"future_thing","foo":"bar","seq":9999}`))

	var found map[string]any
	for _, m := range sock.decoded(t) {
		if m["type"] == "future_thing" {
			found = m
		}
	}
	if found == nil {
		t.Fatal("unknown type should be forwarded")
	}
	if found["foo"] != "bar" {
		t.Errorf("payload field lost: %v", found)
	}
	if seq := found["seq"].(float64); seq == 9999 {
		t.Error("backend-supplied seq must be replaced by the session sequencer")
	}
}

func TestControlResponseResolvesSetModel(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{})
	backend := &fakeBackend{}
	r.AttachDirectBackend("s1", backend)
	sock := newFakeSocket("tab1")
	r.AttachBrowser("s1", sock)

	r.HandleBrowserMessage("s1", sock, []byte(`{"type":"set_model","model":"opus","client_msg_id":"c1"}`))

	frames := backend.decoded(t)
	if len(frames) != 1 {
		t.Fatalf("backend frames = %d, want 1 control_request", len(frames))
	}
	if frames[0]["type"] != "control_request" {
		t.Fatalf("frame type = %v, want control_request", frames[0]["type"])
	}
	requestID := frames[0]["request_id"].(string)

	s, _ := r.Get("s1")
	s.mu.Lock()
	modelBefore := s.state.Model
	s.mu.Unlock()
	if modelBefore == "opus" {
		t.Fatal("model must not change before the backend confirms")
	}

	r.HandleCLIFrames("s1", []byte(`{"type":"control_response","response":{"subtype":"success","request_id":"`+requestID+`","response":{}}}`))

	s.mu.Lock()
	model := s.state.Model
	pending := len(s.pendingControlRequests)
	s.mu.Unlock()
	if model != "opus" {
		t.Errorf("model = %q, want opus after confirmation", model)
	}
	if pending != 0 {
		t.Errorf("pending control requests = %d, want 0", pending)
	}

	done := false
	for _, m := range sock.decoded(t) {
		if m["type"] == EventControlDone && m["subtype"] == "set_model" && m["model"] == "opus" {
			done = true
		}
	}
	if !done {
		t.Error("no control_done broadcast for set_model")
	}
}

func TestControlResponseWithoutPendingRequestDropped(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{})
	r.AttachDirectBackend("s1", &fakeBackend{})

	// Must not panic or broadcast.
	r.HandleCLIFrames("s1", []byte(`{"type":"control_response","response":{"request_id":"nope","response":{}}}`))
}

func TestMcpMutationRefreshesStatusAfterCompletion(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{})
	backend := &fakeBackend{}
	r.AttachDirectBackend("s1", backend)

	r.HandleBrowserMessage("s1", nil, []byte(`{"type":"mcp_toggle","server":"fs","enabled":false,"client_msg_id":"c1"}`))

	frames := backend.decoded(t)
	if len(frames) != 1 {
		t.Fatalf("backend frames = %d, want 1", len(frames))
	}
	toggleID := frames[0]["request_id"].(string)

	r.HandleCLIFrames("s1", []byte(`{"type":"control_response","response":{"request_id":"`+toggleID+`","response":{}}}`))

	// Completion of the mutation re-queries server status.
	frames = backend.decoded(t)
	if len(frames) != 2 {
		t.Fatalf("backend frames after completion = %d, want 2", len(frames))
	}
	req := frames[1]["request"].(map[string]any)
	if req["subtype"] != "mcp_status" {
		t.Errorf("follow-up subtype = %v, want mcp_status", req["subtype"])
	}
}
