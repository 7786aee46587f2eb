package server

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/session-bridge/internal/bridge"
	"github.com/workspace/session-bridge/internal/config"
)

func newTestServer(t *testing.T) (*Server, *bridge.Registry) {
	t.Helper()
	cfg := &config.Config{
		Host:              "127.0.0.1",
		BrowserSendBuffer: 16,
		WSReadBufferSize:  1024,
		WSWriteBufferSize: 1024,
		AllowedOrigins:    []string{"*"},
	}
	registry := bridge.NewRegistry(bridge.Config{}, nil, nil, nil, bridge.Hooks{})
	return New(cfg, registry, nil), registry
}

func TestMatchWildcardOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		origin  string
		pattern string
		want    bool
	}{
		{"https://foo.example.com", "https://*.example.com", true},
		{"https://a.b.example.com", "https://*.example.com", true},
		{"https://example.com", "https://*.example.com", false},
		{"https://evil.com/x.example.com", "https://*.example.com", false},
		{"http://foo.example.com", "https://*.example.com", false},
		{"https://foo.example.com", "no-wildcard", false},
	}

	for _, tt := range tests {
		if got := matchWildcardOrigin(tt.origin, tt.pattern); got != tt.want {
			t.Errorf("matchWildcardOrigin(%q, %q) = %v, want %v", tt.origin, tt.pattern, got, tt.want)
		}
	}
}

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{AllowedOrigins: []string{"https://app.example.com", "https://*.preview.example.com"}}
	s := &Server{config: cfg}

	if !s.isOriginAllowed("https://app.example.com") {
		t.Error("exact match should be allowed")
	}
	if !s.isOriginAllowed("https://pr-42.preview.example.com") {
		t.Error("wildcard subdomain should be allowed")
	}
	if s.isOriginAllowed("https://evil.com") {
		t.Error("unlisted origin should be rejected")
	}

	wildcard := &Server{config: &config.Config{AllowedOrigins: []string{"*"}}}
	if !wildcard.isOriginAllowed("https://anything.example.com") {
		t.Error("star list should allow everything")
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	srv, registry := newTestServer(t)
	registry.GetOrCreate("s1")
	registry.GetOrCreate("s2")

	w := httptest.NewRecorder()
	srv.handleHealth(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
	if sessions := body["sessions"].(float64); sessions != 2 {
		t.Errorf("sessions = %v, want 2", sessions)
	}
}

func TestSessionWebSocketAttachAndMirror(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/session/sess-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readFrame := func() map[string]any {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return m
	}

	// Attach snapshot first, then the disconnected notice (no backend).
	if m := readFrame(); m["type"] != "session_init" {
		t.Fatalf("first frame = %v, want session_init", m["type"])
	}
	if m := readFrame(); m["type"] != "cli_disconnected" {
		t.Fatalf("second frame = %v, want cli_disconnected", m["type"])
	}

	msg := `{"type":"user_message","content":"hello","client_msg_id":"m1"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}

	mirror := readFrame()
	if mirror["type"] != "user_message" || mirror["content"] != "hello" {
		t.Fatalf("mirror = %v", mirror)
	}
	if _, hasSeq := mirror["seq"]; !hasSeq {
		t.Error("mirrored broadcast must carry a sequence number")
	}
}

func TestSessionWebSocketSecondTabSeesFirstTabsMessages(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/session/sess-2"

	dial := func() *websocket.Conn {
		t.Helper()
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		return conn
	}
	read := func(conn *websocket.Conn) map[string]any {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return m
	}

	tabA := dial()
	defer tabA.Close()
	read(tabA) // session_init
	read(tabA) // cli_disconnected

	if err := tabA.WriteMessage(websocket.TextMessage, []byte(`{"type":"user_message","content":"from tab A","client_msg_id":"m1"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m := read(tabA); m["type"] != "user_message" {
		t.Fatalf("tab A mirror = %v", m)
	}

	// A later tab catches up through the history push on attach.
	tabB := dial()
	defer tabB.Close()
	if m := read(tabB); m["type"] != "session_init" {
		t.Fatalf("tab B first frame = %v", m)
	}
	history := read(tabB)
	if history["type"] != "message_history" {
		t.Fatalf("tab B second frame = %v, want message_history", history)
	}
	messages := history["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("history = %d messages, want 1", len(messages))
	}
}

func TestBrowserSocketSendErrors(t *testing.T) {
	t.Parallel()

	sock := newBrowserSocket(nil, 1)
	if err := sock.Send([]byte("one")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	// No write pump is draining, so the second frame has nowhere to go.
	if err := sock.Send([]byte("two")); err == nil {
		t.Fatal("saturated buffer should error so the session prunes the socket")
	}

	sock.once.Do(func() { close(sock.done) })
	if err := sock.Send([]byte("three")); err == nil {
		t.Fatal("closed socket should refuse sends")
	}
}

func TestCLIConnHelloBindsSessionAndEOFDetaches(t *testing.T) {
	t.Parallel()

	srv, registry := newTestServer(t)

	client, server := net.Pipe()
	go srv.handleCLIConn(server)

	lines := "{\"type\":\"hello\",\"session_id\":\"sess-cli\"}\n" +
		"{\"type\":\"system\",\"subtype\":\"init\",\"session_id\":\"backend-1\",\"model\":\"opus\"}\n"
	if _, err := client.Write([]byte(lines)); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, func() bool {
		s, ok := registry.Get("sess-cli")
		return ok && s.BackendConnected() && s.State().Model == "opus"
	}, "session bound and init applied")

	client.Close()

	waitFor(t, func() bool {
		s, ok := registry.Get("sess-cli")
		return ok && !s.BackendConnected()
	}, "backend detached on EOF")
}

func TestCLIConnRejectsInvalidHello(t *testing.T) {
	t.Parallel()

	srv, registry := newTestServer(t)

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		srv.handleCLIConn(server)
		close(done)
	}()

	if _, err := client.Write([]byte("{\"type\":\"not_hello\"}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler should reject and return")
	}
	if registry.Count() != 0 {
		t.Errorf("sessions = %d, want 0 after rejected hello", registry.Count())
	}
	client.Close()
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
