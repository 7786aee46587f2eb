package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeDeadline = 10 * time.Second

// createUpgrader creates a WebSocket upgrader with origin validation.
// WebSocket upgrades bypass CORS, so origins must be validated explicitly.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header - likely same-origin or non-browser client
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

// isOriginAllowed checks if the given origin is in the allowed list.
// Supports wildcard patterns like "https://*.example.com".
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" {
			return true
		}
		if allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	slog.Warn("server: WebSocket origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix := parts[0]
	suffix := parts[1]

	if !strings.HasPrefix(origin, prefix) {
		return false
	}
	if !strings.HasSuffix(origin, suffix) {
		return false
	}

	// The middle part (subdomain) must not contain "/"
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

// handleSessionWS handles a browser WebSocket for one session. Multiple
// tabs can attach simultaneously; detaching a tab never touches the
// session or its backend.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("sessionId"))
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if _, err := s.validator.Validate(token); err != nil {
			slog.Warn("server: WebSocket auth failed", "sessionID", sessionID, "error", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("server: WebSocket upgrade failed", "sessionID", sessionID, "error", err)
		return
	}

	sock := newBrowserSocket(conn, s.config.BrowserSendBuffer)
	go sock.writePump()

	s.registry.AttachBrowser(sessionID, sock)

	// Read loop: every frame goes through the bridge's command router.
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("server: browser read ended", "sessionID", sessionID, "socketID", sock.ID(), "error", err)
			}
			break
		}
		s.registry.HandleBrowserMessage(sessionID, sock, message)
	}

	s.registry.DetachBrowser(sessionID, sock.ID())
	_ = sock.Close()
}

// browserSocket is a bridge.BrowserSocket over a gorilla WebSocket. Send
// enqueues onto a bounded channel drained by the write pump; it never
// blocks the session lock on a slow client.
type browserSocket struct {
	id     string
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

func newBrowserSocket(conn *websocket.Conn, sendBuffer int) *browserSocket {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &browserSocket{
		id:     "sock-" + uuid.NewString(),
		conn:   conn,
		sendCh: make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (b *browserSocket) ID() string {
	return b.id
}

// Send enqueues a frame. A saturated buffer or closed socket returns an
// error so the session prunes this socket; the browser reconnects and
// recovers through replay.
func (b *browserSocket) Send(frame []byte) error {
	select {
	case <-b.done:
		return errors.New("socket closed")
	default:
	}

	select {
	case b.sendCh <- frame:
		return nil
	case <-b.done:
		return errors.New("socket closed")
	default:
		return errors.New("send buffer full")
	}
}

func (b *browserSocket) Close() error {
	b.once.Do(func() { close(b.done) })
	return b.conn.Close()
}

// writePump drains the send channel and writes to the WebSocket. On write
// failure the socket closes so the read loop exits promptly.
func (b *browserSocket) writePump() {
	defer func() {
		b.once.Do(func() { close(b.done) })
		_ = b.conn.Close()
	}()

	for {
		select {
		case data := <-b.sendCh:
			_ = b.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("server: browser write failed", "socketID", b.id, "error", err)
				return
			}
		case <-b.done:
			return
		}
	}
}
