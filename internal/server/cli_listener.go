package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strings"

	"github.com/workspace/session-bridge/internal/bridge"
)

// cliScanBufferSize bounds a single CLI line. Assistant messages carry
// full tool results, so the ceiling is generous.
const cliScanBufferSize = 16 * 1024 * 1024

// helloFrame is the first line a direct-socket CLI must send to bind its
// connection to a session.
type helloFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// acceptCLIConnections runs the direct-backend accept loop until the
// listener closes.
func (s *Server) acceptCLIConnections(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("server: CLI accept failed", "error", err)
			continue
		}
		go s.handleCLIConn(conn)
	}
}

// handleCLIConn services one direct-socket backend: a hello line binds the
// connection to a session, then every subsequent line is routed through
// the CLI-message router. EOF detaches the backend (which cancels pending
// permissions); the session itself lives on.
func (s *Server) handleCLIConn(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), cliScanBufferSize)

	if !scanner.Scan() {
		slog.Warn("server: CLI connection closed before hello", "remote", remoteAddr(conn))
		_ = conn.Close()
		return
	}

	var hello helloFrame
	if err := json.Unmarshal(scanner.Bytes(), &hello); err != nil || hello.Type != "hello" || strings.TrimSpace(hello.SessionID) == "" {
		slog.Warn("server: CLI connection rejected, invalid hello", "remote", remoteAddr(conn))
		_ = conn.Close()
		return
	}
	sessionID := strings.TrimSpace(hello.SessionID)

	backend := bridge.NewDirectBackend(conn)
	s.registry.AttachDirectBackend(sessionID, backend)
	slog.Info("server: CLI connected", "sessionID", sessionID, "remote", remoteAddr(conn))

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer on the next Scan.
		frame := make([]byte, len(line))
		copy(frame, line)
		s.registry.HandleCLIFrames(sessionID, frame)
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("server: CLI read ended", "sessionID", sessionID, "error", err)
	}

	s.registry.DetachBackendConn(sessionID, backend)
	_ = conn.Close()
	slog.Info("server: CLI disconnected", "sessionID", sessionID)
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
