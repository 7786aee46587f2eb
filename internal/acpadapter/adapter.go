// Package acpadapter bridges an ACP-speaking agent into the session relay.
// The adapter satisfies bridge.Backend: browser commands arrive through
// Deliver and are translated into ACP SDK calls, while agent-side
// notifications are published back through a bridge.Emitter using the same
// browser event vocabulary the direct-socket variant produces.
package acpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/workspace/session-bridge/internal/bridge"
)

const (
	// DefaultPromptTimeout bounds how long a single ACP Prompt call can run.
	DefaultPromptTimeout = 60 * time.Minute
	// DefaultInitTimeout bounds the Initialize/NewSession handshake.
	DefaultInitTimeout = 30 * time.Second
	// DefaultFileMaxSize caps ReadTextFile/WriteTextFile payloads.
	DefaultFileMaxSize = 1048576
)

// Config holds adapter settings.
type Config struct {
	// Cwd is the working directory announced to the agent.
	Cwd string
	// PreviousSessionID, when set, is offered to the agent via LoadSession
	// so an earlier conversation resumes instead of starting fresh.
	PreviousSessionID string
	PromptTimeout     time.Duration
	InitTimeout       time.Duration
	FileMaxSize       int
}

func (c Config) withDefaults() Config {
	if c.PromptTimeout <= 0 {
		c.PromptTimeout = DefaultPromptTimeout
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.FileMaxSize <= 0 {
		c.FileMaxSize = DefaultFileMaxSize
	}
	return c
}

// Adapter owns one ACP connection and its prompt lifecycle.
type Adapter struct {
	cfg     Config
	emitter *bridge.Emitter

	stdin io.WriteCloser

	mu        sync.Mutex
	conn      *acpsdk.ClientSideConnection
	sessionID acpsdk.SessionId
	closed    bool

	// Browser frames queue here and dispatch in arrival order on the
	// adapter's own goroutine. The registry calls Deliver while holding the
	// session lock; interpreting a frame emits events that take that same
	// lock, so it must never happen on the delivering goroutine.
	inbox       [][]byte
	dispatching bool

	// Prompt serialization: ACP allows one prompt at a time, so messages
	// that arrive mid-turn queue here and drain in order.
	promptQueue    [][]acpsdk.ContentBlock
	promptInFlight bool
	promptCancel   context.CancelFunc

	// assistantText accumulates agent message chunks for the retained
	// assistant event emitted at turn end.
	assistantText string

	// Pending permission decisions, keyed by the bridge-side request id.
	permMu   sync.Mutex
	pendPerm map[string]chan permissionDecision

	ctx    context.Context
	cancel context.CancelFunc
}

type permissionDecision struct {
	behavior string
}

// New wires an adapter over the agent's stdio pair. Call Start to run the
// ACP handshake before attaching the adapter as a session backend.
func New(cfg Config, emitter *bridge.Emitter, stdin io.WriteCloser, stdout io.Reader) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		cfg:      cfg.withDefaults(),
		emitter:  emitter,
		stdin:    stdin,
		pendPerm: make(map[string]chan permissionDecision),
		ctx:      ctx,
		cancel:   cancel,
	}
	a.conn = acpsdk.NewClientSideConnection(&adapterClient{adapter: a}, stdin, stdout)
	return a
}

// Start runs Initialize and establishes a session, preferring LoadSession
// when a previous session id is available and the agent supports it. On
// success the session snapshot is published to every attached browser.
func (a *Adapter) Start(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, a.cfg.InitTimeout)
	defer cancel()

	initResp, err := a.conn.Initialize(initCtx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{
			Fs: acpsdk.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	if a.cfg.PreviousSessionID != "" && initResp.AgentCapabilities.LoadSession {
		_, loadErr := a.conn.LoadSession(initCtx, acpsdk.LoadSessionRequest{
			SessionId:  acpsdk.SessionId(a.cfg.PreviousSessionID),
			Cwd:        a.cfg.Cwd,
			McpServers: []acpsdk.McpServer{},
		})
		if loadErr == nil {
			a.mu.Lock()
			a.sessionID = acpsdk.SessionId(a.cfg.PreviousSessionID)
			a.mu.Unlock()
			a.emitInit()
			return nil
		}
		slog.Warn("acpadapter: LoadSession failed, falling back to NewSession", "sessionID", a.emitter.SessionID(), "error", loadErr)
	}

	sessResp, err := a.conn.NewSession(initCtx, acpsdk.NewSessionRequest{
		Cwd:        a.cfg.Cwd,
		McpServers: []acpsdk.McpServer{},
	})
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	a.mu.Lock()
	a.sessionID = sessResp.SessionId
	a.mu.Unlock()
	a.emitInit()
	return nil
}

func (a *Adapter) emitInit() {
	a.mu.Lock()
	backendSessionID := string(a.sessionID)
	a.mu.Unlock()

	cwd := a.cfg.Cwd
	a.emitter.EmitInit(backendSessionID, func(state *bridge.SessionState) {
		if cwd != "" {
			state.Cwd = cwd
		}
		if state.PermissionMode == "" {
			state.PermissionMode = "default"
		}
	})
}

// Deliver accepts one browser-vocabulary frame. Unlike the direct variant,
// the frame never reaches the agent verbatim: it becomes an ACP SDK call.
// Deliver only enqueues: the registry invokes it with the session locked,
// and interpreting a frame re-enters the session through the emitter.
func (a *Adapter) Deliver(frame []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("adapter closed")
	}
	a.inbox = append(a.inbox, append([]byte(nil), frame...))
	if !a.dispatching {
		a.dispatching = true
		go a.drainInbox()
	}
	return nil
}

// drainInbox dispatches queued frames in arrival order, exiting when the
// inbox empties or the adapter closes.
func (a *Adapter) drainInbox() {
	for {
		a.mu.Lock()
		if a.closed || len(a.inbox) == 0 {
			a.dispatching = false
			a.mu.Unlock()
			return
		}
		frame := a.inbox[0]
		a.inbox = a.inbox[1:]
		a.mu.Unlock()

		a.dispatch(frame)
	}
}

// dispatch interprets one browser frame as an ACP SDK call.
func (a *Adapter) dispatch(frame []byte) {
	var cmd struct {
		Type        string              `json:"type"`
		Content     string              `json:"content,omitempty"`
		Attachments []bridge.Attachment `json:"attachments,omitempty"`
		RequestID   string              `json:"request_id,omitempty"`
		Behavior    string              `json:"behavior,omitempty"`
		Model       string              `json:"model,omitempty"`
		Mode        string              `json:"mode,omitempty"`
	}
	if err := json.Unmarshal(frame, &cmd); err != nil {
		slog.Warn("acpadapter: malformed frame dropped", "sessionID", a.emitter.SessionID(), "error", err)
		return
	}

	switch cmd.Type {
	case bridge.CmdUserMessage:
		blocks := promptBlocks(cmd.Content, cmd.Attachments)
		if len(blocks) == 0 {
			slog.Warn("acpadapter: empty prompt dropped", "sessionID", a.emitter.SessionID())
			return
		}
		a.enqueuePrompt(blocks)

	case bridge.CmdPermissionRespond:
		a.resolvePermission(cmd.RequestID, permissionDecision{behavior: cmd.Behavior})

	case bridge.CmdInterrupt:
		a.cancelPrompt()

	case bridge.CmdSetModel:
		// Session-settings RPCs can stall up to InitTimeout; later frames
		// (permission responses, interrupts) must not wait behind them.
		go func() {
			if err := a.setModel(cmd.Model); err != nil {
				slog.Error("acpadapter: set model", "sessionID", a.emitter.SessionID(), "error", err)
			}
		}()

	case bridge.CmdSetPermissionMode:
		go func() {
			if err := a.setMode(cmd.Mode); err != nil {
				slog.Error("acpadapter: set permission mode", "sessionID", a.emitter.SessionID(), "error", err)
			}
		}()

	default:
		// MCP management and anything newer has no ACP equivalent.
		slog.Debug("acpadapter: unsupported command ignored", "sessionID", a.emitter.SessionID(), "commandType", cmd.Type)
	}
}

// Close tears the adapter down: the in-flight prompt is cancelled, blocked
// permission calls resolve as cancelled, and the agent's stdin is closed
// so the process sees EOF.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancelPrompt := a.promptCancel
	a.mu.Unlock()

	a.cancel()
	if cancelPrompt != nil {
		cancelPrompt()
	}

	a.permMu.Lock()
	for id, ch := range a.pendPerm {
		close(ch)
		delete(a.pendPerm, id)
	}
	a.permMu.Unlock()

	return a.stdin.Close()
}

// --- prompt lifecycle ---

func promptBlocks(content string, attachments []bridge.Attachment) []acpsdk.ContentBlock {
	var blocks []acpsdk.ContentBlock
	if content != "" {
		blocks = append(blocks, acpsdk.TextBlock(content))
	}
	for _, att := range attachments {
		if att.Type == "text" && att.Text != "" {
			blocks = append(blocks, acpsdk.TextBlock(att.Text))
		}
		// Image attachments are dropped: ACP prompt turns here are
		// text-only, matching the agents this adapter fronts.
	}
	return blocks
}

// enqueuePrompt serializes prompt turns: ACP agents run one at a time.
func (a *Adapter) enqueuePrompt(blocks []acpsdk.ContentBlock) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if a.promptInFlight {
		a.promptQueue = append(a.promptQueue, blocks)
		a.mu.Unlock()
		return
	}
	a.promptInFlight = true
	a.mu.Unlock()

	go a.runPrompt(blocks)
}

func (a *Adapter) runPrompt(blocks []acpsdk.ContentBlock) {
	for {
		a.promptOnce(blocks)

		a.mu.Lock()
		if a.closed || len(a.promptQueue) == 0 {
			a.promptInFlight = false
			a.mu.Unlock()
			return
		}
		blocks = a.promptQueue[0]
		a.promptQueue = a.promptQueue[1:]
		a.mu.Unlock()
	}
}

func (a *Adapter) promptOnce(blocks []acpsdk.ContentBlock) {
	promptCtx, cancel := context.WithTimeout(a.ctx, a.cfg.PromptTimeout)
	a.mu.Lock()
	a.promptCancel = cancel
	a.assistantText = ""
	sessionID := a.sessionID
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.promptCancel = nil
		a.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	resp, err := a.conn.Prompt(promptCtx, acpsdk.PromptRequest{
		SessionId: sessionID,
		Prompt:    blocks,
	})

	a.mu.Lock()
	text := a.assistantText
	a.assistantText = ""
	a.mu.Unlock()

	if text != "" {
		a.emitter.Broadcast(bridge.EventAssistant, map[string]any{
			"message": map[string]any{
				"role":    "assistant",
				"content": text,
			},
		}, true)
	}

	if err != nil {
		stopReason := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(promptCtx.Err(), context.DeadlineExceeded) {
			stopReason = "timeout"
		} else if errors.Is(promptCtx.Err(), context.Canceled) {
			stopReason = "cancelled"
		}
		slog.Error("acpadapter: prompt failed", "sessionID", a.emitter.SessionID(), "error", err, "duration", time.Since(start).Round(time.Millisecond))
		a.emitter.EmitResult(map[string]any{
			"payload": map[string]any{
				"stop_reason": stopReason,
				"error":       err.Error(),
			},
		}, func(state *bridge.SessionState) {
			state.NumTurns++
		})
		return
	}

	a.emitter.EmitResult(map[string]any{
		"payload": map[string]any{
			"stop_reason": string(resp.StopReason),
		},
	}, func(state *bridge.SessionState) {
		state.NumTurns++
	})
}

func (a *Adapter) cancelPrompt() {
	a.mu.Lock()
	cancel := a.promptCancel
	a.mu.Unlock()
	if cancel == nil {
		slog.Info("acpadapter: interrupt with no prompt in flight", "sessionID", a.emitter.SessionID())
		return
	}
	cancel()
}

// --- session settings ---

func (a *Adapter) setModel(model string) error {
	if model == "" {
		return errors.New("empty model")
	}
	a.mu.Lock()
	sessionID := a.sessionID
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.InitTimeout)
	defer cancel()
	if _, err := a.conn.SetSessionModel(ctx, acpsdk.SetSessionModelRequest{
		SessionId: sessionID,
		ModelId:   acpsdk.ModelId(model),
	}); err != nil {
		return fmt.Errorf("set session model: %w", err)
	}
	a.emitter.MutateState(func(state *bridge.SessionState) {
		state.Model = model
	})
	a.emitter.Broadcast(bridge.EventControlDone, map[string]any{
		"subtype": "set_model",
		"model":   model,
	}, false)
	return nil
}

func (a *Adapter) setMode(mode string) error {
	if mode == "" {
		return errors.New("empty mode")
	}
	a.mu.Lock()
	sessionID := a.sessionID
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.InitTimeout)
	defer cancel()
	if _, err := a.conn.SetSessionMode(ctx, acpsdk.SetSessionModeRequest{
		SessionId: sessionID,
		ModeId:    acpsdk.SessionModeId(mode),
	}); err != nil {
		return fmt.Errorf("set session mode: %w", err)
	}
	a.emitter.MutateState(func(state *bridge.SessionState) {
		state.PermissionMode = mode
	})
	a.emitter.Broadcast(bridge.EventControlDone, map[string]any{
		"subtype": "set_permission_mode",
		"mode":    mode,
	}, false)
	return nil
}

// --- permission plumbing ---

func (a *Adapter) registerPermission(id string) chan permissionDecision {
	ch := make(chan permissionDecision, 1)
	a.permMu.Lock()
	a.pendPerm[id] = ch
	a.permMu.Unlock()
	return ch
}

func (a *Adapter) resolvePermission(id string, decision permissionDecision) {
	a.permMu.Lock()
	ch, ok := a.pendPerm[id]
	if ok {
		delete(a.pendPerm, id)
	}
	a.permMu.Unlock()
	if !ok {
		slog.Debug("acpadapter: permission response without pending request", "sessionID", a.emitter.SessionID(), "requestID", id)
		return
	}
	ch <- decision
	close(ch)
}

func (a *Adapter) dropPermission(id string) {
	a.permMu.Lock()
	ch, ok := a.pendPerm[id]
	if ok {
		delete(a.pendPerm, id)
	}
	a.permMu.Unlock()
	if ok {
		close(ch)
	}
}
