package acpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"

	"github.com/workspace/session-bridge/internal/bridge"
)

// adapterClient implements the ACP SDK client interface. Agent-side
// notifications are translated into the browser event vocabulary and
// published through the adapter's emitter.
type adapterClient struct {
	adapter *Adapter
}

func (c *adapterClient) SessionUpdate(_ context.Context, params acpsdk.SessionNotification) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal session update: %w", err)
	}
	c.adapter.emitter.Record("inbound", raw)

	// Every update is surfaced as an ephemeral stream event; retained
	// events below are in addition, not instead.
	c.adapter.emitter.Broadcast(bridge.EventStreamEvent, map[string]any{
		"payload": json.RawMessage(raw),
	}, false)

	u := params.Update

	// User chunks only appear during LoadSession replay; live prompts are
	// mirrored by the bridge before they reach the adapter.
	if u.UserMessageChunk != nil {
		if text := contentBlockText(u.UserMessageChunk.Content); text != "" {
			c.adapter.emitter.Broadcast(bridge.EventUserMessage, map[string]any{
				"id":        uuid.NewString(),
				"content":   text,
				"timestamp": time.Now().UnixMilli(),
			}, true)
		}
	}

	if u.AgentMessageChunk != nil {
		if text := contentBlockText(u.AgentMessageChunk.Content); text != "" {
			c.adapter.mu.Lock()
			c.adapter.assistantText += text
			c.adapter.mu.Unlock()
		}
	}

	if u.ToolCall != nil {
		c.adapter.emitter.Broadcast(bridge.EventToolProgress, map[string]any{
			"toolCallId": string(u.ToolCall.ToolCallId),
			"kind":       string(u.ToolCall.Kind),
			"content":    toolCallText(u.ToolCall.Content),
		}, false)
	}

	if u.ToolCallUpdate != nil {
		fields := map[string]any{
			"toolCallId": string(u.ToolCallUpdate.ToolCallId),
			"content":    toolCallText(u.ToolCallUpdate.Content),
		}
		if u.ToolCallUpdate.Kind != nil {
			fields["kind"] = string(*u.ToolCallUpdate.Kind)
		}
		if u.ToolCallUpdate.Status != nil {
			fields["status"] = string(*u.ToolCallUpdate.Status)
		}
		c.adapter.emitter.Broadcast(bridge.EventToolProgress, fields, false)
	}

	return nil
}

// RequestPermission blocks the agent's tool call until a browser answers
// or the request is dropped. The pending request is registered with the
// bridge so every tab sees it and a backend detach cancels it.
func (c *adapterClient) RequestPermission(ctx context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	id := uuid.NewString()

	rawTool, _ := json.Marshal(params.ToolCall)
	rawOpts, _ := json.Marshal(params.Options)

	c.adapter.emitter.OpenPermission(bridge.PermissionRequest{
		RequestID:   id,
		ToolName:    toolDisplayName(rawTool),
		Input:       rawTool,
		Suggestions: rawOpts,
		CreatedAt:   time.Now().UTC(),
	})

	ch := c.adapter.registerPermission(id)

	select {
	case decision, ok := <-ch:
		if !ok {
			// Dropped without a decision: adapter closing or detach.
			return acpsdk.RequestPermissionResponse{
				Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
			}, nil
		}
		if decision.behavior == "allow" && len(params.Options) > 0 {
			return acpsdk.RequestPermissionResponse{
				Outcome: acpsdk.NewRequestPermissionOutcomeSelected(selectAllowOption(params.Options)),
			}, nil
		}
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
		}, nil

	case <-ctx.Done():
		c.adapter.dropPermission(id)
		c.adapter.emitter.ClosePermission(id)
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
		}, nil

	case <-c.adapter.ctx.Done():
		c.adapter.dropPermission(id)
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
		}, nil
	}
}

func (c *adapterClient) ReadTextFile(_ context.Context, params acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	if params.Path == "" {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file path is required")
	}
	if strings.ContainsRune(params.Path, 0) {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file path contains null byte")
	}

	data, err := os.ReadFile(params.Path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("failed to read file %q: %v", params.Path, err)
	}
	if len(data) > c.adapter.cfg.FileMaxSize {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file %q exceeds maximum size of %d bytes", params.Path, c.adapter.cfg.FileMaxSize)
	}

	return acpsdk.ReadTextFileResponse{Content: applyLineLimit(string(data), params.Line, params.Limit)}, nil
}

func (c *adapterClient) WriteTextFile(_ context.Context, params acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	if params.Path == "" {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("file path is required")
	}
	if strings.ContainsRune(params.Path, 0) {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("file path contains null byte")
	}
	if len(params.Content) > c.adapter.cfg.FileMaxSize {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("content exceeds maximum size of %d bytes", c.adapter.cfg.FileMaxSize)
	}

	if err := os.WriteFile(params.Path, []byte(params.Content), 0o644); err != nil {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("failed to write file %q: %v", params.Path, err)
	}
	return acpsdk.WriteTextFileResponse{}, nil
}

func (c *adapterClient) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("CreateTerminal not supported")
}

func (c *adapterClient) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("KillTerminalCommand not supported")
}

func (c *adapterClient) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("TerminalOutput not supported")
}

func (c *adapterClient) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("ReleaseTerminal not supported")
}

func (c *adapterClient) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("WaitForTerminalExit not supported")
}

// --- extraction helpers ---

// contentBlockText extracts text from a ContentBlock; non-text blocks
// yield an empty string.
func contentBlockText(block acpsdk.ContentBlock) string {
	if block.Text != nil {
		return block.Text.Text
	}
	return ""
}

// toolCallText aggregates text from tool call content blocks.
func toolCallText(contents []acpsdk.ToolCallContent) string {
	var text string
	for _, c := range contents {
		if c.Content != nil && c.Content.Content.Text != nil {
			if text != "" {
				text += "\n"
			}
			text += c.Content.Content.Text.Text
		}
		if c.Diff != nil {
			if text != "" {
				text += "\n"
			}
			text += "diff: " + c.Diff.Path
		}
	}
	return text
}

// toolDisplayName probes the marshaled tool call for a human-readable
// name, preferring the title over the kind.
func toolDisplayName(rawTool []byte) string {
	var probe struct {
		Title string `json:"title"`
		Kind  string `json:"kind"`
	}
	_ = json.Unmarshal(rawTool, &probe)
	if probe.Title != "" {
		return probe.Title
	}
	if probe.Kind != "" {
		return probe.Kind
	}
	return "tool"
}

// selectAllowOption picks the option to approve: the first allow-kind
// option, or the first option when kinds are unrecognized.
func selectAllowOption(options []acpsdk.PermissionOption) acpsdk.PermissionOptionId {
	for _, opt := range options {
		raw, err := json.Marshal(opt)
		if err != nil {
			continue
		}
		var probe struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}
		if strings.HasPrefix(probe.Kind, "allow") {
			return opt.OptionId
		}
	}
	return options[0].OptionId
}

// applyLineLimit trims content to the requested 1-based line window.
func applyLineLimit(content string, line, limit *int) string {
	if line == nil && limit == nil {
		return content
	}
	lines := strings.Split(content, "\n")

	start := 0
	if line != nil && *line > 1 {
		start = *line - 1
	}
	if start >= len(lines) {
		return ""
	}
	lines = lines[start:]

	if limit != nil && *limit > 0 && *limit < len(lines) {
		lines = lines[:*limit]
	}
	return strings.Join(lines, "\n")
}
