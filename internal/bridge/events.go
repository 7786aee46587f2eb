package bridge

import "encoding/json"

// Browser-bound event types. Every broadcast frame is tagged with one of
// these and carries an injected "seq" field. Frames sent directly to a
// single socket (the session_init snapshot on attach, message_history
// replay) are exempt from sequencing.
const (
	EventSessionInit         = "session_init"
	EventUserMessage         = "user_message"
	EventAssistant           = "assistant"
	EventResult              = "result"
	EventSystemEvent         = "system_event"
	EventStatusChange        = "status_change"
	EventStreamEvent         = "stream_event"
	EventToolProgress        = "tool_progress"
	EventToolUseSummary      = "tool_use_summary"
	EventAuthStatus          = "auth_status"
	EventPermissionRequest   = "permission_request"
	EventPermissionCancelled = "permission_cancelled"
	EventCLIConnected        = "cli_connected"
	EventCLIDisconnected     = "cli_disconnected"
	EventControlDone         = "control_done"
	EventMessageHistory      = "message_history"
)

// Browser-sent command types.
const (
	CmdSessionSubscribe  = "session_subscribe"
	CmdSessionAck        = "session_ack"
	CmdUserMessage       = "user_message"
	CmdPermissionRespond = "permission_response"
	CmdInterrupt         = "interrupt"
	CmdSetModel          = "set_model"
	CmdSetPermissionMode = "set_permission_mode"
	CmdMcpGetStatus      = "mcp_get_status"
	CmdMcpToggle         = "mcp_toggle"
	CmdMcpReconnect      = "mcp_reconnect"
	CmdMcpSetServers     = "mcp_set_servers"
)

// historyBacked is the fixed allow-list of event types eligible for
// buffer-based replay on session_subscribe. Ephemeral traffic (stream
// deltas, tool progress, status pings) is excluded; a reconnecting browser
// recovers those views from the state snapshot instead.
var historyBacked = map[string]bool{
	EventUserMessage:         true,
	EventAssistant:           true,
	EventResult:              true,
	EventSystemEvent:         true,
	EventPermissionRequest:   true,
	EventPermissionCancelled: true,
}

// idempotencyGuarded lists the browser command types whose retried delivery
// must not double-apply. Commands of other types bypass the guard.
var idempotencyGuarded = map[string]bool{
	CmdUserMessage:       true,
	CmdPermissionRespond: true,
	CmdInterrupt:         true,
	CmdSetModel:          true,
	CmdSetPermissionMode: true,
	CmdMcpGetStatus:      true,
	CmdMcpToggle:         true,
	CmdMcpReconnect:      true,
	CmdMcpSetServers:     true,
}

// BufferedEvent is one entry of the bounded replay window.
type BufferedEvent struct {
	Seq   uint64          `json:"seq"`
	Type  string          `json:"type"`
	Frame json.RawMessage `json:"frame"`
}

// browserCommand is the generic shape probed from every inbound browser
// frame before dispatch.
type browserCommand struct {
	Type        string `json:"type"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	LastSeq     uint64 `json:"lastSeq,omitempty"`

	// user_message
	Content     string           `json:"content,omitempty"`
	Attachments []Attachment     `json:"attachments,omitempty"`

	// permission_response
	RequestID    string          `json:"request_id,omitempty"`
	Behavior     string          `json:"behavior,omitempty"`
	UpdatedInput json.RawMessage `json:"updated_input,omitempty"`

	// set_model / set_permission_mode
	Model string `json:"model,omitempty"`
	Mode  string `json:"mode,omitempty"`

	// mcp_toggle / mcp_reconnect / mcp_set_servers
	Server  string          `json:"server,omitempty"`
	Enabled bool            `json:"enabled,omitempty"`
	Servers json.RawMessage `json:"servers,omitempty"`
}

// Attachment is an optional non-text part of a user message.
type Attachment struct {
	Type      string `json:"type"`                // "image" or "text"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"` // base64 for images
	Text      string `json:"text,omitempty"`
}

// cliMessage is the generic shape probed from every inbound CLI line.
type cliMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system/init
	SessionID      string            `json:"session_id,omitempty"`
	Model          string            `json:"model,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	Tools          []string          `json:"tools,omitempty"`
	PermissionMode string            `json:"permissionMode,omitempty"`
	McpServers     []McpServerStatus `json:"mcp_servers,omitempty"`
	SlashCommands  []string          `json:"slash_commands,omitempty"`
	Skills         []string          `json:"skills,omitempty"`

	// system/status
	Status string `json:"status,omitempty"`

	// result
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	LinesAdded   int     `json:"lines_added,omitempty"`
	LinesRemoved int     `json:"lines_removed,omitempty"`
	ContextPct   float64 `json:"context_pct,omitempty"`

	// control_request / control_response
	RequestID string              `json:"request_id,omitempty"`
	Request   *controlRequestBody `json:"request,omitempty"`
	Response  *controlResponse    `json:"response,omitempty"`
}

// controlRequestBody is the payload of a backend-initiated control_request.
type controlRequestBody struct {
	Subtype               string          `json:"subtype"`
	ToolName              string          `json:"tool_name,omitempty"`
	Input                 json.RawMessage `json:"input,omitempty"`
	PermissionSuggestions json.RawMessage `json:"permission_suggestions,omitempty"`
	Description           string          `json:"description,omitempty"`
	ToolUseID             string          `json:"tool_use_id,omitempty"`
	AgentID               string          `json:"agent_id,omitempty"`
}

// controlResponse is the payload of a CLI-side control_response, matched
// against pendingControlRequests by request id.
type controlResponse struct {
	Subtype   string          `json:"subtype,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// McpServerStatus is one entry of the MCP server list surfaced in the
// session state.
type McpServerStatus struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}
