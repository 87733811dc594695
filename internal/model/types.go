package model

import (
	"encoding/json"
	"time"
)

type Session struct {
	ID        string
	IP        string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type Connection struct {
	ID               string
	SessionID        string
	JTI              string
	IP               string
	CreatedAt        time.Time
	CredentialExpiry time.Time
}

type UsageRecord struct {
	SessionID   string
	TokensUsed  int
	WindowStart time.Time
	LastSeen    time.Time
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one of text, tool_use{id, name, input} or
// tool_result{tool_use_id, content, is_error}.
type ContentBlock struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

type Turn struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UnmarshalJSON accepts the shorthand {"role":"user","content":"hi"}.
func (t *Turn) UnmarshalJSON(b []byte) error {
	var raw struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t.Role = raw.Role
	t.Content = nil
	if len(raw.Content) == 0 || string(raw.Content) == "null" {
		return nil
	}
	if raw.Content[0] == '"' {
		var text string
		if err := json.Unmarshal(raw.Content, &text); err != nil {
			return err
		}
		t.Content = []ContentBlock{TextBlock(text)}
		return nil
	}
	return json.Unmarshal(raw.Content, &t.Content)
}

func (t Turn) TextOnly() (string, bool) {
	if len(t.Content) != 1 || t.Content[0].Type != BlockText {
		return "", false
	}
	return t.Content[0].Text, true
}

type EventType string

const (
	EventStarted EventType = "started"
	EventDelta   EventType = "delta"
	EventToolUse EventType = "tool_use"
	EventDone    EventType = "done"
	EventUsage   EventType = "usage"
	EventAck     EventType = "ack"
	EventError   EventType = "error"
)

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	SessionTotal int `json:"session_total"`
	SessionLimit int `json:"session_limit"`
}

// StreamEvent is one outbound protocol frame. Seq is local to a single
// invocation and restarts at zero for every invocation.
type StreamEvent struct {
	Type      EventType       `json:"type"`
	Seq       *int            `json:"seq,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	*Usage
}

const InboundToolResult = "tool_result"

// Inbound is either a chat message {message, history} or
// {type:"tool_result", tool_use_id, content, is_error, history}.
type Inbound struct {
	Type      string `json:"type,omitempty"`
	Message   string `json:"message,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
	History   []Turn `json:"history"`
}

func (in Inbound) IsToolResult() bool {
	return in.Type == InboundToolResult
}
