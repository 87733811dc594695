// Package inference adapts token-streaming model services to one interface.
package inference

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
)

// Model streams one completion. onText is called for every text fragment in
// arrival order; the returned Completion holds the assembled content blocks.
type Model interface {
	Stream(ctx context.Context, req Request, onText func(string)) (*Completion, error)
}

type Request struct {
	Model     string
	System    string
	MaxTokens int
	Messages  []model.Turn
	Tools     []ToolSpec
}

type ToolSpec struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// Schema returns the JSON schema object for the tool input.
func (t ToolSpec) Schema() map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": t.Properties,
	}
	if len(t.Required) > 0 {
		schema["required"] = t.Required
	}
	return schema
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

func (u *Usage) Total() int {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens
}

type Completion struct {
	Content    []model.ContentBlock
	StopReason string
	// Usage is nil when the service did not report token counts.
	Usage *Usage
}

// FirstToolUse returns the first tool_use block, if any.
func (c *Completion) FirstToolUse() (model.ContentBlock, bool) {
	for _, b := range c.Content {
		if b.Type == model.BlockToolUse {
			return b, true
		}
	}
	return model.ContentBlock{}, false
}

func (c *Completion) Text() string {
	var sb strings.Builder
	for _, b := range c.Content {
		if b.Type == model.BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func DefaultTools() []ToolSpec {
	return []ToolSpec{
		{
			Name:        "github_search",
			Description: "Search code, issues or repositories on GitHub. Returns a list of {repo, path, ref, url} matches.",
			Properties: map[string]any{
				"repo": map[string]any{"type": "string", "description": "Repository as owner/name."},
				"q":    map[string]any{"type": "string", "description": "Search query."},
				"type": map[string]any{"type": "string", "enum": []string{"code", "issues", "repositories"}},
			},
			Required: []string{"repo", "q"},
		},
		{
			Name:        "github_get_file",
			Description: "Fetch a file or a line range from a GitHub repository. Returns {snippet, url}.",
			Properties: map[string]any{
				"repo":  map[string]any{"type": "string", "description": "Repository as owner/name."},
				"ref":   map[string]any{"type": "string", "description": "Branch, tag or commit."},
				"path":  map[string]any{"type": "string", "description": "File path within the repository."},
				"start": map[string]any{"type": "integer", "description": "First line, 1-based."},
				"end":   map[string]any{"type": "integer", "description": "Last line, inclusive."},
			},
			Required: []string{"repo", "path"},
		},
	}
}

// blockBuilder assembles streamed content into ordered blocks.
type blockBuilder struct {
	blocks []model.ContentBlock
	text   strings.Builder
	tool   *model.ContentBlock
	input  strings.Builder
}

func (b *blockBuilder) addText(s string) {
	if b.tool != nil {
		return
	}
	b.text.WriteString(s)
}

func (b *blockBuilder) startTool(id, name string) {
	b.flushText()
	b.tool = &model.ContentBlock{Type: model.BlockToolUse, ID: id, Name: name}
	b.input.Reset()
}

func (b *blockBuilder) addToolInput(partial string) {
	if b.tool != nil {
		b.input.WriteString(partial)
	}
}

func (b *blockBuilder) stopBlock() {
	if b.tool == nil {
		b.flushText()
		return
	}
	raw := strings.TrimSpace(b.input.String())
	if raw == "" || !json.Valid([]byte(raw)) {
		raw = "{}"
	}
	b.tool.Input = json.RawMessage(raw)
	b.blocks = append(b.blocks, *b.tool)
	b.tool = nil
	b.input.Reset()
}

func (b *blockBuilder) flushText() {
	if b.text.Len() == 0 {
		return
	}
	b.blocks = append(b.blocks, model.TextBlock(b.text.String()))
	b.text.Reset()
}

func (b *blockBuilder) finish() []model.ContentBlock {
	if b.tool != nil {
		b.stopBlock()
	}
	b.flushText()
	return b.blocks
}

func toolInputMap(raw json.RawMessage) map[string]any {
	out := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out
}
