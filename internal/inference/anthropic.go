package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
)

type AnthropicOptions struct {
	APIKey  string
	BaseURL string
}

type Anthropic struct {
	client anthropic.Client
}

func NewAnthropic(opts AnthropicOptions) (*Anthropic, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if strings.TrimSpace(opts.BaseURL) != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &Anthropic{client: anthropic.NewClient(reqOpts...)}, nil
}

func (a *Anthropic) Stream(ctx context.Context, req Request, onText func(string)) (*Completion, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  anthropicMessages(req.Messages),
		MaxTokens: int64(req.MaxTokens),
		Tools:     anthropicTools(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		b          blockBuilder
		usage      Usage
		sawUsage   bool
		stopReason string
	)
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			u := event.AsMessageStart().Message.Usage
			usage.InputTokens = int(u.InputTokens)
			usage.OutputTokens = int(u.OutputTokens)
			sawUsage = true
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				b.startTool(toolUse.ID, toolUse.Name)
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					b.addText(delta.Text)
					onText(delta.Text)
				}
			case "input_json_delta":
				b.addToolInput(delta.PartialJSON)
			}
		case "content_block_stop":
			b.stopBlock()
		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(md.Usage.OutputTokens)
			}
			stopReason = string(md.Delta.StopReason)
		case "error":
			return nil, errors.New("anthropic: stream error event")
		}
	}
	if err := stream.Err(); err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("anthropic: status %d: %w", apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	out := &Completion{Content: b.finish(), StopReason: stopReason}
	if sawUsage {
		out.Usage = &usage
	}
	return out, nil
}

func anthropicMessages(turns []model.Turn) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, turn := range turns {
		var content []anthropic.ContentBlockParamUnion
		for _, blk := range turn.Content {
			switch blk.Type {
			case model.BlockText:
				content = append(content, anthropic.NewTextBlock(blk.Text))
			case model.BlockToolUse:
				content = append(content, anthropic.NewToolUseBlock(blk.ID, toolInputMap(blk.Input), blk.Name))
			case model.BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(blk.ToolUseID, blk.Content, blk.IsError))
			}
		}
		if len(content) == 0 {
			continue
		}
		if turn.Role == model.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out
}

func anthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		param := anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
			Properties: spec.Properties,
			Required:   spec.Required,
		}, spec.Name)
		if param.OfTool != nil && spec.Description != "" {
			param.OfTool.Description = anthropic.String(spec.Description)
		}
		out = append(out, param)
	}
	return out
}
