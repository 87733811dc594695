package inference

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/coltonfrstt/koltbot-control-plane/internal/metrics"
	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
)

// ConverseStreamAPI is the subset of the Bedrock runtime client used here.
type ConverseStreamAPI interface {
	ConverseStream(ctx context.Context, in *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

type BedrockOptions struct {
	Region string
}

type Bedrock struct {
	client ConverseStreamAPI
	region string
}

func NewBedrock(ctx context.Context, opts BedrockOptions) (*Bedrock, error) {
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		return nil, errors.New("bedrock: region is required")
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return &Bedrock{client: bedrockruntime.NewFromConfig(cfg), region: region}, nil
}

func (b *Bedrock) Stream(ctx context.Context, req Request, onText func(string)) (*Completion, error) {
	in := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(req.Model),
		Messages: bedrockMessages(req.Messages),
	}
	if req.System != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		in.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}
	if len(req.Tools) > 0 {
		in.ToolConfig = bedrockTools(req.Tools)
	}

	var out *bedrockruntime.ConverseStreamOutput
	err := retryAWS(ctx, "converse_stream", b.region, func(callCtx context.Context) error {
		var callErr error
		out, callErr = b.client.ConverseStream(callCtx, in)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("converse stream: %w", err)
	}

	eventStream := out.GetStream()
	defer eventStream.Close()

	var (
		bb         blockBuilder
		usage      *Usage
		stopReason string
	)
	events := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-events:
			if !ok {
				if err := eventStream.Err(); err != nil {
					return nil, fmt.Errorf("converse stream: %w", err)
				}
				return &Completion{Content: bb.finish(), StopReason: stopReason, Usage: usage}, nil
			}
			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					bb.startTool(aws.ToString(toolUse.Value.ToolUseId), aws.ToString(toolUse.Value.Name))
				}
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						bb.addText(delta.Value)
						onText(delta.Value)
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						bb.addToolInput(*delta.Value.Input)
					}
				}
			case *types.ConverseStreamOutputMemberContentBlockStop:
				bb.stopBlock()
			case *types.ConverseStreamOutputMemberMessageStop:
				stopReason = string(ev.Value.StopReason)
			case *types.ConverseStreamOutputMemberMetadata:
				if u := ev.Value.Usage; u != nil {
					usage = &Usage{
						InputTokens:  int(aws.ToInt32(u.InputTokens)),
						OutputTokens: int(aws.ToInt32(u.OutputTokens)),
					}
				}
			}
		}
	}
}

func bedrockMessages(turns []model.Turn) []types.Message {
	out := make([]types.Message, 0, len(turns))
	for _, turn := range turns {
		var content []types.ContentBlock
		for _, blk := range turn.Content {
			switch blk.Type {
			case model.BlockText:
				content = append(content, &types.ContentBlockMemberText{Value: blk.Text})
			case model.BlockToolUse:
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(blk.ID),
						Name:      aws.String(blk.Name),
						Input:     document.NewLazyDocument(toolInputMap(blk.Input)),
					},
				})
			case model.BlockToolResult:
				result := types.ToolResultBlock{
					ToolUseId: aws.String(blk.ToolUseID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: blk.Content}},
				}
				if blk.IsError {
					result.Status = types.ToolResultStatusError
				}
				content = append(content, &types.ContentBlockMemberToolResult{Value: result})
			}
		}
		if len(content) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if turn.Role == model.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{Role: role, Content: content})
	}
	return out
}

func bedrockTools(specs []ToolSpec) *types.ToolConfiguration {
	tools := make([]types.Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(spec.Name),
				Description: aws.String(spec.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(spec.Schema())},
			},
		})
	}
	return &types.ToolConfiguration{Tools: tools}
}

// retryAWS retries fn on transient AWS error codes with capped exponential
// backoff. Only the stream open is retried; a stream that fails mid-flight is
// surfaced to the caller.
func retryAWS(ctx context.Context, opName, region string, fn func(context.Context) error) error {
	const (
		maxAttempts = 4
		baseDelay   = 250 * time.Millisecond
		maxDelay    = 2 * time.Second
	)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientAWSError(err) {
			return err
		}
		if attempt == maxAttempts {
			metrics.Default().IncCounter("koltbot_aws_retry_exhausted_total", map[string]string{
				"op":     opName,
				"region": region,
			})
			return err
		}
		reason := awsErrorCode(err)
		metrics.Default().IncCounter("koltbot_aws_retries_total", map[string]string{
			"op":     opName,
			"region": region,
			"reason": reason,
		})
		delay := baseDelay * time.Duration(1<<(attempt-1))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = withJitter(delay)
		slog.Warn("aws_retry", "op", opName, "region", region, "attempt", attempt, "delay_ms", delay.Milliseconds(), "err", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + (span / 2)
	}
	n := binary.LittleEndian.Uint64(raw[:]) % uint64(span)
	// [10% of base, 100% of base)
	return floor + time.Duration(n)
}

func isTransientAWSError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException",
		"Throttling",
		"TooManyRequestsException",
		"ServiceUnavailableException",
		"ServiceUnavailable",
		"InternalServerException",
		"ModelNotReadyException",
		"ModelTimeoutException",
		"RequestTimeout":
		return true
	default:
		return false
	}
}

func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	code := strings.TrimSpace(apiErr.ErrorCode())
	if code == "" {
		return "unknown"
	}
	return code
}
