// Package orchestrator drives one model turn per inbound frame: it emits the
// ordered protocol events, meters usage and suspends on tool calls.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coltonfrstt/koltbot-control-plane/internal/conversation"
	"github.com/coltonfrstt/koltbot-control-plane/internal/inference"
	"github.com/coltonfrstt/koltbot-control-plane/internal/logx"
	"github.com/coltonfrstt/koltbot-control-plane/internal/metrics"
	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
)

// SendResult is the outcome of delivering one event. Gone means the
// recipient disconnected; it is final and never retried.
type SendResult int

const (
	Delivered SendResult = iota
	Gone
)

func (r SendResult) String() string {
	if r == Gone {
		return "gone"
	}
	return "delivered"
}

type Sender interface {
	Send(ev model.StreamEvent) SendResult
}

type SenderFunc func(ev model.StreamEvent) SendResult

func (f SenderFunc) Send(ev model.StreamEvent) SendResult { return f(ev) }

type Registry interface {
	Lookup(ctx context.Context, connectionID string) (string, error)
}

type Ledger interface {
	Exceeded(ctx context.Context, sessionID string) (int, bool)
	AddUsage(ctx context.Context, sessionID string, tokens int) int
	Limit() int
}

const (
	DefaultModel     = "claude-3-7-sonnet-20250219"
	DefaultSystem    = "You are a helpful assistant."
	DefaultMaxTokens = 1024
	DefaultTimeout   = 2 * time.Minute
)

type Options struct {
	Model         string
	System        string
	MaxTokens     int
	HistoryWindow int
	Tools         []inference.ToolSpec
	// Timeout bounds one invocation, measured from receipt.
	Timeout time.Duration
	// Provider labels inference metrics.
	Provider string
	Now      func() time.Time
}

type Orchestrator struct {
	registry Registry
	ledger   Ledger
	model    inference.Model
	opts     Options
}

func New(reg Registry, led Ledger, m inference.Model, opts Options) *Orchestrator {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.System == "" {
		opts.System = DefaultSystem
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = conversation.DefaultWindow
	}
	if opts.Tools == nil {
		opts.Tools = inference.DefaultTools()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Provider == "" {
		opts.Provider = "unknown"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{registry: reg, ledger: led, model: m, opts: opts}
}

// Handle runs one invocation for a raw inbound frame. Failures are reported
// in-band as error events; Handle never panics past its boundary. The
// invocation is detached from ctx cancellation so a disconnect does not abort
// an in-flight stream.
func (o *Orchestrator) Handle(ctx context.Context, connectionID string, raw []byte, send Sender) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.Timeout)
	defer cancel()
	ctx = logx.With(ctx, "connection_id", connectionID)

	inv := &invocation{
		o:      o,
		connID: connectionID,
		log:    logx.FromContext(ctx),
		emit:   &emitter{send: send, now: o.opts.Now},
		kind:   "unknown",
	}
	defer func() {
		if r := recover(); r != nil {
			inv.log.Error("invocation_panic", "panic", fmt.Sprint(r))
			inv.fail(model.ErrInternal)
		}
		metrics.Default().IncCounter("koltbot_invocations_total", map[string]string{"kind": inv.kind, "outcome": inv.outcome})
		inv.log.Info("invocation_finished", "kind", inv.kind, "outcome", inv.outcome, "events", inv.emit.seq, "gone", inv.emit.gone)
	}()

	var in model.Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		inv.fail(model.ErrInvalidMessage.Wrap(err))
		return
	}
	if in.IsToolResult() {
		inv.kind = "tool_result"
		inv.handleToolResult(ctx, in)
		return
	}
	inv.kind = "chat"
	inv.handleChat(ctx, in)
}

type invocation struct {
	o       *Orchestrator
	connID  string
	log     *slog.Logger
	emit    *emitter
	kind    string
	outcome string
}

func (inv *invocation) handleChat(ctx context.Context, in model.Inbound) {
	text := strings.TrimSpace(in.Message)
	if text == "" {
		inv.fail(model.ErrEmptyMessage)
		return
	}
	inv.emit.event(model.StreamEvent{Type: model.EventStarted})

	sessionID, ok := inv.admit(ctx)
	if !ok {
		return
	}
	if err := conversation.Validate(in.History); err != nil {
		inv.fail(err)
		return
	}
	history := conversation.Trim(in.History, inv.o.opts.HistoryWindow)
	history = conversation.AppendUserText(history, in.Message)
	inv.stream(ctx, sessionID, history)
}

func (inv *invocation) handleToolResult(ctx context.Context, in model.Inbound) {
	if strings.TrimSpace(in.ToolUseID) == "" {
		inv.fail(model.ErrInvalidMessage.WithMessage("tool_use_id is required"))
		return
	}
	inv.emit.event(model.StreamEvent{Type: model.EventAck, ToolUseID: in.ToolUseID})

	if err := conversation.Validate(in.History); err != nil {
		inv.fail(err)
		return
	}
	history := conversation.EnsureToolResult(in.History, in.ToolUseID, in.Content, in.IsError)
	if err := conversation.Validate(history); err != nil {
		inv.fail(err)
		return
	}
	if conversation.RewriteEmptyResult(history) {
		inv.log.Debug("tool_result_rewritten", "tool_use_id", in.ToolUseID)
	}
	inv.emit.event(model.StreamEvent{Type: model.EventStarted})

	sessionID, ok := inv.admit(ctx)
	if !ok {
		return
	}
	history = conversation.Trim(history, inv.o.opts.HistoryWindow)
	inv.stream(ctx, sessionID, history)
}

// admit resolves the bound session and enforces the token quota.
func (inv *invocation) admit(ctx context.Context) (string, bool) {
	sessionID, err := inv.o.registry.Lookup(ctx, inv.connID)
	if err != nil {
		inv.fail(err)
		return "", false
	}
	inv.log = inv.log.With("session_id", sessionID)
	if used, exceeded := inv.o.ledger.Exceeded(ctx, sessionID); exceeded {
		inv.log.Info("token_limit_exceeded", "used", used, "limit", inv.o.ledger.Limit())
		inv.fail(model.ErrTokenLimitExceeded)
		return "", false
	}
	return sessionID, true
}

func (inv *invocation) stream(ctx context.Context, sessionID string, history []model.Turn) {
	req := inference.Request{
		Model:     inv.o.opts.Model,
		System:    inv.o.opts.System,
		MaxTokens: inv.o.opts.MaxTokens,
		Messages:  conversation.ForModel(history),
		Tools:     inv.o.opts.Tools,
	}
	start := time.Now()
	completion, err := inv.o.model.Stream(ctx, req, func(text string) {
		inv.emit.event(model.StreamEvent{Type: model.EventDelta, Text: text})
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.Default().ObserveHistogram("koltbot_inference_latency_ms", float64(time.Since(start).Milliseconds()), map[string]string{
		"provider": inv.o.opts.Provider,
		"status":   status,
	})
	if err != nil {
		inv.log.Warn("inference_failed", "err", err)
		if errors.Is(err, context.DeadlineExceeded) {
			inv.fail(model.ErrUpstream.WithMessage("inference timed out").Wrap(err))
			return
		}
		inv.fail(model.ErrUpstream.Wrap(err))
		return
	}

	if completion.Usage != nil {
		total := inv.o.ledger.AddUsage(ctx, sessionID, completion.Usage.Total())
		inv.emit.event(model.StreamEvent{Type: model.EventUsage, Usage: &model.Usage{
			InputTokens:  completion.Usage.InputTokens,
			OutputTokens: completion.Usage.OutputTokens,
			SessionTotal: total,
			SessionLimit: inv.o.ledger.Limit(),
		}})
	}

	if toolUse, ok := completion.FirstToolUse(); ok {
		inv.emit.event(model.StreamEvent{Type: model.EventToolUse, ID: toolUse.ID, Name: toolUse.Name, Input: toolUse.Input})
		inv.outcome = "tool_pending"
		return
	}
	inv.emit.event(model.StreamEvent{Type: model.EventDone})
	inv.outcome = "done"
}

func (inv *invocation) fail(err error) {
	e := model.AsError(err)
	if e.Kind == model.KindInternal {
		inv.log.Error("invocation_failed", "code", e.Code, "err", err)
	}
	inv.emit.event(model.StreamEvent{Type: model.EventError, Code: e.Code, Message: e.Message})
	inv.outcome = strings.ToLower(e.Code)
}

// emitter stamps events with the invocation-local seq. After the first Gone
// result further events are counted but not sent.
type emitter struct {
	send Sender
	now  func() time.Time
	seq  int
	gone bool
}

func (e *emitter) event(ev model.StreamEvent) {
	seq := e.seq
	e.seq++
	ev.Seq = &seq
	ev.Timestamp = e.now().UnixMilli()

	result := Gone
	if !e.gone {
		result = e.send.Send(ev)
	}
	if result == Gone {
		e.gone = true
	}
	metrics.Default().IncCounter("koltbot_events_sent_total", map[string]string{"type": string(ev.Type), "result": result.String()})
}
