// Package client is the chat side of the streaming protocol: it reassembles
// delta fragments, keeps the conversation history, runs requested tools and
// resumes the server-side turn, and queues outbound frames while the
// transport is down.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/coltonfrstt/koltbot-control-plane/internal/conversation"
	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
)

type State int

const (
	Idle State = iota
	Streaming
	ToolPending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Streaming:
		return "streaming"
	case ToolPending:
		return "tool_pending"
	default:
		return "unknown"
	}
}

// View renders engine output. Live receives the current in-progress assistant
// text, Commit a finished history line, System a status or error line.
type View interface {
	Live(text string)
	Commit(role model.Role, text string)
	System(text string)
}

// Outlet writes one encoded frame to an open transport.
type Outlet interface {
	Send(data []byte) error
}

const (
	DefaultDebounce    = 30 * time.Millisecond
	DefaultAckTimeout  = 10 * time.Second
	DefaultToolTimeout = 30 * time.Second
)

type Options struct {
	Debounce      time.Duration
	AckTimeout    time.Duration
	ToolTimeout   time.Duration
	HistoryWindow int
	Tools         ToolExecutor
	View          View
	// OnSessionLost runs on the engine goroutine when the server reports
	// NO_SESSION, so the transport can drop its credential.
	OnSessionLost func()
	Logger        *slog.Logger
}

// Snapshot is a copy of engine state, safe to inspect from any goroutine.
type Snapshot struct {
	State   State
	History []model.Turn
	Live    string
	Queued  int
}

type (
	msgDeliver      struct{ ev model.StreamEvent }
	msgSubmit       struct{ text string }
	msgConnected    struct{ outlet Outlet }
	msgDisconnected struct{}
	msgFlush        struct{ gen int }
	msgAckTimeout   struct{ toolUseID string }
	msgSnapshot     struct{ reply chan Snapshot }
	msgToolDone     struct {
		toolUseID string
		content   string
		isError   bool
	}
)

// Engine is a single-goroutine actor. Fields after stop are owned by Run;
// other goroutines talk to it only through the exported methods.
type Engine struct {
	opts Options
	log  *slog.Logger
	in   chan any
	stop chan struct{}

	ctx         context.Context
	state       State
	history     []model.Turn
	asm         *Reassembler
	out         outbox
	outlet      Outlet
	flushTimer  *time.Timer
	flushGen    int
	acks        map[string]*time.Timer
	pendingTool string
}

func NewEngine(opts Options) *Engine {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = DefaultToolTimeout
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = conversation.DefaultWindow
	}
	if opts.View == nil {
		opts.View = nopView{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		opts: opts,
		log:  log,
		in:   make(chan any, 64),
		stop: make(chan struct{}),
		asm:  NewReassembler(),
		acks: make(map[string]*time.Timer),
	}
}

// Run processes engine messages until ctx is cancelled. It must be called
// exactly once.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	defer func() {
		e.cancelFlush()
		for id, t := range e.acks {
			t.Stop()
			delete(e.acks, id)
		}
		close(e.stop)
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-e.in:
			e.handle(msg)
		}
	}
}

func (e *Engine) Deliver(ev model.StreamEvent) { e.post(msgDeliver{ev: ev}) }
func (e *Engine) Submit(text string)           { e.post(msgSubmit{text: text}) }
func (e *Engine) Connected(o Outlet)           { e.post(msgConnected{outlet: o}) }
func (e *Engine) Disconnected()                { e.post(msgDisconnected{}) }

func (e *Engine) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if !e.post(msgSnapshot{reply: reply}) {
		return Snapshot{}
	}
	select {
	case s := <-reply:
		return s
	case <-e.stop:
		return Snapshot{}
	}
}

func (e *Engine) post(msg any) bool {
	select {
	case e.in <- msg:
		return true
	case <-e.stop:
		return false
	}
}

func (e *Engine) handle(msg any) {
	switch m := msg.(type) {
	case msgDeliver:
		e.handleEvent(m.ev)
	case msgSubmit:
		e.handleSubmit(m.text)
	case msgConnected:
		e.handleConnected(m.outlet)
	case msgDisconnected:
		e.handleDisconnected()
	case msgFlush:
		if m.gen == e.flushGen {
			e.flushTimer = nil
			e.opts.View.Live(e.asm.Flush())
		}
	case msgToolDone:
		e.handleToolDone(m)
	case msgAckTimeout:
		if _, ok := e.acks[m.toolUseID]; ok {
			delete(e.acks, m.toolUseID)
			e.log.Error("tool_result_ack_timeout", "tool_use_id", m.toolUseID, "timeout", e.opts.AckTimeout.String())
			e.opts.View.System("server did not acknowledge the tool result")
		}
	case msgSnapshot:
		m.reply <- Snapshot{
			State:   e.state,
			History: slices.Clone(e.history),
			Live:    e.asm.Text(),
			Queued:  e.out.len(),
		}
	}
}

func (e *Engine) handleEvent(ev model.StreamEvent) {
	if e.state == ToolPending {
		switch ev.Type {
		case model.EventStarted, model.EventDelta, model.EventDone, model.EventToolUse:
			e.log.Debug("stream_event_dropped", "type", string(ev.Type), "tool_use_id", e.pendingTool)
			return
		}
	}

	switch ev.Type {
	case model.EventStarted:
		e.state = Streaming
	case model.EventDelta:
		e.state = Streaming
		e.asm.Add(ev.Seq, ev.Text)
		e.armFlush()
	case model.EventDone:
		text := e.flushNow()
		if text != "" {
			e.appendTurn(model.RoleAssistant, model.TextBlock(text))
			e.opts.View.Commit(model.RoleAssistant, text)
		}
		e.endTurn()
	case model.EventToolUse:
		e.startTool(ev)
	case model.EventAck:
		if t, ok := e.acks[ev.ToolUseID]; ok {
			t.Stop()
			delete(e.acks, ev.ToolUseID)
		}
	case model.EventUsage:
		if ev.Usage != nil {
			e.opts.View.System(fmt.Sprintf("tokens: %d in, %d out (session %d/%d)",
				ev.InputTokens, ev.OutputTokens, ev.SessionTotal, ev.SessionLimit))
		}
	case model.EventError:
		e.opts.View.System("error: " + ev.Message)
		e.endTurn()
		if ev.Code == model.ErrNoSession.Code && e.opts.OnSessionLost != nil {
			e.opts.OnSessionLost()
		}
	default:
		e.log.Debug("stream_event_unknown", "type", string(ev.Type))
	}
}

func (e *Engine) handleSubmit(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if e.state != Idle {
		e.opts.View.System("still responding, wait for the current reply")
		return
	}
	e.history = conversation.AppendUserText(e.history, text)
	e.opts.View.Commit(model.RoleUser, text)
	e.state = Streaming
	e.send(model.Inbound{Message: text, History: conversation.Trim(e.history, e.opts.HistoryWindow)}, "")
}

// startTool commits the buffered text and the tool_use block as one
// assistant turn, text first, then runs the tool off the engine goroutine.
func (e *Engine) startTool(ev model.StreamEvent) {
	blocks := make([]model.ContentBlock, 0, 2)
	if text := e.flushNow(); text != "" {
		blocks = append(blocks, model.TextBlock(text))
		e.opts.View.Commit(model.RoleAssistant, text)
	}
	input := ev.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	blocks = append(blocks, model.ToolUseBlock(ev.ID, ev.Name, input))
	e.appendTurn(model.RoleAssistant, blocks...)
	e.asm.Reset()
	e.opts.View.Live("")

	e.state = ToolPending
	e.pendingTool = ev.ID
	e.opts.View.System("running " + ev.Name)

	if e.opts.Tools == nil {
		e.handleToolDone(msgToolDone{toolUseID: ev.ID, content: "no tool executor configured", isError: true})
		return
	}
	ctx, id, name, tools, timeout := e.ctx, ev.ID, ev.Name, e.opts.Tools, e.opts.ToolTimeout
	go func() {
		tctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		out, err := tools.Execute(tctx, name, input)
		if err != nil {
			e.post(msgToolDone{toolUseID: id, content: err.Error(), isError: true})
			return
		}
		e.post(msgToolDone{toolUseID: id, content: out})
	}()
}

func (e *Engine) handleToolDone(m msgToolDone) {
	if e.state != ToolPending || m.toolUseID != e.pendingTool {
		e.log.Warn("tool_result_discarded", "tool_use_id", m.toolUseID)
		return
	}
	if m.isError {
		e.log.Warn("tool_failed", "tool_use_id", m.toolUseID, "err", m.content)
	}
	e.appendTurn(model.RoleUser, model.ToolResultBlock(m.toolUseID, m.content, m.isError))
	e.pendingTool = ""
	e.state = Streaming
	e.send(model.Inbound{
		Type:      model.InboundToolResult,
		ToolUseID: m.toolUseID,
		Content:   m.content,
		IsError:   m.isError,
		History:   conversation.Trim(e.history, e.opts.HistoryWindow),
	}, m.toolUseID)
}

func (e *Engine) handleConnected(o Outlet) {
	e.outlet = o
	if err := e.out.drain(e.write); err != nil {
		e.log.Warn("outbox_flush_failed", "queued", e.out.len(), "err", err)
		e.outlet = nil
	}
}

// handleDisconnected abandons a reply that was already requested: the server
// keeps no per-connection stream to resume. A tool round trip survives
// because its tool_result stays queued until the next connection.
func (e *Engine) handleDisconnected() {
	e.outlet = nil
	if e.state == Streaming && e.out.len() == 0 {
		e.opts.View.System("connection lost, reply interrupted")
		e.endTurn()
	}
}

func (e *Engine) send(in model.Inbound, ackID string) {
	data, err := json.Marshal(in)
	if err != nil {
		e.log.Error("frame_encode_failed", "err", err)
		return
	}
	f := frame{data: data, ackID: ackID}
	if e.outlet == nil {
		e.out.push(f)
		e.log.Debug("frame_queued", "queued", e.out.len())
		return
	}
	if err := e.write(f); err != nil {
		e.out.pushFront(f)
		e.outlet = nil
		e.log.Warn("frame_send_failed", "queued", e.out.len(), "err", err)
	}
}

func (e *Engine) write(f frame) error {
	if err := e.outlet.Send(f.data); err != nil {
		return err
	}
	if f.ackID != "" {
		id := f.ackID
		e.acks[id] = time.AfterFunc(e.opts.AckTimeout, func() { e.post(msgAckTimeout{toolUseID: id}) })
	}
	return nil
}

func (e *Engine) appendTurn(role model.Role, blocks ...model.ContentBlock) {
	e.history = append(e.history, model.Turn{Role: role, Content: blocks})
}

func (e *Engine) endTurn() {
	e.cancelFlush()
	e.asm.Reset()
	e.opts.View.Live("")
	e.pendingTool = ""
	e.state = Idle
}

func (e *Engine) armFlush() {
	if e.flushTimer != nil {
		return
	}
	e.flushGen++
	gen := e.flushGen
	e.flushTimer = time.AfterFunc(e.opts.Debounce, func() { e.post(msgFlush{gen: gen}) })
}

func (e *Engine) cancelFlush() {
	if e.flushTimer != nil {
		e.flushTimer.Stop()
		e.flushTimer = nil
	}
	e.flushGen++
}

// flushNow merges pending fragments immediately and returns the full text.
func (e *Engine) flushNow() string {
	e.cancelFlush()
	if e.asm.HasPending() {
		return e.asm.Flush()
	}
	return e.asm.Text()
}

type nopView struct{}

func (nopView) Live(string)               {}
func (nopView) Commit(model.Role, string) {}
func (nopView) System(string)             {}
