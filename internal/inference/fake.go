package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
)

// FakeTurn is one scripted completion.
type FakeTurn struct {
	Fragments []string
	ToolUses  []model.ContentBlock
	Usage     *Usage
	Err       error
}

// Fake replays scripted turns in order. With an exhausted script it echoes
// the last user text, and asks for github_search when that text starts with
// "search:".
type Fake struct {
	mu     sync.Mutex
	script []FakeTurn
	calls  []Request
}

func NewFake(script ...FakeTurn) *Fake {
	return &Fake{script: script}
}

func (f *Fake) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.calls...)
}

func (f *Fake) Stream(ctx context.Context, req Request, onText func(string)) (*Completion, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	var turn FakeTurn
	if len(f.script) > 0 {
		turn = f.script[0]
		f.script = f.script[1:]
	} else {
		turn = echoTurn(req.Messages)
	}
	f.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}
	var text strings.Builder
	for _, frag := range turn.Fragments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text.WriteString(frag)
		onText(frag)
	}
	out := &Completion{Usage: turn.Usage, StopReason: "end_turn"}
	if text.Len() > 0 {
		out.Content = append(out.Content, model.TextBlock(text.String()))
	}
	if len(turn.ToolUses) > 0 {
		out.Content = append(out.Content, turn.ToolUses...)
		out.StopReason = "tool_use"
	}
	return out, nil
}

func echoTurn(messages []model.Turn) FakeTurn {
	var last model.Turn
	if len(messages) > 0 {
		last = messages[len(messages)-1]
	}
	var text, result string
	for _, b := range last.Content {
		switch b.Type {
		case model.BlockText:
			text = b.Text
		case model.BlockToolResult:
			result = b.Content
		}
	}
	turn := FakeTurn{Usage: &Usage{InputTokens: countWords(messages), OutputTokens: 0}}
	switch {
	case result != "":
		turn.Fragments = splitWords("Tool returned: " + result)
	case strings.HasPrefix(text, "search:"):
		input, _ := json.Marshal(map[string]string{"repo": "koltbot/koltbot", "q": strings.TrimSpace(strings.TrimPrefix(text, "search:")), "type": "code"})
		turn.Fragments = []string{"Searching."}
		turn.ToolUses = []model.ContentBlock{model.ToolUseBlock(fmt.Sprintf("toolu_fake_%d", len(messages)), "github_search", input)}
	default:
		turn.Fragments = splitWords("You said: " + text)
	}
	turn.Usage.OutputTokens = len(turn.Fragments)
	return turn
}

func splitWords(s string) []string {
	words := strings.SplitAfter(s, " ")
	out := words[:0]
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

func countWords(turns []model.Turn) int {
	n := 0
	for _, t := range turns {
		for _, b := range t.Content {
			n += len(strings.Fields(b.Text)) + len(strings.Fields(b.Content))
		}
	}
	return n
}
