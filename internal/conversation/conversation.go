// Package conversation holds the history rules shared by the server and the
// chat client: windowed trimming that keeps tool_use/tool_result pairs
// together, structural validation, and the clean-up applied before a history
// is handed to a model.
package conversation

import (
	"fmt"
	"slices"
	"strings"

	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
)

const DefaultWindow = 12

const NoResultsMessage = "No results found. The tool returned an empty result for this request; " +
	"tell the user nothing matched, or retry with a broader query or a different repository."

// Trim keeps roughly the last window turns. Walking backwards, every turn
// holding a tool_result is kept and its tool_use id becomes required; the walk
// only stops once the window is full and every required tool_use has been
// collected, so a kept tool_result never loses its tool_use.
func Trim(history []model.Turn, window int) []model.Turn {
	if window <= 0 || len(history) <= window {
		return slices.Clone(history)
	}
	required := make(map[string]struct{})
	collected := make([]model.Turn, 0, window)

	for i := len(history) - 1; i >= 0; i-- {
		turn := history[i]
		uses, results := blockIDs(turn)

		keep := false
		for _, id := range results {
			required[id] = struct{}{}
			keep = true
		}
		for _, id := range uses {
			if _, ok := required[id]; ok {
				delete(required, id)
				keep = true
			}
		}
		if !keep && len(collected) < window {
			keep = true
		}
		if keep {
			collected = append(collected, turn)
		}
		if len(collected) >= window && len(required) == 0 {
			break
		}
	}
	slices.Reverse(collected)
	return collected
}

func blockIDs(turn model.Turn) (uses, results []string) {
	for _, b := range turn.Content {
		switch b.Type {
		case model.BlockToolUse:
			uses = append(uses, b.ID)
		case model.BlockToolResult:
			results = append(results, b.ToolUseID)
		}
	}
	return uses, results
}

// Validate reports whether history is a well-formed turn sequence. A
// tool_result must follow a tool_use with the same id earlier in the history.
func Validate(history []model.Turn) error {
	seen := make(map[string]struct{})
	for i, turn := range history {
		if turn.Role != model.RoleUser && turn.Role != model.RoleAssistant {
			return invalid("turn %d: unknown role %q", i, turn.Role)
		}
		for j, b := range turn.Content {
			switch b.Type {
			case model.BlockText:
			case model.BlockToolUse:
				if turn.Role != model.RoleAssistant {
					return invalid("turn %d block %d: tool_use outside an assistant turn", i, j)
				}
				if b.ID == "" || b.Name == "" {
					return invalid("turn %d block %d: tool_use without id or name", i, j)
				}
				seen[b.ID] = struct{}{}
			case model.BlockToolResult:
				if turn.Role != model.RoleUser {
					return invalid("turn %d block %d: tool_result outside a user turn", i, j)
				}
				if _, ok := seen[b.ToolUseID]; !ok {
					return invalid("turn %d block %d: tool_result %q has no preceding tool_use", i, j, b.ToolUseID)
				}
			default:
				return invalid("turn %d block %d: unknown block type %q", i, j, b.Type)
			}
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return model.ErrInvalidHistory.WithMessage(fmt.Sprintf(format, args...))
}

// ForModel returns a copy of history that a model will accept: empty text
// blocks and empty turns are dropped, adjacent same-role turns are merged,
// the sequence starts with a user turn, and tool_use blocks left without a
// matching tool_result (and the reverse) are removed.
func ForModel(history []model.Turn) []model.Turn {
	answered := make(map[string]struct{})
	for _, turn := range history {
		for _, b := range turn.Content {
			if b.Type == model.BlockToolResult {
				answered[b.ToolUseID] = struct{}{}
			}
		}
	}

	out := make([]model.Turn, 0, len(history))
	used := make(map[string]struct{})
	for _, turn := range history {
		blocks := make([]model.ContentBlock, 0, len(turn.Content))
		for _, b := range turn.Content {
			switch b.Type {
			case model.BlockText:
				if strings.TrimSpace(b.Text) == "" {
					continue
				}
			case model.BlockToolUse:
				if _, ok := answered[b.ID]; !ok {
					continue
				}
				used[b.ID] = struct{}{}
			case model.BlockToolResult:
				if _, ok := used[b.ToolUseID]; !ok {
					continue
				}
			}
			blocks = append(blocks, b)
		}
		if len(blocks) == 0 {
			continue
		}
		if len(out) == 0 && turn.Role != model.RoleUser {
			// tool_use ids dropped here must not keep their results.
			for _, b := range blocks {
				delete(used, b.ID)
			}
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == turn.Role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, model.Turn{Role: turn.Role, Content: blocks})
	}
	return out
}

// IsEmptyResult reports whether a tool returned one of the ambiguous empty
// markers: "", "[]", "{}", "null" or an empty JSON string.
func IsEmptyResult(content string) bool {
	switch strings.TrimSpace(content) {
	case "", "[]", "{}", "null", `""`:
		return true
	}
	return false
}

// RewriteEmptyResult replaces the content of the last tool_result block in
// history with NoResultsMessage when it is an empty marker. It reports
// whether a rewrite happened. history is modified in place.
func RewriteEmptyResult(history []model.Turn) bool {
	for i := len(history) - 1; i >= 0; i-- {
		blocks := history[i].Content
		for j := len(blocks) - 1; j >= 0; j-- {
			if blocks[j].Type != model.BlockToolResult {
				continue
			}
			if !IsEmptyResult(blocks[j].Content) {
				return false
			}
			blocks[j].Content = NoResultsMessage
			return true
		}
	}
	return false
}

// EnsureToolResult appends a user tool_result turn for toolUseID unless the
// history already carries one.
func EnsureToolResult(history []model.Turn, toolUseID, content string, isError bool) []model.Turn {
	for _, turn := range history {
		for _, b := range turn.Content {
			if b.Type == model.BlockToolResult && b.ToolUseID == toolUseID {
				return history
			}
		}
	}
	return append(history, model.Turn{
		Role:    model.RoleUser,
		Content: []model.ContentBlock{model.ToolResultBlock(toolUseID, content, isError)},
	})
}

// AppendUserText appends a user text turn unless history already ends with
// exactly that text.
func AppendUserText(history []model.Turn, text string) []model.Turn {
	if n := len(history); n > 0 && history[n-1].Role == model.RoleUser {
		if last, ok := history[n-1].TextOnly(); ok && last == text {
			return history
		}
	}
	return append(history, model.Turn{Role: model.RoleUser, Content: []model.ContentBlock{model.TextBlock(text)}})
}
