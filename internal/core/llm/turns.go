package llm

import (
	"strings"

	"github.com/markdave123-py/lumen/internal/core"
	"github.com/markdave123-py/lumen/internal/models"
)

// alternateTurns shapes history for providers that require strict user/model
// alternation starting with the user: consecutive same-role turns are merged,
// leading assistant turns dropped, and a trailing user turn is folded into the prompt.
func alternateTurns(history []core.ChatTurn, prompt string) ([]core.ChatTurn, string) {
	var out []core.ChatTurn
	for _, t := range history {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		if len(out) == 0 && t.Role != models.RoleUser {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == t.Role {
			out[n-1].Content += "\n\n" + t.Content
			continue
		}
		out = append(out, t)
	}
	if n := len(out); n > 0 && out[n-1].Role == models.RoleUser {
		prompt = out[n-1].Content + "\n\n" + prompt
		out = out[:n-1]
	}
	return out, prompt
}
