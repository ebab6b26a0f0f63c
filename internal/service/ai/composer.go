package ai

import (
	"strings"

	"github.com/cloudwego/eino/schema"

	model "github.com/pbryant/counselor/backend/internal/model/chat"
)

// instructionPreamble is the fixed behavior contract sent with every
// generation. It is identical for every call and every session; the stored
// transcript is the only thing that varies.
const instructionPreamble = `You are a legal counsel assisting a client over chat.

This is a NEW conversation. The transcript provided with this request is the complete and only history; you have no memory beyond it.
Answer only the question asked. Never invent cases, parties, mergers, contracts, or facts that do not appear in the transcript or the client's message.
If the client opens with a plain social greeting, respond with a brief greeting and ask how you can help, nothing more.
Be concise and use plain language.`

// defaultRuneBudget caps composed history size when no budget is supplied,
// sized well under the small local models' context windows.
const defaultRuneBudget = 8000

// Composer turns stored history plus the newest utterance into a
// self-contained chain input. It holds no mutable state and never talks to
// the store or the backend.
type Composer struct {
	historyLimit int
	runeBudget   int
}

// NewComposer builds a composer with a turn-count window and a rune budget.
// Non-positive values fall back to defaults.
func NewComposer(historyLimit, runeBudget int) *Composer {
	if historyLimit <= 0 {
		historyLimit = 10
	}
	if runeBudget <= 0 {
		runeBudget = defaultRuneBudget
	}
	return &Composer{historyLimit: historyLimit, runeBudget: runeBudget}
}

// Preamble returns the fixed instruction preamble.
func (c *Composer) Preamble() string {
	return instructionPreamble
}

// Compose assembles the chain input for one generation. History is windowed
// oldest-first-out: when the transcript exceeds the turn or rune budget the
// oldest turns are dropped, never the newest utterance, and surviving turns
// keep their original order.
func (c *Composer) Compose(history []model.Turn, utterance string) map[string]any {
	return map[string]any{
		"system":  instructionPreamble,
		"history": c.windowHistory(history, utterance),
		"query":   strings.TrimSpace(utterance),
	}
}

func (c *Composer) windowHistory(history []model.Turn, utterance string) []*schema.Message {
	if len(history) == 0 {
		return nil
	}

	startIdx := 0
	if len(history) > c.historyLimit {
		startIdx = len(history) - c.historyLimit
	}

	// The utterance is charged against the budget first: it is the one
	// element that must survive composition verbatim.
	budget := c.runeBudget - len([]rune(utterance))

	// Walk backwards so the newest context wins when the budget runs out.
	for i := len(history) - 1; i >= startIdx; i-- {
		budget -= len([]rune(history[i].Content))
		if budget < 0 {
			startIdx = i + 1
			break
		}
	}

	window := make([]*schema.Message, 0, len(history)-startIdx)
	for _, turn := range history[startIdx:] {
		switch turn.Role {
		case model.RoleUser:
			window = append(window, schema.UserMessage(turn.Content))
		case model.RoleAssistant:
			window = append(window, schema.AssistantMessage(turn.Content, nil))
		}
	}
	return window
}
