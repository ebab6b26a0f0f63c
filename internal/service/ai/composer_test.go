package ai

import (
	"fmt"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"

	model "github.com/pbryant/counselor/backend/internal/model/chat"
)

func historyOf(contents ...string) []model.Turn {
	turns := make([]model.Turn, 0, len(contents))
	for i, content := range contents {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		turns = append(turns, model.Turn{Role: role, Content: content})
	}
	return turns
}

func TestComposeEmptyHistory(t *testing.T) {
	c := NewComposer(10, 0)

	input := c.Compose(nil, "hey")

	if input["system"] != instructionPreamble {
		t.Fatal("preamble must be the fixed instruction contract")
	}
	if input["query"] != "hey" {
		t.Fatalf("unexpected query: %v", input["query"])
	}
	if history, _ := input["history"].([]*schema.Message); len(history) != 0 {
		t.Fatalf("expected empty history, got %d messages", len(history))
	}
}

func TestComposePreservesOrder(t *testing.T) {
	c := NewComposer(10, 0)
	history := historyOf("first question", "first answer", "second question", "second answer")

	input := c.Compose(history, "third question")

	messages := input["history"].([]*schema.Message)
	if len(messages) != 4 {
		t.Fatalf("expected 4 history messages, got %d", len(messages))
	}
	for i, msg := range messages {
		if msg.Content != history[i].Content {
			t.Fatalf("history reordered at %d: %q", i, msg.Content)
		}
	}
	if messages[0].Role != schema.User || messages[1].Role != schema.Assistant {
		t.Fatal("roles must follow the stored turns")
	}
	if input["query"] != "third question" {
		t.Fatal("newest utterance must be the final composed element")
	}
}

func TestComposeTurnWindowDropsOldestFirst(t *testing.T) {
	c := NewComposer(4, 0)
	contents := make([]string, 10)
	for i := range contents {
		contents[i] = fmt.Sprintf("turn %d", i)
	}

	input := c.Compose(historyOf(contents...), "latest")

	messages := input["history"].([]*schema.Message)
	if len(messages) != 4 {
		t.Fatalf("expected window of 4, got %d", len(messages))
	}
	if messages[0].Content != "turn 6" {
		t.Fatalf("window must keep the newest turns, starts at %q", messages[0].Content)
	}
	if messages[3].Content != "turn 9" {
		t.Fatalf("window must end with the most recent turn, got %q", messages[3].Content)
	}
}

func TestComposeRuneBudgetKeepsUtteranceVerbatim(t *testing.T) {
	c := NewComposer(100, 50)
	long := strings.Repeat("x", 40)
	history := historyOf(long, long, long, long)
	utterance := "what does clause 4 mean?"

	input := c.Compose(history, utterance)

	if input["query"] != utterance {
		t.Fatalf("utterance must survive truncation verbatim, got %v", input["query"])
	}
	messages := input["history"].([]*schema.Message)
	if len(messages) >= len(history) {
		t.Fatalf("budget did not truncate: %d messages kept", len(messages))
	}
	// Whatever survived must be the tail of the transcript, in order.
	for i, msg := range messages {
		want := history[len(history)-len(messages)+i].Content
		if msg.Content != want {
			t.Fatalf("truncation corrupted order at %d", i)
		}
	}
}

func TestComposeOversizedHistoryNeverErrors(t *testing.T) {
	c := NewComposer(10, 100)
	huge := strings.Repeat("a", 10_000)

	input := c.Compose(historyOf(huge, huge), "still here")

	if input["query"] != "still here" {
		t.Fatal("most recent utterance must always be composed")
	}
}

func TestPreambleContract(t *testing.T) {
	c := NewComposer(10, 0)
	preamble := c.Preamble()

	for _, want := range []string{"NEW conversation", "Never invent", "greeting"} {
		if !strings.Contains(preamble, want) {
			t.Fatalf("preamble missing %q", want)
		}
	}
}
