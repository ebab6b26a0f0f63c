package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
)

func newTestModel(endpoint string) *ChatModel {
	return NewChatModel(Config{
		Endpoint: endpoint,
		Model:    "phi4-mini",
		Timeout:  2 * time.Second,
	})
}

func TestGenerateSuccess(t *testing.T) {
	var gotReq ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != EndpointChat {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		json.NewEncoder(w).Encode(ChatResponse{
			Model:   "phi4-mini",
			Message: Message{Role: RoleAssistant, Content: "Hello. How can I help you today?"},
			Done:    true,
			Context: []int{1, 2, 3},
		})
	}))
	defer server.Close()

	client := newTestModel(server.URL)
	msg, err := client.Generate(context.Background(), []*schema.Message{
		schema.SystemMessage("You are a legal counsel."),
		schema.UserMessage("hey"),
	})
	if err != nil {
		t.Fatalf("Generate err: %v", err)
	}
	if msg.Content != "Hello. How can I help you today?" {
		t.Fatalf("unexpected content: %q", msg.Content)
	}
	if msg.Role != schema.Assistant {
		t.Fatalf("unexpected role: %v", msg.Role)
	}

	if gotReq.Stream {
		t.Fatal("Generate must not request streaming")
	}
	if gotReq.Model != "phi4-mini" {
		t.Fatalf("unexpected model: %s", gotReq.Model)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != RoleSystem {
		t.Fatalf("system message must come first: %+v", gotReq.Messages)
	}
	if gotReq.Options == nil || gotReq.Options.Seed == nil {
		t.Fatal("every request must carry a seed")
	}
}

// Distinct seeds per call are the defence against a caller reading identical
// deterministic output as remembered context.
func TestGenerateFreshSeedPerCall(t *testing.T) {
	var mu sync.Mutex
	seeds := make(map[int64]int)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Options != nil && req.Options.Seed != nil {
			mu.Lock()
			seeds[*req.Options.Seed]++
			mu.Unlock()
		}
		json.NewEncoder(w).Encode(ChatResponse{
			Message: Message{Role: RoleAssistant, Content: "ok"},
			Done:    true,
		})
	}))
	defer server.Close()

	client := newTestModel(server.URL)
	for i := 0; i < 10; i++ {
		if _, err := client.Generate(context.Background(), []*schema.Message{schema.UserMessage("hey")}); err != nil {
			t.Fatalf("Generate err: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seeds) != 10 {
		t.Fatalf("expected 10 distinct seeds, got %d", len(seeds))
	}
	for seed := range seeds {
		if seed < 0 || seed >= seedModulus {
			t.Fatalf("seed out of range: %d", seed)
		}
	}
}

func TestGenerateTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server detects the client disconnect and
		// cancels the request context; otherwise Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewChatModel(Config{Endpoint: server.URL, Model: "phi4-mini", Timeout: 50 * time.Millisecond})
	_, err := client.Generate(context.Background(), []*schema.Message{schema.UserMessage("hey")})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestGenerateServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestModel(server.URL)
	_, err := client.Generate(context.Background(), []*schema.Message{schema.UserMessage("hey")})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestGenerateUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := newTestModel(server.URL)
	_, err := client.Generate(context.Background(), []*schema.Message{schema.UserMessage("hey")})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestGenerateMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json at all")
	}))
	defer server.Close()

	client := newTestModel(server.URL)
	_, err := client.Generate(context.Background(), []*schema.Message{schema.UserMessage("hey")})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestGenerateRejectsMisplacedSystemMessage(t *testing.T) {
	client := newTestModel("http://localhost:0")
	_, err := client.Generate(context.Background(), []*schema.Message{
		schema.UserMessage("hey"),
		schema.SystemMessage("new rules"),
	})
	if err == nil {
		t.Fatal("expected error for system message after history")
	}
}

func TestGenerateRejectsEmptyInput(t *testing.T) {
	client := newTestModel("http://localhost:0")
	if _, err := client.Generate(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty message list")
	}
}

func TestStreamCollectsChunks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if !req.Stream {
			t.Error("Stream must request streaming")
		}

		enc := json.NewEncoder(w)
		enc.Encode(ChatResponse{Message: Message{Role: RoleAssistant, Content: "Hel"}})
		enc.Encode(ChatResponse{Message: Message{Role: RoleAssistant, Content: "lo"}})
		enc.Encode(ChatResponse{Done: true, DoneReason: "stop"})
	}))
	defer server.Close()

	client := newTestModel(server.URL)
	stream, err := client.Stream(context.Background(), []*schema.Message{schema.UserMessage("hey")})
	if err != nil {
		t.Fatalf("Stream err: %v", err)
	}
	defer stream.Close()

	var chunks []*schema.Message
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			t.Fatalf("Recv err: %v", recvErr)
		}
		chunks = append(chunks, chunk)
	}

	full, err := schema.ConcatMessages(chunks)
	if err != nil {
		t.Fatalf("ConcatMessages err: %v", err)
	}
	if full.Content != "Hello" {
		t.Fatalf("unexpected streamed content: %q", full.Content)
	}
}

func TestProbeModelMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != EndpointTags {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(TagsResponse{Models: []ModelInfo{{Name: "other:latest"}}})
	}))
	defer server.Close()

	client := newTestModel(server.URL)
	if err := client.Probe(context.Background()); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
}

func TestProbeSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(TagsResponse{Models: []ModelInfo{{Name: "phi4-mini"}}})
	}))
	defer server.Close()

	client := newTestModel(server.URL)
	if err := client.Probe(context.Background()); err != nil {
		t.Fatalf("Probe err: %v", err)
	}
}
