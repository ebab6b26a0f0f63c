package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Sentinel errors for generation calls.
var (
	// ErrTimeout is returned when a call exceeds the configured hard bound.
	ErrTimeout = errors.New("ollama call timed out")
	// ErrUnavailable is returned when the server is unreachable or refuses
	// the request.
	ErrUnavailable = errors.New("ollama unavailable")
	// ErrMalformedResponse is returned when the server answers with
	// something that does not parse as a chat response.
	ErrMalformedResponse = errors.New("ollama returned malformed response")
	// ErrModelNotFound is returned by Probe when the configured model has
	// not been pulled.
	ErrModelNotFound = errors.New("model not available in ollama")
)

// seedModulus keeps seeds within Ollama's accepted int32 range.
const seedModulus = 2147483647

// Maximum response size to keep a runaway model from exhausting memory (1 MB).
const maxResponseSize = 1024 * 1024

// Config describes one Ollama backend and the sampling defaults applied to
// every generation.
type Config struct {
	Endpoint    string
	Model       string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Timeout     time.Duration
}

// ChatModel talks to a local Ollama server through the eino model seam. It
// is safe for concurrent use; every call is stateless toward the backend.
type ChatModel struct {
	cfg        Config
	httpClient *http.Client
	seed       atomic.Int64
}

// NewChatModel creates a client for the configured endpoint. Empty fields
// fall back to the package defaults.
func NewChatModel(cfg Config) *ChatModel {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &ChatModel{
		cfg: cfg,
		// Timeouts are enforced per request via context, not on the
		// client, so streaming responses are not cut off mid-body.
		httpClient: &http.Client{},
	}
	c.seed.Store(time.Now().UnixNano() % seedModulus)
	return c
}

// nextSeed returns a randomization seed distinct from every previous call.
func (c *ChatModel) nextSeed() int64 {
	return c.seed.Add(1) % seedModulus
}

// Probe verifies the server is reachable and the configured model is
// available. Used at startup for diagnostics only.
func (c *ChatModel) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+EndpointTags, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	var tags TagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	for _, m := range tags.Models {
		if m.Name == c.cfg.Model {
			return nil
		}
	}
	return fmt.Errorf("%w: %s (pull with: ollama pull %s)", ErrModelNotFound, c.cfg.Model, c.cfg.Model)
}

// Generate performs one stateless chat completion, bounded by the
// configured timeout. No retry happens here; retry policy belongs to the
// caller.
func (c *ChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	body, err := c.buildRequest(input, false, opts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chatResp ChatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if chatResp.Message.Role == "" && chatResp.Message.Content == "" {
		return nil, fmt.Errorf("%w: empty message", ErrMalformedResponse)
	}

	// chatResp.Context is dropped on the floor, deliberately.
	return schema.AssistantMessage(chatResp.Message.Content, nil), nil
}

// Stream performs one stateless chat completion and emits assistant chunks
// as they arrive. The same hard timeout bounds the whole stream.
func (c *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	body, err := c.buildRequest(input, true, opts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)

	resp, err := c.post(ctx, body)
	if err != nil {
		cancel()
		return nil, err
	}

	sr, sw := schema.Pipe[*schema.Message](8)

	go func() {
		defer cancel()
		defer sw.Close()
		defer resp.Body.Close()

		received := 0
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var chunk ChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				sw.Send(nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err))
				return
			}

			received += len(chunk.Message.Content)
			if received > maxResponseSize {
				sw.Send(nil, fmt.Errorf("%w: response too large", ErrMalformedResponse))
				return
			}

			if chunk.Message.Content != "" {
				if closed := sw.Send(schema.AssistantMessage(chunk.Message.Content, nil), nil); closed {
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			sw.Send(nil, c.classifyError(err))
		}
	}()

	return sr, nil
}

// BindTools is part of the eino ChatModel interface; function calling is
// not part of this backend's contract.
func (c *ChatModel) BindTools([]*schema.ToolInfo) error {
	return errors.New("ollama chat model does not support tools")
}

// buildRequest converts eino messages into a self-contained chat request
// with a fresh seed. Only the first message may carry the system role, which
// blocks preamble injection through history.
func (c *ChatModel) buildRequest(input []*schema.Message, stream bool, opts ...model.Option) ([]byte, error) {
	if len(input) == 0 {
		return nil, errors.New("messages cannot be empty")
	}

	messages := make([]Message, 0, len(input))
	for i, msg := range input {
		if msg == nil {
			return nil, errors.New("nil message in request")
		}
		switch msg.Role {
		case schema.System:
			if i != 0 {
				return nil, errors.New("system message must be first in conversation")
			}
			messages = append(messages, Message{Role: RoleSystem, Content: msg.Content})
		case schema.User:
			messages = append(messages, Message{Role: RoleUser, Content: msg.Content})
		case schema.Assistant:
			messages = append(messages, Message{Role: RoleAssistant, Content: msg.Content})
		default:
			return nil, fmt.Errorf("invalid message role: %q", msg.Role)
		}
	}

	common := model.GetCommonOptions(&model.Options{}, opts...)

	seed := c.nextSeed()
	options := &Options{Seed: &seed}

	if common.Temperature != nil {
		options.Temperature = common.Temperature
	} else if c.cfg.Temperature != nil {
		val := float32(*c.cfg.Temperature)
		options.Temperature = &val
	}
	if common.TopP != nil {
		options.TopP = common.TopP
	} else if c.cfg.TopP != nil {
		val := float32(*c.cfg.TopP)
		options.TopP = &val
	}
	if common.MaxTokens != nil {
		options.NumPredict = common.MaxTokens
	} else if c.cfg.MaxTokens != nil {
		options.NumPredict = c.cfg.MaxTokens
	}

	chatModel := c.cfg.Model
	if common.Model != nil && *common.Model != "" {
		chatModel = *common.Model
	}

	body, err := json.Marshal(ChatRequest{
		Model:    chatModel,
		Messages: messages,
		Stream:   stream,
		Options:  options,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return body, nil
}

func (c *ChatModel) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+EndpointChat, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.classifyError(err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, bytes.TrimSpace(errBody))
	}
	return resp, nil
}

// classifyError converts transport failures into the package sentinels.
func (c *ChatModel) classifyError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w at %s (start with: ollama serve)", ErrUnavailable, c.cfg.Endpoint)
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
