// Package conversation mediates between browser clients and the stateless
// generation backend: it owns the request/reply cycle and is the only
// writer of conversation history.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"unicode"

	"github.com/cloudwego/eino/schema"

	model "github.com/pbryant/counselor/backend/internal/model/chat"
	"github.com/pbryant/counselor/backend/internal/ollama"
	aiservice "github.com/pbryant/counselor/backend/internal/service/ai"
	chatservice "github.com/pbryant/counselor/backend/internal/service/chat"
)

var (
	ErrEmptyUtterance   = errors.New("utterance must not be empty")
	ErrInvalidSessionID = errors.New("session id is missing or malformed")
)

// FallbackReply is returned to the client whenever the backend fails. The
// failure is logged; the reply itself never carries error detail that could
// be mistaken for counsel.
const FallbackReply = "I apologize, but I am unable to reach the research service right now. Please try again in a moment."

const maxSessionIDLen = 128

// Mediator orchestrates one exchange: resolve the session, snapshot its
// history, generate a reply, then commit both sides of the exchange. The
// generation call runs without any session lock held; only the commit
// enters the per-session critical section.
type Mediator struct {
	store *chatservice.Store
	ai    *aiservice.Service
}

// New wires a mediator to its store and generation service.
func New(store *chatservice.Store, ai *aiservice.Service) *Mediator {
	return &Mediator{store: store, ai: ai}
}

// Exchange handles one user turn and returns the reply text. Backend
// failures never propagate: they are logged and converted to FallbackReply,
// with the user's own turn still committed so it is not lost from history.
func (m *Mediator) Exchange(ctx context.Context, sessionID, utterance string) (string, error) {
	sessionID, utterance, err := validate(sessionID, utterance)
	if err != nil {
		return "", err
	}

	history, err := m.resolve(ctx, sessionID)
	if err != nil {
		return "", err
	}

	reply, err := m.ai.GenerateReply(ctx, sessionID, history, utterance)
	if err != nil {
		return m.fallback(ctx, sessionID, utterance, err)
	}
	if strings.TrimSpace(reply.Content) == "" {
		return m.fallback(ctx, sessionID, utterance, fmt.Errorf("%w: empty reply", ollama.ErrMalformedResponse))
	}

	if err := m.commit(ctx, sessionID,
		model.Turn{Role: model.RoleUser, Content: utterance},
		model.Turn{Role: model.RoleAssistant, Content: reply.Content},
	); err != nil {
		return "", fmt.Errorf("failed to record exchange: %w", err)
	}

	return reply.Content, nil
}

// ExchangeStream is the streaming variant. onDelta receives each chunk as
// it arrives; the exchange is committed only once the stream completed, so
// an abandoned or failed stream never applies a partial reply.
func (m *Mediator) ExchangeStream(ctx context.Context, sessionID, utterance string, onDelta func(content string) error) (string, error) {
	sessionID, utterance, err := validate(sessionID, utterance)
	if err != nil {
		return "", err
	}

	history, err := m.resolve(ctx, sessionID)
	if err != nil {
		return "", err
	}

	stream, err := m.ai.StreamReply(ctx, history, utterance)
	if err != nil {
		return m.fallback(ctx, sessionID, utterance, err)
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return m.fallback(ctx, sessionID, utterance, recvErr)
		}
		if chunk == nil {
			continue
		}

		chunks = append(chunks, chunk)
		if chunk.Content != "" && onDelta != nil {
			if err := onDelta(chunk.Content); err != nil {
				// Client went away mid-stream: abandon the reply
				// without committing it, but keep the user's turn.
				m.keepUserTurn(ctx, sessionID, utterance)
				return "", fmt.Errorf("stream abandoned: %w", err)
			}
		}
	}

	reply, err := schema.ConcatMessages(chunks)
	if err != nil || strings.TrimSpace(reply.Content) == "" {
		if err == nil {
			err = fmt.Errorf("%w: empty streamed reply", ollama.ErrMalformedResponse)
		}
		return m.fallback(ctx, sessionID, utterance, err)
	}

	if err := m.commit(ctx, sessionID,
		model.Turn{Role: model.RoleUser, Content: utterance},
		model.Turn{Role: model.RoleAssistant, Content: reply.Content},
	); err != nil {
		return "", fmt.Errorf("failed to record exchange: %w", err)
	}

	return reply.Content, nil
}

// History returns the ordered transcript for diagnostics.
func (m *Mediator) History(ctx context.Context, sessionID string) ([]model.Turn, error) {
	sessionID = strings.TrimSpace(sessionID)
	if !validSessionID(sessionID) {
		return nil, ErrInvalidSessionID
	}
	return m.store.Snapshot(ctx, sessionID)
}

// resolve looks up or creates the session and snapshots its history.
func (m *Mediator) resolve(ctx context.Context, sessionID string) ([]model.Turn, error) {
	if _, err := m.store.GetOrCreate(ctx, sessionID); err != nil {
		return nil, err
	}

	history, err := m.store.Snapshot(ctx, sessionID)
	if errors.Is(err, chatservice.ErrSessionNotFound) {
		// Reset or evicted between create and snapshot; a fresh session
		// simply has no history yet.
		return nil, nil
	}
	return history, err
}

// commit appends the exchange under the session's critical section. When
// the session vanished in the meantime it is recreated and the append
// retried exactly once.
func (m *Mediator) commit(ctx context.Context, sessionID string, turns ...model.Turn) error {
	err := m.store.Append(ctx, sessionID, turns...)
	if !errors.Is(err, chatservice.ErrSessionNotFound) {
		return err
	}

	if _, err := m.store.GetOrCreate(ctx, sessionID); err != nil {
		return err
	}
	return m.store.Append(ctx, sessionID, turns...)
}

// fallback converts a backend failure into the safe user-facing reply. The
// user turn is still committed; the assistant turn is not, so history is
// never poisoned with an error placeholder.
func (m *Mediator) fallback(ctx context.Context, sessionID, utterance string, cause error) (string, error) {
	if errors.Is(cause, context.Canceled) {
		// Caller is gone; nothing useful to reply and nothing to poison.
		m.keepUserTurn(ctx, sessionID, utterance)
		return "", cause
	}

	log.Printf("[mediator] generation failed for session=%s kind=%s: %v", sessionID, failureKind(cause), cause)
	m.keepUserTurn(ctx, sessionID, utterance)
	return FallbackReply, nil
}

func (m *Mediator) keepUserTurn(ctx context.Context, sessionID, utterance string) {
	if err := m.commit(ctx, sessionID, model.Turn{Role: model.RoleUser, Content: utterance}); err != nil {
		log.Printf("[mediator] failed to keep user turn for session=%s: %v", sessionID, err)
	}
}

// failureKind names the failure class for logs.
func failureKind(err error) string {
	switch {
	case errors.Is(err, ollama.ErrTimeout):
		return "timeout"
	case errors.Is(err, ollama.ErrUnavailable):
		return "backend_unavailable"
	case errors.Is(err, ollama.ErrMalformedResponse):
		return "malformed_response"
	default:
		return "unknown"
	}
}

func validate(sessionID, utterance string) (string, string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if !validSessionID(sessionID) {
		return "", "", ErrInvalidSessionID
	}

	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return "", "", ErrEmptyUtterance
	}
	return sessionID, utterance, nil
}

func validSessionID(id string) bool {
	if id == "" || len(id) > maxSessionIDLen {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}
