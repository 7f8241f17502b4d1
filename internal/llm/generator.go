package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Generation modes.
const (
	ModeFromMessages = "from_messages"
	ModeFromPrompt   = "from_prompt"
)

// ErrInvalidGenerateRequest is returned for a request whose mode and inputs
// do not match.
var ErrInvalidGenerateRequest = errors.New("invalid context generation request")

// GenerateRequest is the body of the context-generation endpoint.
type GenerateRequest struct {
	Mode              string    `json:"mode"`
	Messages          []Message `json:"messages,omitempty"`
	Prompt            string    `json:"prompt,omitempty"`
	CustomInstruction string    `json:"customInstruction,omitempty"`
}

// Validate checks that the inputs required by Mode are present.
func (r GenerateRequest) Validate() error {
	switch r.Mode {
	case ModeFromMessages:
		if len(r.Messages) == 0 {
			return fmt.Errorf("%w: no messages selected", ErrInvalidGenerateRequest)
		}
	case ModeFromPrompt:
		if strings.TrimSpace(r.Prompt) == "" {
			return fmt.Errorf("%w: empty prompt", ErrInvalidGenerateRequest)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidGenerateRequest, r.Mode)
	}
	return nil
}

// GeneratedContext is a context drafted by the model. Fields left empty are
// filled in by whoever stores it.
type GeneratedContext struct {
	ID          string    `json:"id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	Type        string    `json:"type"`
	Tags        []string  `json:"tags"`
	Category    string    `json:"category"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Generator drafts a context.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GeneratedContext, error)
}

// ContextGenerator calls the remote context-generation endpoint.
type ContextGenerator struct {
	url     string
	token   string
	client  *http.Client
	timeout time.Duration
}

// NewContextGenerator creates a remote generator. It shares the proxy's
// bearer token.
func NewContextGenerator(url, token string, timeout time.Duration, client *http.Client) *ContextGenerator {
	if client == nil {
		client = &http.Client{}
	}
	return &ContextGenerator{url: url, token: token, client: client, timeout: timeout}
}

func (g *ContextGenerator) Generate(ctx context.Context, req GenerateRequest) (*GeneratedContext, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	body, err := postJSON(ctx, g.client, "context-generator", g.url, g.token, req)
	if err != nil {
		return nil, err
	}

	var out struct {
		Context *GeneratedContext `json:"context"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode generated context: %w", err)
	}
	if out.Context == nil {
		return nil, errors.New("context generator returned no context")
	}
	return out.Context, nil
}

// Sender performs one raw completion with a custom system prompt.
// DirectTransport implements it.
type Sender interface {
	Send(ctx context.Context, system string, messages []Message) (string, error)
}

const generatorPrompt = `You turn information into a reusable context document for an AI assistant.
Reply with ONE JSON object and nothing else:

{"title": "...", "description": "one sentence", "content": "markdown body", "tags": ["..."], "category": "..."}

Keep the content factual and self-contained. Do not wrap the object in code fences.`

// ModelGenerator drafts contexts by calling the model directly. The proxy
// endpoint uses it on the server side.
type ModelGenerator struct {
	sender Sender
	now    func() time.Time
	logger *zap.Logger
}

// NewModelGenerator creates a generator backed by sender.
func NewModelGenerator(sender Sender, logger *zap.Logger) *ModelGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelGenerator{sender: sender, now: time.Now, logger: logger.Named("generator")}
}

func (g *ModelGenerator) Generate(ctx context.Context, req GenerateRequest) (*GeneratedContext, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	system := generatorPrompt
	if req.CustomInstruction != "" {
		system += "\n\nAdditional instruction from the user: " + req.CustomInstruction
	}

	raw, err := g.sender.Send(ctx, system, []Message{{Sender: SenderUser, Content: generationInput(req)}})
	if err != nil {
		return nil, err
	}

	gc := parseGenerated(raw)
	now := g.now()
	gc.CreatedAt, gc.UpdatedAt = now, now
	if req.Mode == ModeFromMessages {
		gc.Type = "chat"
	} else {
		gc.Type = "knowledge"
	}
	g.logger.Debug("drafted context", zap.String("mode", req.Mode), zap.String("title", gc.Title))
	return gc, nil
}

func generationInput(req GenerateRequest) string {
	if req.Mode == ModeFromPrompt {
		return "Create a context about:\n\n" + req.Prompt
	}
	var sb strings.Builder
	sb.WriteString("Create a context from this conversation excerpt:\n")
	for _, m := range req.Messages {
		role := "User"
		if m.Sender == SenderAI {
			role = "Assistant"
		}
		fmt.Fprintf(&sb, "\n%s: %s\n", role, m.Content)
	}
	return sb.String()
}

// parseGenerated decodes the model's draft. Unstructured output becomes the
// content of an untitled draft.
func parseGenerated(raw string) *GeneratedContext {
	var gc GeneratedContext
	trimmed := strings.TrimSpace(raw)
	if err := json.Unmarshal([]byte(trimmed), &gc); err != nil || gc.Content == "" {
		gc = GeneratedContext{Title: "Generated context", Content: trimmed}
	}
	if gc.Title == "" {
		gc.Title = "Generated context"
	}
	if gc.Tags == nil {
		gc.Tags = []string{}
	}
	return &gc
}
