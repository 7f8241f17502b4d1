package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

// DirectName identifies the direct vendor transport.
const DirectName = "direct"

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-20250514"

// DirectOptions configures a DirectTransport.
type DirectOptions struct {
	Model       string
	MaxTokens   int64
	Temperature float64
	// BaseURL overrides the vendor endpoint, mostly for tests.
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// DirectTransport calls the vendor Messages API with a credential taken from
// Credentials. The credential must have been validated.
type DirectTransport struct {
	creds       Credentials
	model       string
	maxTokens   int64
	temperature float64
	opts        []option.RequestOption
	logger      *zap.Logger
}

// NewDirectTransport creates the direct transport.
func NewDirectTransport(creds Credentials, o DirectOptions) *DirectTransport {
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = 4096
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	// Retries stay off: a failed call surfaces immediately.
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if o.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(o.BaseURL, "/")+"/"))
	}
	if o.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(o.HTTPClient))
	}

	return &DirectTransport{
		creds:       creds,
		model:       o.Model,
		maxTokens:   o.MaxTokens,
		temperature: o.Temperature,
		opts:        opts,
		logger:      o.Logger.Named("direct"),
	}
}

func (t *DirectTransport) Name() string {
	return DirectName
}

// Available reports whether a validated credential is present.
func (t *DirectTransport) Available() bool {
	if t.creds == nil {
		return false
	}
	key, ok := t.creds.UserAPIKey()
	return ok && key != ""
}

// Complete sends the conversation with the standard system prompt.
func (t *DirectTransport) Complete(ctx context.Context, req Request) (string, error) {
	return t.Send(ctx, BuildSystemPrompt(req.Contexts), req.Messages)
}

// Send performs one non-streaming call with an arbitrary system prompt and
// returns the concatenated text blocks.
func (t *DirectTransport) Send(ctx context.Context, system string, messages []Message) (string, error) {
	client, err := t.client()
	if err != nil {
		return "", err
	}

	msg, err := client.Messages.New(ctx, t.params(system, messages))
	if err != nil {
		return "", t.classify(ctx, err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// Stream sends the conversation and relays text deltas as they arrive.
func (t *DirectTransport) Stream(ctx context.Context, req Request, onText func(string)) (string, error) {
	client, err := t.client()
	if err != nil {
		return "", err
	}

	stream := client.Messages.NewStreaming(ctx, t.params(BuildSystemPrompt(req.Contexts), req.Messages))
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				sb.WriteString(delta.Text)
				onText(delta.Text)
			}
		case anthropic.MessageStopEvent:
			t.logger.Debug("stream finished", zap.Int("bytes", sb.Len()))
		}
	}
	if err := stream.Err(); err != nil {
		return sb.String(), t.classify(ctx, err)
	}
	return sb.String(), nil
}

// Validate checks key with the smallest possible request.
func (t *DirectTransport) Validate(ctx context.Context, key string) error {
	if key == "" {
		return &ConfigError{Transport: DirectName, Msg: "API key is empty"}
	}
	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(key)}, t.opts...)...)
	_, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(t.model),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("Hi")),
		},
	})
	if err != nil {
		return t.classify(ctx, err)
	}
	return nil
}

func (t *DirectTransport) client() (*anthropic.Client, error) {
	if t.creds == nil {
		return nil, &ConfigError{Transport: DirectName, Msg: "no API key configured"}
	}
	key, validated := t.creds.UserAPIKey()
	if key == "" {
		return nil, &ConfigError{Transport: DirectName, Msg: "no API key configured"}
	}
	if !validated {
		return nil, &ConfigError{Transport: DirectName, Msg: "API key has not been validated"}
	}
	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(key)}, t.opts...)...)
	return &client, nil
}

func (t *DirectTransport) params(system string, messages []Message) anthropic.MessageNewParams {
	converted := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Sender {
		case SenderAI:
			converted = append(converted, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case SenderSystem:
			// System turns never reach the model as conversation.
			continue
		default:
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(t.model),
		MaxTokens:   t.maxTokens,
		Temperature: anthropic.Float(t.temperature),
		Messages:    converted,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

// classify maps SDK errors onto the package error taxonomy.
func (t *DirectTransport) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		t.logger.Warn("vendor rejected request", zap.Int("status", apiErr.StatusCode))
		return &StatusError{Transport: DirectName, Status: apiErr.StatusCode, Body: apiErr.Error()}
	}
	t.logger.Warn("vendor unreachable", zap.Error(err))
	return &TransportError{Transport: DirectName, Err: err}
}

// StaticKey is a Credentials that always returns the same trusted key.
type StaticKey string

func (k StaticKey) UserAPIKey() (string, bool) {
	return string(k), k != ""
}
