package llm

import (
	"time"

	"github.com/fipso/contextchat/internal/thinking"
)

// Sender values mirrored from the stored message model.
const (
	SenderUser   = "user"
	SenderAI     = "ai"
	SenderSystem = "system"
)

// StatusDelivered is the only status that makes a message part of the history.
const StatusDelivered = "delivered"

// Message is one conversation turn as seen by the model client.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Content   string    `json:"content"`
	Sender    string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

// ContextDoc is an attached context injected into the system prompt.
type ContextDoc struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Content     string   `json:"content"`
	Type        string   `json:"type"`
	Tags        []string `json:"tags"`
	Category    string   `json:"category"`
}

// Request is the input of one completion.
type Request struct {
	Messages []Message    `json:"messages"`
	Contexts []ContextDoc `json:"contexts"`
}

// Completion is the parsed outcome of one completion.
type Completion struct {
	ResponseText string
	Thinking     thinking.Thinking
	// Structured is false when the reply was degraded.
	Structured bool
	// Transport names the transport that produced the reply.
	Transport string
}

// eligibleHistory returns the delivered, non-system messages of msgs in order.
// msgs itself is never modified.
func eligibleHistory(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Status != StatusDelivered || m.Sender == SenderSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}

func completionFrom(raw, transport string) *Completion {
	res := thinking.Parse(raw)
	return &Completion{
		ResponseText: res.ResponseText,
		Thinking:     res.Thinking,
		Structured:   res.Structured,
		Transport:    transport,
	}
}
