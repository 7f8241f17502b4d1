package event

import "time"

// Event types published by the conversation store.
const (
	TypeChatCreated        = "chat.created"
	TypeChatUpdated        = "chat.updated"
	TypeChatDeleted        = "chat.deleted"
	TypeChatMessageCreated = "chat.message.created"
	TypeChatMessageUpdated = "chat.message.updated"
	TypeChatMessageChunk   = "chat.message.chunk"
	TypeContextCreated     = "context.created"
	TypeContextUpdated     = "context.updated"
	TypeContextDeleted     = "context.deleted"
	TypeStoreError         = "store.error"
)

// Event is one notification on the bus. Data holds a copy of the affected
// record, or one of the payload types below.
type Event struct {
	Type      string    `json:"type"`
	ChatID    string    `json:"chatId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Chunk is the payload of TypeChatMessageChunk. Seq starts at 1 for every
// streamed message and is published without gaps, but a slow subscriber can
// miss chunks. A receiver that sees Seq jump should stop appending and take
// the text from the TypeChatMessageUpdated event that settles the message,
// or refetch the chat's messages.
type Chunk struct {
	MessageID string `json:"messageId"`
	Seq       int    `json:"seq"`
	Text      string `json:"text"`
}

// Deleted is the payload of the delete events.
type Deleted struct {
	ID string `json:"id"`
}

// StoreError is the payload of TypeStoreError.
type StoreError struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}
