package storage

import (
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fipso/contextchat/internal/thinking"
)

// Message senders.
const (
	SenderUser   = "user"
	SenderAI     = "ai"
	SenderSystem = "system"
)

// Message statuses, in lifecycle order.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Context types.
const (
	ContextKnowledge = "knowledge"
	ContextDocument  = "document"
	ContextChat      = "chat"
)

// Chat represents a conversation
type Chat struct {
	ID           string                      `gorm:"primaryKey" json:"id"`
	Title        string                      `json:"title"`
	LastActivity time.Time                   `gorm:"index" json:"lastActivity"`
	LastMessage  string                      `json:"lastMessage"`
	Tags         datatypes.JSONSlice[string] `json:"tags"`
	Archived     bool                        `json:"archived"`
	UnreadCount  int                         `json:"unreadCount"`
	CreatedAt    time.Time                   `gorm:"autoCreateTime:false" json:"createdAt"`

	// Derived from the messages and chat_contexts tables on load.
	MessageIDs         []string `gorm:"-" json:"messageIds"`
	AttachedContextIDs []string `gorm:"-" json:"attachedContextIds"`
}

func (c *Chat) BeforeSave(tx *gorm.DB) error {
	if c.Tags == nil {
		c.Tags = datatypes.JSONSlice[string]{}
	}
	c.LastActivity = c.LastActivity.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return nil
}

// Attachment is a file reference carried by a message.
type Attachment struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
}

// Message represents a single message in a chat
type Message struct {
	ID          string                          `gorm:"primaryKey" json:"id"`
	ChatID      string                          `gorm:"index:idx_messages_chat_time,priority:1" json:"chatId"`
	Content     string                          `json:"content"`
	Sender      string                          `json:"type"`
	Timestamp   time.Time                       `gorm:"index:idx_messages_chat_time,priority:2" json:"timestamp"`
	Status      string                          `json:"status"`
	Attachments datatypes.JSONSlice[Attachment] `json:"attachments,omitempty"`
	Thinking    *thinking.Thinking              `gorm:"serializer:json" json:"thinking,omitempty"`
}

func (m *Message) BeforeSave(tx *gorm.DB) error {
	if m.Attachments == nil {
		m.Attachments = datatypes.JSONSlice[Attachment]{}
	}
	if m.Thinking != nil {
		m.Thinking.Normalize()
	}
	m.Timestamp = m.Timestamp.UTC()
	return nil
}

// Settled reports whether the message content can no longer change.
func (m *Message) Settled() bool {
	return m.Status == StatusDelivered || m.Status == StatusRead
}

// Context is a reusable knowledge snippet that can be attached to chats.
type Context struct {
	ID          string                      `gorm:"primaryKey" json:"id"`
	Title       string                      `gorm:"index" json:"title"`
	Description string                      `json:"description"`
	Content     string                      `json:"content"`
	Type        string                      `json:"type"`
	Tags        datatypes.JSONSlice[string] `json:"tags"`
	Category    string                      `gorm:"index" json:"category"`
	Size        int                         `json:"size"`
	UsageCount  int                         `json:"usageCount"`
	LastUsed    *time.Time                  `json:"lastUsed,omitempty"`
	IsPrivate   bool                        `json:"isPrivate"`
	AutoSuggest bool                        `json:"autoSuggest"`
	CreatedAt   time.Time                   `gorm:"autoCreateTime:false" json:"createdAt"`
	UpdatedAt   time.Time                   `gorm:"autoUpdateTime:false" json:"updatedAt"`

	// Lowercased title, description and tags, separated by unitSep.
	SearchIndex string `json:"-"`
}

const unitSep = "\x1f"

func (c *Context) BeforeSave(tx *gorm.DB) error {
	if c.Tags == nil {
		c.Tags = datatypes.JSONSlice[string]{}
	}
	c.Size = len(c.Content)
	c.SearchIndex = searchIndex(c)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if c.LastUsed != nil {
		t := c.LastUsed.UTC()
		c.LastUsed = &t
	}
	return nil
}

func searchIndex(c *Context) string {
	parts := make([]string, 0, len(c.Tags)+2)
	parts = append(parts, strings.ToLower(c.Title), strings.ToLower(c.Description))
	for _, tag := range c.Tags {
		parts = append(parts, strings.ToLower(tag))
	}
	return unitSep + strings.Join(parts, unitSep) + unitSep
}

// ChatContext attaches a context to a chat.
type ChatContext struct {
	ChatID     string    `gorm:"primaryKey" json:"chatId"`
	ContextID  string    `gorm:"primaryKey;index" json:"contextId"`
	AttachedAt time.Time `gorm:"autoCreateTime:false" json:"attachedAt"`
}

// Setting is a key/value pair for application state that is not a record,
// such as the user's API key.
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SchemaMigration records an applied migration.
type SchemaMigration struct {
	Version   int       `gorm:"primaryKey;autoIncrement:false" json:"version"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"appliedAt"`
}
