// Package storage is the durable record store for chats, messages and
// contexts, backed by SQLite through gorm.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrImmutableMessage is returned when a save would change the content
	// of a delivered message.
	ErrImmutableMessage = errors.New("message content is immutable once delivered")
)

// Store is the record store. Create one with Open and release it with Close.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (or creates) the database at path and brings the schema up to
// date. Pending data migrations are not run; call Migrate for that.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("storage")

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.New(zap.NewStdLog(logger.Named("gorm")), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite has a single writer; one connection keeps writes serialized.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Chat{}, &Message{}, &Context{}, &ChatContext{}, &Setting{}, &SchemaMigration{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	logger.Info("database initialized", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return err
}

func upsert() clause.OnConflict {
	return clause.OnConflict{UpdateAll: true}
}

// SaveChat inserts or replaces a chat.
func (s *Store) SaveChat(ctx context.Context, chat *Chat) error {
	if chat.ID == "" {
		return errors.New("chat id is required")
	}
	if err := s.db.WithContext(ctx).Clauses(upsert()).Create(chat).Error; err != nil {
		return fmt.Errorf("save chat %s: %w", chat.ID, err)
	}
	return nil
}

// GetChat retrieves a chat by ID with its derived message and context ids.
func (s *Store) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	var chat Chat
	if err := s.db.WithContext(ctx).First(&chat, "id = ?", chatID).Error; err != nil {
		return nil, notFound(err, "chat", chatID)
	}
	chats := []Chat{chat}
	if err := s.fillDerived(ctx, chats); err != nil {
		return nil, err
	}
	return &chats[0], nil
}

// LoadChats returns all chats, most recently active first.
func (s *Store) LoadChats(ctx context.Context) ([]Chat, error) {
	var chats []Chat
	if err := s.db.WithContext(ctx).Order("last_activity DESC").Find(&chats).Error; err != nil {
		return nil, fmt.Errorf("load chats: %w", err)
	}
	if err := s.fillDerived(ctx, chats); err != nil {
		return nil, err
	}
	return chats, nil
}

type messageRef struct {
	ID        string
	ChatID    string
	Timestamp time.Time
}

func (s *Store) fillDerived(ctx context.Context, chats []Chat) error {
	if len(chats) == 0 {
		return nil
	}
	ids := make([]string, len(chats))
	index := make(map[string]int, len(chats))
	for i := range chats {
		ids[i] = chats[i].ID
		index[chats[i].ID] = i
		chats[i].MessageIDs = []string{}
		chats[i].AttachedContextIDs = []string{}
	}

	var refs []messageRef
	if err := s.db.WithContext(ctx).Model(&Message{}).
		Select("id", "chat_id", "timestamp").
		Where("chat_id IN ?", ids).
		Find(&refs).Error; err != nil {
		return fmt.Errorf("load message ids: %w", err)
	}
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Timestamp.Before(refs[j].Timestamp) })
	for _, r := range refs {
		c := &chats[index[r.ChatID]]
		c.MessageIDs = append(c.MessageIDs, r.ID)
	}

	var links []ChatContext
	if err := s.db.WithContext(ctx).Where("chat_id IN ?", ids).Order("attached_at ASC").Find(&links).Error; err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}
	for _, l := range links {
		c := &chats[index[l.ChatID]]
		c.AttachedContextIDs = append(c.AttachedContextIDs, l.ContextID)
	}
	return nil
}

// DeleteChat removes a chat, its messages and its context attachments.
// Contexts themselves are kept.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", chatID).Delete(&Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", chatID).Delete(&ChatContext{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", chatID).Delete(&Chat{}).Error
	})
	if err != nil {
		return fmt.Errorf("delete chat %s: %w", chatID, err)
	}
	return nil
}

// SaveMessage inserts or replaces a message. Changing the content of a
// delivered message fails with ErrImmutableMessage.
func (s *Store) SaveMessage(ctx context.Context, msg *Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return saveMessage(tx, msg)
	})
}

// SaveMessages saves msgs in one transaction.
func (s *Store) SaveMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range msgs {
			if err := saveMessage(tx, &msgs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func saveMessage(tx *gorm.DB, msg *Message) error {
	if msg.ID == "" || msg.ChatID == "" {
		return errors.New("message id and chat id are required")
	}

	var existing Message
	err := tx.Select("id", "content", "status").Take(&existing, "id = ?", msg.ID).Error
	switch {
	case err == nil:
		if existing.Settled() && existing.Content != msg.Content {
			return fmt.Errorf("save message %s: %w", msg.ID, ErrImmutableMessage)
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("save message %s: %w", msg.ID, err)
	}

	if err := tx.Clauses(upsert()).Create(msg).Error; err != nil {
		return fmt.Errorf("save message %s: %w", msg.ID, err)
	}
	return nil
}

// LoadMessages returns the messages of a chat in timestamp order.
func (s *Store) LoadMessages(ctx context.Context, chatID string) ([]Message, error) {
	var msgs []Message
	if err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("load messages of %s: %w", chatID, err)
	}
	sortMessages(msgs)
	return msgs, nil
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// GetMessage retrieves one message.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	var msg Message
	if err := s.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "message", id)
	}
	return &msg, nil
}

// DeleteMessage removes one message.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Message{}).Error; err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	return nil
}
