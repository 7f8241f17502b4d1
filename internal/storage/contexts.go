package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SaveContext inserts or replaces a context. Size and the search index are
// recomputed on every save.
func (s *Store) SaveContext(ctx context.Context, c *Context) error {
	if c.ID == "" {
		return errors.New("context id is required")
	}
	if err := s.db.WithContext(ctx).Clauses(upsert()).Create(c).Error; err != nil {
		return fmt.Errorf("save context %s: %w", c.ID, err)
	}
	return nil
}

// LoadContexts returns all contexts, most recently updated first.
func (s *Store) LoadContexts(ctx context.Context) ([]Context, error) {
	var out []Context
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load contexts: %w", err)
	}
	return out, nil
}

// GetContext retrieves one context.
func (s *Store) GetContext(ctx context.Context, id string) (*Context, error) {
	var c Context
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "context", id)
	}
	return &c, nil
}

// DeleteContext removes a context and detaches it from every chat.
func (s *Store) DeleteContext(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("context_id = ?", id).Delete(&ChatContext{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&Context{}).Error
	})
	if err != nil {
		return fmt.Errorf("delete context %s: %w", id, err)
	}
	return nil
}

// SearchContexts matches query case-insensitively against the title, the
// description and each tag. An empty query returns every context.
func (s *Store) SearchContexts(ctx context.Context, query string) ([]Context, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return s.LoadContexts(ctx)
	}

	var out []Context
	err := s.db.WithContext(ctx).
		Where("instr(search_index, ?) > 0", q).
		Order("updated_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("search contexts: %w", err)
	}
	return out, nil
}

// AttachContext links a context to a chat and counts the use. Attaching an
// already attached context changes nothing and reports false.
func (s *Store) AttachContext(ctx context.Context, chatID, contextID string, now time.Time) (bool, error) {
	attached := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Chat{}).Where("id = ?", chatID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}
		if err := tx.Model(&Context{}).Where("id = ?", contextID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("context %s: %w", contextID, ErrNotFound)
		}

		if err := tx.Model(&ChatContext{}).Where("chat_id = ? AND context_id = ?", chatID, contextID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		link := ChatContext{ChatID: chatID, ContextID: contextID, AttachedAt: now.UTC()}
		if err := tx.Create(&link).Error; err != nil {
			return err
		}
		if err := tx.Model(&Context{}).Where("id = ?", contextID).UpdateColumns(map[string]any{
			"usage_count": gorm.Expr("usage_count + 1"),
			"last_used":   now.UTC(),
		}).Error; err != nil {
			return err
		}
		attached = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("attach context %s to %s: %w", contextID, chatID, err)
	}
	if attached {
		s.logger.Debug("context attached", zap.String("chat_id", chatID), zap.String("context_id", contextID))
	}
	return attached, nil
}

// DetachContext removes the link between a chat and a context. The context
// and its counters are left alone.
func (s *Store) DetachContext(ctx context.Context, chatID, contextID string) error {
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND context_id = ?", chatID, contextID).
		Delete(&ChatContext{}).Error
	if err != nil {
		return fmt.Errorf("detach context %s from %s: %w", contextID, chatID, err)
	}
	return nil
}

// AttachedContextIDs lists the contexts attached to a chat, oldest first.
func (s *Store) AttachedContextIDs(ctx context.Context, chatID string) ([]string, error) {
	ids := []string{}
	err := s.db.WithContext(ctx).Model(&ChatContext{}).
		Where("chat_id = ?", chatID).
		Order("attached_at ASC").
		Pluck("context_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("load attachments of %s: %w", chatID, err)
	}
	return ids, nil
}
