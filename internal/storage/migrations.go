package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LegacyStorageKey is the settings key under which older versions kept the
// whole application state as one JSON blob.
const LegacyStorageKey = "contextchat-storage"

// Migration is a one-time data change. Up runs inside a transaction that
// also records the migration as applied.
type Migration struct {
	Version int
	Name    string
	Up      func(tx *gorm.DB) error
}

var migrations = []Migration{
	{Version: 1, Name: "replay legacy storage blob", Up: replayLegacyBlob},
}

// Migrate applies every pending migration in version order and returns the
// versions it applied.
func (s *Store) Migrate(ctx context.Context) ([]int, error) {
	return s.applyMigrations(ctx, migrations)
}

func (s *Store) applyMigrations(ctx context.Context, list []Migration) ([]int, error) {
	sorted := append([]Migration(nil), list...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	applied := []int{}
	for _, m := range sorted {
		ran := false
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var n int64
			if err := tx.Model(&SchemaMigration{}).Where("version = ?", m.Version).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return nil
			}
			if err := m.Up(tx); err != nil {
				return err
			}
			ran = true
			return tx.Create(&SchemaMigration{Version: m.Version, Name: m.Name, AppliedAt: time.Now().UTC()}).Error
		})
		if err != nil {
			return applied, fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		if ran {
			s.logger.Info("migration applied", zap.Int("version", m.Version), zap.String("name", m.Name))
			applied = append(applied, m.Version)
		}
	}
	return applied, nil
}

// AppliedMigrations lists the recorded migrations.
func (s *Store) AppliedMigrations(ctx context.Context) ([]SchemaMigration, error) {
	var out []SchemaMigration
	if err := s.db.WithContext(ctx).Order("version ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

type legacyBlob struct {
	State struct {
		Chats            []legacyChat `json:"chats"`
		Contexts         []Context    `json:"contexts"`
		SelectedContexts []string     `json:"selectedContexts"`
	} `json:"state"`
	Version int `json:"version"`
}

type legacyChat struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Messages     []Message `json:"messages"`
	LastActivity time.Time `json:"lastActivity"`
	LastMessage  string    `json:"lastMessage"`
	ContextIDs   []string  `json:"contextIds"`
	Tags         []string  `json:"tags"`
	Archived     bool      `json:"archived"`
	UnreadCount  int       `json:"unreadCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// replayLegacyBlob copies the legacy blob into the tables and removes it.
// Every write is an upsert, so a partial earlier run is harmless.
func replayLegacyBlob(tx *gorm.DB) error {
	var setting Setting
	err := tx.Where(map[string]any{"key": LegacyStorageKey}).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var blob legacyBlob
	if err := json.Unmarshal([]byte(setting.Value), &blob); err != nil {
		return fmt.Errorf("decode legacy blob: %w", err)
	}

	for i := range blob.State.Contexts {
		c := &blob.State.Contexts[i]
		if c.ID == "" {
			continue
		}
		if c.Type == "" {
			c.Type = ContextKnowledge
		}
		if err := tx.Clauses(upsert()).Create(c).Error; err != nil {
			return fmt.Errorf("replay context %s: %w", c.ID, err)
		}
	}

	for _, lc := range blob.State.Chats {
		if lc.ID == "" {
			continue
		}
		chat := Chat{
			ID:           lc.ID,
			Title:        lc.Title,
			LastActivity: lc.LastActivity,
			LastMessage:  lc.LastMessage,
			Tags:         datatypes.NewJSONSlice(lc.Tags),
			Archived:     lc.Archived,
			UnreadCount:  lc.UnreadCount,
			CreatedAt:    lc.CreatedAt,
		}
		if chat.CreatedAt.IsZero() {
			chat.CreatedAt = chat.LastActivity
		}
		if err := tx.Clauses(upsert()).Create(&chat).Error; err != nil {
			return fmt.Errorf("replay chat %s: %w", chat.ID, err)
		}

		for i := range lc.Messages {
			m := &lc.Messages[i]
			if m.ID == "" {
				continue
			}
			m.ChatID = lc.ID
			if m.Status == "" {
				m.Status = StatusDelivered
			}
			if err := tx.Clauses(upsert()).Create(m).Error; err != nil {
				return fmt.Errorf("replay message %s: %w", m.ID, err)
			}
		}

		for _, ctxID := range lc.ContextIDs {
			link := ChatContext{ChatID: lc.ID, ContextID: ctxID, AttachedAt: chat.LastActivity.UTC()}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
				return fmt.Errorf("replay attachment %s/%s: %w", lc.ID, ctxID, err)
			}
		}
	}

	return tx.Where(map[string]any{"key": LegacyStorageKey}).Delete(&Setting{}).Error
}
