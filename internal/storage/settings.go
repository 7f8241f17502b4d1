package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"
)

// Setting keys.
const (
	SettingAPIKey          = "api_key"
	SettingAPIKeyValidated = "api_key_validated"
)

// GetSetting gets a single setting value.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var setting Setting
	if err := s.db.WithContext(ctx).Where(map[string]any{"key": key}).First(&setting).Error; err != nil {
		return "", notFound(err, "setting", key)
	}
	return setting.Value, nil
}

// SetSetting sets a setting value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	setting := Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&setting).Error
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// DeleteSetting removes a setting. Missing keys are ignored.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where(map[string]any{"key": key}).Delete(&Setting{}).Error; err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
