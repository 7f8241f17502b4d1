package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/fipso/contextchat/internal/storage"
)

// SetAPIKey validates key against the vendor, then stores it. An invalid key
// is not stored and the current one stays in place.
func (s *Store) SetAPIKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: empty API key", ErrInvalid)
	}
	if err := s.ai.ValidateAPIKey(ctx, key); err != nil {
		s.fail("validate api key", err)
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.records.SetSetting(ctx, storage.SettingAPIKey, key); err != nil {
		s.fail("save api key", err)
		return err
	}
	if err := s.records.SetSetting(ctx, storage.SettingAPIKeyValidated, "true"); err != nil {
		s.fail("save api key", err)
		return err
	}
	s.keys.Set(key, true)
	s.logger.Info("api key updated")
	return nil
}

// ClearAPIKey forgets the user's API key. Replies go through the proxy
// afterwards, if one is configured.
func (s *Store) ClearAPIKey(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, k := range []string{storage.SettingAPIKey, storage.SettingAPIKeyValidated} {
		if err := s.records.DeleteSetting(ctx, k); err != nil {
			s.fail("clear api key", err)
			return err
		}
	}
	s.keys.Clear()
	s.logger.Info("api key cleared")
	return nil
}

// Export returns a snapshot of every record.
func (s *Store) Export(ctx context.Context) ([]byte, error) {
	return s.records.Export(ctx)
}

// Import replaces every record with the snapshot in data and reloads. It
// waits for in-flight replies to settle; new sends fail with ErrImporting
// until it returns.
func (s *Store) Import(ctx context.Context, data []byte) error {
	s.writeMu.Lock()
	if s.importing {
		s.writeMu.Unlock()
		return ErrImporting
	}
	s.importing = true
	s.writeMu.Unlock()
	defer func() {
		s.writeMu.Lock()
		s.importing = false
		s.writeMu.Unlock()
	}()

	s.inflight.Wait()
	if err := s.records.Import(ctx, data); err != nil {
		s.fail("import", err)
		return err
	}
	return s.Load(ctx)
}
