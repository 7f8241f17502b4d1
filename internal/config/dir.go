package config

import (
	"os"
	"path/filepath"
)

// AppName names the config directory and the default database file.
const AppName = "contextchat"

// Dir returns the contextchat config directory (~/.config/contextchat)
// Creates it if it doesn't exist
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	configDir := filepath.Join(homeDir, ".config", AppName)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}

	return configDir, nil
}

// DefaultPath returns the location of config.toml inside Dir.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DefaultDBPath returns the location of the SQLite database inside Dir.
func DefaultDBPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, AppName+".db"), nil
}
