package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.sigd.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sigd")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Dir returns the account-specific directory.
func Dir(account string) string {
	return filepath.Join(BaseDir(), "accounts", account)
}

// DBPath returns the chat registry database path for an account.
func DBPath(account string) string {
	return filepath.Join(Dir(account), "sigd.db")
}

// LogPath returns the daemon log file path for an account.
func LogPath(account string) string {
	return filepath.Join(Dir(account), "sigd.log")
}

// LockPath returns the lock file path for an account.
func LockPath(account string) string {
	return filepath.Join(Dir(account), "LOCK")
}

// DefaultAttachmentsDir returns where signal-cli stores received attachments
// when no explicit directory is configured.
func DefaultAttachmentsDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "signal-cli", "attachments")
}

// EnsureDir creates the account directory if needed.
func EnsureDir(account string) error {
	return os.MkdirAll(Dir(account), 0700)
}
