package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.sigd/config.toml.
type Config struct {
	// Account is the Signal account number the daemon runs as, e.g. "+15550100".
	Account string `toml:"account"`
	// SignalCLIPath is the signal-cli binary to spawn. Defaults to "signal-cli" on PATH.
	SignalCLIPath string `toml:"signal_cli_path"`
	// AttachmentsDir is where signal-cli stores received attachment files.
	AttachmentsDir string `toml:"attachments_dir"`
	// AssistantName is the display name unresolved self-mentions expand to.
	AssistantName string `toml:"assistant_name"`
	// ActivationPhrase is the prefix downstream routing matches on,
	// e.g. "@assistant". Re-applied to voice transcripts.
	ActivationPhrase string `toml:"activation_phrase"`
	// RegisteredChats lists chat identities ("signal:<id>") allowed to reach
	// the message handler. Other chats are observed for discovery only.
	RegisteredChats []string `toml:"registered_chats"`
	// GroupRefreshMinutes is the group metadata refresh period. Defaults to 5.
	GroupRefreshMinutes int `toml:"group_refresh_minutes"`
}

// Default returns a config with all optional fields filled in.
func Default() *Config {
	return &Config{
		SignalCLIPath:       "signal-cli",
		AssistantName:       "assistant",
		ActivationPhrase:    "@assistant",
		GroupRefreshMinutes: 5,
	}
}

// Load reads config from the given path and applies defaults for any
// optional field left empty. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.SignalCLIPath == "" {
		cfg.SignalCLIPath = "signal-cli"
	}
	if cfg.AssistantName == "" {
		cfg.AssistantName = "assistant"
	}
	if cfg.ActivationPhrase == "" {
		cfg.ActivationPhrase = "@" + cfg.AssistantName
	}
	if cfg.GroupRefreshMinutes <= 0 {
		cfg.GroupRefreshMinutes = 5
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
