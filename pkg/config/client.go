package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/tailscale/hujson"
)

// ClientConfig holds the editor shell settings.
type ClientConfig struct {
	ServerURL string `json:"server_url"`
	Token     string `json:"token"`
	DraftDir  string `json:"draft_dir"`
	LogLevel  string `json:"log_level"`
}

// DefaultClientConfigPath returns ~/.config/storyedit/config.jsonc.
func DefaultClientConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".storyedit.jsonc"
	}
	return filepath.Join(dir, "storyedit", "config.jsonc")
}

func defaultClientConfig() ClientConfig {
	draftDir := ".storyedit-drafts"
	if dir, err := os.UserCacheDir(); err == nil {
		draftDir = filepath.Join(dir, "storyedit", "drafts")
	}
	return ClientConfig{
		ServerURL: "http://localhost:8080",
		DraftDir:  draftDir,
		LogLevel:  "warn",
	}
}

// LoadClient reads a JSONC config file. A missing file yields defaults;
// fields absent from the file keep their defaults.
func LoadClient(path string) (ClientConfig, error) {
	cfg := defaultClientConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return cfg, fmt.Errorf("invalid JSONC in %s: %w", path, err)
	}

	var file ClientConfig
	if err := json.Unmarshal(standardized, &file); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return mergeClient(cfg, file), nil
}

func mergeClient(base, overlay ClientConfig) ClientConfig {
	if overlay.ServerURL != "" {
		base.ServerURL = overlay.ServerURL
	}
	if overlay.Token != "" {
		base.Token = overlay.Token
	}
	if overlay.DraftDir != "" {
		base.DraftDir = overlay.DraftDir
	}
	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}
	return base
}
