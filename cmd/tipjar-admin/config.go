// ABOUTME: Configuration loading for tipjar-admin
// ABOUTME: Loads TOML config from the XDG path with environment variable expansion

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Database DatabaseConfig `toml:"database"`
	Coin     CoinConfig     `toml:"coin"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type CoinConfig struct {
	Symbol string `toml:"symbol"`
}

// configPath resolves the admin config location.
// Priority: TIPJAR_ADMIN_CONFIG > XDG_CONFIG_HOME/tipjar/admin.toml > ~/.config/tipjar/admin.toml
func configPath() string {
	if envPath := os.Getenv("TIPJAR_ADMIN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "admin.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "tipjar", "admin.toml")
}

// loadConfig reads the admin config, expanding environment variables.
func loadConfig() (*Config, error) {
	path := configPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Database.Path == "" {
		return nil, fmt.Errorf("database.path is required in %s", path)
	}
	if cfg.Coin.Symbol == "" {
		cfg.Coin.Symbol = "PEP"
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}
