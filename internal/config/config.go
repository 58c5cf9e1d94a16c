// Package config loads the agent's bootstrap configuration from the
// config.json file written by the configure tool.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultFile is the config file name looked up next to the binary.
const DefaultFile = "config.json"

// Config is the agent bootstrap configuration. Path is the base directory
// under which every server sandbox lives.
type Config struct {
	UUID     string `json:"uuid"`
	Port     int    `json:"port"`
	SFTP     int    `json:"sftp"`
	Remote   string `json:"remote"`
	Token    string `json:"token"`
	Path     string `json:"path"`
	SSL      bool   `json:"ssl"`
	CertPath string `json:"certPath"`
	KeyPath  string `json:"keyPath"`
}

// Load reads and validates the configuration file. An empty path falls back
// to HIGHTD_CONFIG or to config.json in the working directory.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("HIGHTD_CONFIG")
	}
	if path == "" {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every required field is present. The TLS pair is only
// consulted when ssl is enabled.
func (c *Config) Validate() error {
	switch {
	case c.UUID == "":
		return errors.New("config: uuid is required")
	case c.Port <= 0:
		return errors.New("config: port is required")
	case c.SFTP <= 0:
		return errors.New("config: sftp port is required")
	case c.Remote == "":
		return errors.New("config: remote is required")
	case c.Token == "":
		return errors.New("config: token is required")
	case c.Path == "":
		return errors.New("config: path is required")
	}
	if c.SSL && (c.CertPath == "" || c.KeyPath == "") {
		return errors.New("config: ssl enabled but certPath/keyPath missing")
	}
	return nil
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultFile
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil && filepath.Dir(path) != "." {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
