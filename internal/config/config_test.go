package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		UUID:   "node-1",
		Port:   8080,
		SFTP:   2022,
		Remote: "https://panel.example.com",
		Token:  "secret",
		Path:   "servers",
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	want := validConfig()
	require.NoError(t, want.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestValidateRequiredFields(t *testing.T) {
	mutations := map[string]func(*Config){
		"uuid":   func(c *Config) { c.UUID = "" },
		"port":   func(c *Config) { c.Port = 0 },
		"sftp":   func(c *Config) { c.SFTP = 0 },
		"remote": func(c *Config) { c.Remote = "" },
		"token":  func(c *Config) { c.Token = "" },
		"path":   func(c *Config) { c.Path = "" },
	}
	for name, mutate := range mutations {
		cfg := validConfig()
		mutate(cfg)
		assert.Error(t, cfg.Validate(), "missing %s", name)
	}
	assert.NoError(t, validConfig().Validate())
}

func TestValidateSSLNeedsCertPair(t *testing.T) {
	cfg := validConfig()
	cfg.SSL = true
	assert.Error(t, cfg.Validate())

	cfg.CertPath = "cert.pem"
	cfg.KeyPath = "key.pem"
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
