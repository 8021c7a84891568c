package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings stores client preferences persisted as YAML.
type Settings struct {
	ServerAddr  string        `yaml:"server_addr"`
	ListenAddr  string        `yaml:"listen_addr"` // peer listener, ":0" picks a free port
	TLS         bool          `yaml:"tls"`
	Username    string        `yaml:"username,omitempty"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// DefaultSettings returns default settings.
func DefaultSettings() *Settings {
	return &Settings{
		ServerAddr:  "localhost:9700",
		ListenAddr:  ":0",
		DialTimeout: 10 * time.Second,
	}
}

// DefaultSettingsPath is settings.yaml next to the executable.
func DefaultSettingsPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "settings.yaml"
	}
	return filepath.Join(filepath.Dir(exe), "settings.yaml")
}

// LoadSettings reads settings from path. A missing file yields defaults.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(path) //nolint:gosec // user-chosen settings file
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("client: read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("client: parse settings: %w", err)
	}
	return s, nil
}

// Save writes settings to path as YAML.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// DialOptions derives the directory connection options.
func (s *Settings) DialOptions() DialOptions {
	return DialOptions{TLS: s.TLS, Timeout: s.DialTimeout}
}
