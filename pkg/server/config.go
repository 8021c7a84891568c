package server

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/rendezvous/pkg/datastore"
)

// LoadConfigFile overlays the YAML file at path onto cfg. Keys missing from
// the file keep their current values.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read server config: %w", err)
	}
	return ParseConfig(data, cfg)
}

// ParseConfig overlays YAML data onto cfg.
func ParseConfig(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse server config: %w", err)
	}
	return nil
}

// MarshalConfig renders cfg as YAML, suitable as a starting config file.
func MarshalConfig(cfg Config) ([]byte, error) {
	return yaml.Marshal(&cfg)
}

// UserYAML represents a user in YAML export.
type UserYAML struct {
	Username  string `yaml:"username"`
	CreatedAt string `yaml:"created_at"`
}

// UsersExport is the top-level YAML for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// ExportUsersYAML exports all registered users as YAML. Credential hashes are
// never included.
func ExportUsersYAML(ctx context.Context, st datastore.CredentialStore) ([]byte, error) {
	creds, err := st.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("export users: %w", err)
	}

	export := UsersExport{Users: make([]UserYAML, 0, len(creds))}
	for _, c := range creds {
		export.Users = append(export.Users, UserYAML{
			Username:  c.Username,
			CreatedAt: c.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return yaml.Marshal(&export)
}
