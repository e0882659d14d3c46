package service

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/applydesk/dispatch/internal/agent/core"
)

// CredentialStore persists the paired device credentials as a TOML file.
// The token inside grants automation access for this owner, so the file is
// written owner-readable only.
type CredentialStore struct {
	path string
}

func NewCredentialStore(path string) *CredentialStore {
	return &CredentialStore{path: path}
}

// Load reads the credential file. A missing file is not an error: it means
// the agent has not been paired yet.
func (s *CredentialStore) Load() (*core.Credentials, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var creds core.Credentials
	if err := toml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &creds, nil
}

func (s *CredentialStore) Save(creds *core.Credentials) error {
	if !creds.Valid() {
		return fmt.Errorf("refusing to save incomplete credentials")
	}

	data, err := toml.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create credentials directory: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}
