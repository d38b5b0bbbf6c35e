// Package identity manages the worker's persisted identity document:
// {worker_id, access_token, platform}. The file is the sole source of
// truth for who this worker is to the Manager; it is written exactly
// once, at first registration, and read on every subsequent start.
package identity

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/flamenco-io/flamenco-worker/internal/logger"
)

// Identity is the persisted worker credential document.
type Identity struct {
	WorkerID    string `json:"worker_id"`
	AccessToken string `json:"access_token"`
	Platform    string `json:"platform"`
}

// ErrNotFound is returned by Load when the identity file doesn't exist
// yet; the caller is expected to register and then call Save.
var ErrNotFound = errors.New("identity: no identity file found, registration required")

// Load reads the identity document from path. Returns ErrNotFound if the
// file does not exist, which the caller treats as "not yet registered".
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// Save writes the identity document to path exactly once. The file is
// created with 0600 permissions because it carries a bearer credential.
// Callers must not call Save again for the lifetime of the worker
// install except as part of an explicit re-registration.
func Save(path string, id *Identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}

	logger.WithComponent("identity").Info().
		Str("worker_id", id.WorkerID).
		Str("path", path).
		Msg("wrote worker identity file")
	return nil
}
