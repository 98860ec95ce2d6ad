// Package config holds session and agent configuration: validation, the
// project/session merge rules, presets, and the on-disk layout under the
// user data directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvLaceDir overrides the data directory location.
const EnvLaceDir = "LACE_DIR"

// DataDir returns the per-user data directory, creating it if needed.
func DataDir() (string, error) {
	dir := os.Getenv(EnvLaceDir)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".lace")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create data directory %s: %w", dir, err)
	}
	return dir, nil
}

// DatabasePath returns the SQLite database location.
func DatabasePath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "db.sqlite"), nil
}

// CredentialsDir returns the provider credentials directory.
func CredentialsDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "credentials")
	if err := os.MkdirAll(path, 0o700); err != nil {
		return "", fmt.Errorf("cannot create credentials directory: %w", err)
	}
	return path, nil
}

// UserCatalogDir returns the user catalog overlay directory.
func UserCatalogDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "user-catalog")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("cannot create user catalog directory: %w", err)
	}
	return path, nil
}

// SessionTempDir returns a scratch directory for a session's tools.
func SessionTempDir(sessionID string) string {
	return filepath.Join(os.TempDir(), "lace", fmt.Sprintf("project-%d", os.Getpid()), "session-"+sessionID)
}

// WriteFileAtomic writes data via a temp file and rename so readers never
// observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
