package securestore

import (
	"os"
	"path/filepath"
)

// WriteSecretFile writes data with owner-only permissions, creating parent
// directories as 0700.
func WriteSecretFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
