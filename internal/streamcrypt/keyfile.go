package streamcrypt

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

// KeyfileName is the conventional basename under the application's private
// data directory (spec.md §6).
const KeyfileName = "backup-encryption.key"

// LoadOrCreateKey reads the keyfile at path, generating and persisting a
// fresh high-entropy key with owner-only permissions if absent (spec.md
// §4.4). The file is written read-only after creation by the caller's
// convention; LoadOrCreateKey itself only guarantees mode 0600 at creation
// time.
func LoadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(key) != KeySize {
			return nil, fmt.Errorf("keyfile %s: expected %d bytes, got %d", path, KeySize, len(key))
		}
		return key, nil
	case os.IsNotExist(err):
		return generateKey(path)
	default:
		return nil, fmt.Errorf("read keyfile %s: %w", path, err)
	}
}

func generateKey(path string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create keyfile dir: %w", err)
	}
	// O_EXCL: never silently overwrite a key a concurrent process just wrote.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return os.ReadFile(path)
		}
		return nil, fmt.Errorf("create keyfile %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(key); err != nil {
		return nil, fmt.Errorf("write keyfile %s: %w", path, err)
	}
	return key, nil
}
