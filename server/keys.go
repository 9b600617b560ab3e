package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	stateKeyFile = "state.key"
	sealKeyFile  = "tokens.key"
	keySize      = 32
)

// loadOrCreateKey reads a hex encoded key from path, creating it on first use.
func loadOrCreateKey(path string) ([]byte, error) {
	payload, err := os.ReadFile(path)
	if err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(payload)))
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", path, err)
		}
		if len(key) != keySize {
			return nil, fmt.Errorf("key %s: expected %d bytes, got %d", path, keySize, len(key))
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create secrets dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("write key %s: %w", path, err)
	}
	return key, nil
}
