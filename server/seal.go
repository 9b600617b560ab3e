package server

import (
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v3"
)

// TokenSealer encrypts TokenSets before they reach a TokenStore.
type TokenSealer struct {
	key       []byte
	encrypter jose.Encrypter
}

// NewTokenSealer builds a sealer using direct A256GCM encryption.
func NewTokenSealer(key []byte) (*TokenSealer, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("token sealing key must be %d bytes, got %d", keySize, len(key))
	}
	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: key}, nil)
	if err != nil {
		return nil, fmt.Errorf("init encrypter: %w", err)
	}
	return &TokenSealer{key: key, encrypter: enc}, nil
}

// Seal returns the compact JWE serialization of tokens.
func (s *TokenSealer) Seal(tokens TokenSet) (string, error) {
	plaintext, err := json.Marshal(tokens)
	if err != nil {
		return "", fmt.Errorf("marshal tokens: %w", err)
	}
	obj, err := s.encrypter.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypt tokens: %w", err)
	}
	return obj.CompactSerialize()
}

// Open decrypts a value produced by Seal.
func (s *TokenSealer) Open(sealed string) (TokenSet, error) {
	obj, err := jose.ParseEncrypted(sealed)
	if err != nil {
		return TokenSet{}, fmt.Errorf("parse sealed tokens: %w", err)
	}
	plaintext, err := obj.Decrypt(s.key)
	if err != nil {
		return TokenSet{}, fmt.Errorf("decrypt tokens: %w", err)
	}
	var tokens TokenSet
	if err := json.Unmarshal(plaintext, &tokens); err != nil {
		return TokenSet{}, fmt.Errorf("unmarshal tokens: %w", err)
	}
	return tokens, nil
}
