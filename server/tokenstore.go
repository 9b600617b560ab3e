package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// StoredAuth is the persisted Drive connection. Tokens are kept sealed.
type StoredAuth struct {
	SealedTokens string    `json:"sealed_tokens"`
	UserInfo     UserInfo  `json:"user_info"`
	SyncEnabled  bool      `json:"sync_enabled"`
	LastSync     time.Time `json:"last_sync,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TokenStore persists the single Drive connection owned by this process.
type TokenStore interface {
	Load(ctx context.Context) (StoredAuth, error)
	Save(ctx context.Context, auth StoredAuth) error
	Delete(ctx context.Context) error
	Close() error
}

// OpenTokenStore opens the store selected by cfg.Storage.Driver.
func OpenTokenStore(cfg Config, logger *slog.Logger) (TokenStore, error) {
	switch cfg.Storage.Driver {
	case storageDriverBolt, "":
		return OpenBoltTokenStore(cfg.Storage.BoltPath)
	case storageDriverRedis:
		return NewRedisTokenStore(cfg.Storage.Redis, logger), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
