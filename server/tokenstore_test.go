package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

func TestBoltTokenStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "drivesync.db")
	store, err := OpenBoltTokenStore(path)
	if err != nil {
		t.Fatalf("OpenBoltTokenStore: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty store, got %v", err)
	}

	in := StoredAuth{
		SealedTokens: "sealed",
		UserInfo:     UserInfo{Email: "ana@example.com"},
		SyncEnabled:  true,
		LastSync:     time.Unix(1700000000, 0).UTC(),
	}
	if err := store.Save(ctx, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenBoltTokenStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	out, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.SealedTokens != "sealed" || out.UserInfo.Email != "ana@example.com" || !out.SyncEnabled || !out.LastSync.Equal(in.LastSync) {
		t.Fatalf("unexpected stored auth %+v", out)
	}

	if err := reopened.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := reopened.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestBoltTokenStoreRequiresPath(t *testing.T) {
	if _, err := OpenBoltTokenStore(" "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestRedisTokenStoreFallsBackToLocalCopy(t *testing.T) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       []string{"127.0.0.1:1"},
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	var logs bytes.Buffer
	store := newRedisTokenStore(client, "test", slog.New(slog.NewTextHandler(&logs, nil)))
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Load(ctx); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected connection error without a local copy, got %v", err)
	}

	if err := store.Save(ctx, StoredAuth{SealedTokens: "sealed"}); err == nil {
		t.Fatalf("expected save to report the redis outage")
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load should fall back to the local copy: %v", err)
	}
	if got.SealedTokens != "sealed" {
		t.Fatalf("unexpected local copy %+v", got)
	}
	if !strings.Contains(logs.String(), "redis load failed, using local copy") || !strings.Contains(logs.String(), "level=WARN") {
		t.Fatalf("fallback not logged as a warning: %q", logs.String())
	}

	_ = store.Delete(ctx)
	if _, err := store.Load(ctx); err == nil {
		t.Fatalf("local copy should be cleared by Delete")
	}
}

func TestRedisAccountKey(t *testing.T) {
	if got := redisAccountKey("drivesync"); got != "drivesync:drive:account" {
		t.Fatalf("key = %q", got)
	}
	store := newRedisTokenStore(redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"127.0.0.1:1"}}), "", testLogger())
	defer store.Close()
	if store.key != "drivesync:drive:account" {
		t.Fatalf("default prefix not applied, key = %q", store.key)
	}
}

func TestOpenTokenStoreSelectsDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.BoltPath = filepath.Join(t.TempDir(), "tokens.db")
	store, err := OpenTokenStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("OpenTokenStore bolt: %v", err)
	}
	if _, ok := store.(*BoltTokenStore); !ok {
		t.Fatalf("expected bolt store, got %T", store)
	}
	_ = store.Close()

	cfg.Storage.Driver = storageDriverRedis
	cfg.Storage.Redis.Addresses = []string{"127.0.0.1:1"}
	store, err = OpenTokenStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("OpenTokenStore redis: %v", err)
	}
	if _, ok := store.(*RedisTokenStore); !ok {
		t.Fatalf("expected redis store, got %T", store)
	}
	_ = store.Close()

	cfg.Storage.Driver = "etcd"
	if _, err := OpenTokenStore(cfg, testLogger()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
