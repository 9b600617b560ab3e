package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	driveBucket = "drive"
	accountKey  = "account"
)

// BoltTokenStore persists the Drive connection in a local BoltDB file.
type BoltTokenStore struct {
	db *bbolt.DB
}

// OpenBoltTokenStore opens or creates the BoltDB file at path.
func OpenBoltTokenStore(path string) (*BoltTokenStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(driveBucket)); err != nil {
			return fmt.Errorf("create drive bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltTokenStore{db: db}, nil
}

// Load fetches the stored connection.
func (s *BoltTokenStore) Load(ctx context.Context) (StoredAuth, error) {
	if err := ctx.Err(); err != nil {
		return StoredAuth{}, err
	}
	var auth StoredAuth
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(driveBucket))
		if bucket == nil {
			return fmt.Errorf("drive bucket is missing")
		}
		payload := bucket.Get([]byte(accountKey))
		if payload == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(payload, &auth); err != nil {
			return fmt.Errorf("unmarshal stored auth: %w", err)
		}
		return nil
	})
	if err != nil {
		return StoredAuth{}, err
	}
	return auth, nil
}

// Save replaces the stored connection.
func (s *BoltTokenStore) Save(ctx context.Context, auth StoredAuth) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(auth)
	if err != nil {
		return fmt.Errorf("marshal stored auth: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(driveBucket))
		if bucket == nil {
			return fmt.Errorf("drive bucket is missing")
		}
		return bucket.Put([]byte(accountKey), payload)
	})
}

// Delete removes the stored connection.
func (s *BoltTokenStore) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(driveBucket))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(accountKey))
	})
}

// Close closes the underlying BoltDB database.
func (s *BoltTokenStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
