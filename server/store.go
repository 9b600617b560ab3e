package server

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// AuthRequest tracks a consent popup awaiting its callback.
type AuthRequest struct {
	ID        string
	ClientID  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// InMemoryStore keeps ephemeral state for outstanding consent requests.
type InMemoryStore struct {
	mu           sync.Mutex
	authRequests map[string]AuthRequest
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		authRequests: make(map[string]AuthRequest),
	}
}

// NewID generates a random identifier.
func (s *InMemoryStore) NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbackid"))
	}
	return hex.EncodeToString(buf)
}

// SaveAuthRequest stores a consent request and drops expired ones.
func (s *InMemoryStore) SaveAuthRequest(req AuthRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, pending := range s.authRequests {
		if now.After(pending.ExpiresAt) {
			delete(s.authRequests, id)
		}
	}
	s.authRequests[req.ID] = req
}

// ConsumeAuthRequest retrieves and removes a consent request.
func (s *InMemoryStore) ConsumeAuthRequest(id string) (AuthRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.authRequests[id]
	if !ok {
		return AuthRequest{}, false
	}
	delete(s.authRequests, id)
	if time.Now().After(req.ExpiresAt) {
		return AuthRequest{}, false
	}
	return req, true
}

// PendingAuthRequests returns the number of outstanding consent requests.
func (s *InMemoryStore) PendingAuthRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.authRequests)
}
