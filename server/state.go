package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const stateAudience = "drivesync-oauth-state"

type stateClaims struct {
	ClientID string `json:"cid,omitempty"`
	jwt.RegisteredClaims
}

// StateIssuer mints the OAuth state parameter. States are HMAC-signed JWTs
// bound to a single pending request, so each can be redeemed once.
type StateIssuer struct {
	key   []byte
	ttl   time.Duration
	store *InMemoryStore
	now   func() time.Time
}

// NewStateIssuer constructs an issuer.
func NewStateIssuer(key []byte, ttl time.Duration, store *InMemoryStore) *StateIssuer {
	return &StateIssuer{key: key, ttl: ttl, store: store, now: time.Now}
}

// Issue creates a state for the channel client that opened the popup.
func (s *StateIssuer) Issue(clientID string) (string, error) {
	now := s.now()
	req := AuthRequest{
		ID:        s.store.NewID(),
		ClientID:  clientID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	claims := stateClaims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        req.ID,
			Audience:  jwt.ClaimStrings{stateAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(req.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	s.store.SaveAuthRequest(req)
	return signed, nil
}

// Consume validates and redeems a state.
func (s *StateIssuer) Consume(state string) (AuthRequest, error) {
	if state == "" {
		return AuthRequest{}, fmt.Errorf("%w: missing state", ErrInvalidState)
	}
	var claims stateClaims
	_, err := jwt.ParseWithClaims(state, &claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(stateAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AuthRequest{}, fmt.Errorf("%w: expired", ErrInvalidState)
		}
		return AuthRequest{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	req, ok := s.store.ConsumeAuthRequest(claims.ID)
	if !ok {
		return AuthRequest{}, fmt.Errorf("%w: unknown or reused state", ErrInvalidState)
	}
	if req.ClientID != claims.ClientID {
		return AuthRequest{}, fmt.Errorf("%w: client mismatch", ErrInvalidState)
	}
	return req, nil
}
