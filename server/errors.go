package server

import "errors"

var (
	// ErrNotConfigured means no OAuth client credentials could be resolved.
	ErrNotConfigured = errors.New("google oauth credentials not configured")
	// ErrAuthExchange wraps failures exchanging an authorization code.
	ErrAuthExchange = errors.New("authorization code exchange failed")
	// ErrUserInfo wraps failures fetching the user profile.
	ErrUserInfo = errors.New("user info request failed")
	// ErrRefresh wraps failures refreshing an access token.
	ErrRefresh = errors.New("token refresh failed")
	// ErrTokenRevoked marks a refresh Google refused outright. Only a new
	// consent recovers from it.
	ErrTokenRevoked = errors.New("refresh token rejected")
	// ErrNotAuthenticated is returned for Drive operations without a connected account.
	ErrNotAuthenticated = errors.New("google drive not connected")
	// ErrInvalidState is returned when an OAuth callback carries an unknown or expired state.
	ErrInvalidState = errors.New("invalid or expired oauth state")
	// ErrNoBackup is returned when Drive holds no backup to restore.
	ErrNoBackup = errors.New("no backup found in drive")
	// ErrNotFound is returned by token stores when nothing is persisted.
	ErrNotFound = errors.New("not found")
	// ErrRemoteUnavailable is returned while the Drive circuit breaker is open.
	ErrRemoteUnavailable = errors.New("drive temporarily unavailable")
)
