// Package protocol defines the event frames exchanged between dashboard
// clients and the sync service over the websocket channel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Client to server events.
const (
	EventCheckAuth     = "check-google-drive-auth"
	EventGetAuthURL    = "get-google-auth-url"
	EventDisconnect    = "disconnect-google-drive"
	EventToggleSync    = "toggle-google-drive-sync"
	EventManualBackup  = "manual-backup-to-drive"
	EventManualRestore = "manual-restore-from-drive"
)

// Server to client events.
const (
	EventAuthStatus       = "google-drive-auth-status"
	EventAuthURL          = "google-auth-url"
	EventError            = "google-drive-error"
	EventBackupCompleted  = "backup-completed"
	EventRestoreCompleted = "restore-completed"
	EventDatabaseRestored = "database-restored-notification"
	EventHello            = "client-hello"
)

// Popup to opener message types.
const (
	PopupAuthSuccess   = "auth-success"
	PopupAuthError     = "auth-error"
	PopupAuthCancelled = "auth-cancelled"
)

// ErrUnknownEvent is returned when a frame carries an unsupported type.
var ErrUnknownEvent = errors.New("unsupported event type")

// Frame is the envelope written on the wire in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// UserInfo is the profile shown next to the connected Drive account.
type UserInfo struct {
	Email         string `json:"email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	VerifiedEmail bool   `json:"verified_email"`
}

// AuthStatus mirrors the backend SyncState.
type AuthStatus struct {
	Authenticated     bool       `json:"authenticated"`
	UserInfo          *UserInfo  `json:"userInfo"`
	SyncEnabled       bool       `json:"syncEnabled"`
	QueueLength       int        `json:"queueLength"`
	LastSyncTimestamp *time.Time `json:"lastSyncTimestamp"`
}

// AuthURLPayload carries the consent URL the popup should open.
type AuthURLPayload struct {
	AuthURL string `json:"authUrl"`
}

// ToggleSyncPayload is sent by clients to switch auto sync.
type ToggleSyncPayload struct {
	Enabled *bool `json:"enabled"`
}

// BackupCompletedPayload signals a finished manual backup.
type BackupCompletedPayload struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// RestoreCompletedPayload is sent to the client that requested a restore.
type RestoreCompletedPayload struct {
	Message      string `json:"message"`
	ShouldReload bool   `json:"shouldReload"`
}

// DatabaseRestoredPayload is sent to every other client after a restore.
type DatabaseRestoredPayload struct {
	Message string `json:"message"`
}

// HelloPayload tells a freshly connected client its channel identifier.
type HelloPayload struct {
	ClientID string `json:"clientId"`
}

// Command is a validated client request.
type Command interface {
	EventType() string
}

// CheckAuth asks for the current status.
type CheckAuth struct{}

// GetAuthURL asks for a consent URL.
type GetAuthURL struct{}

// Disconnect drops the stored Drive tokens.
type Disconnect struct{}

// ToggleSync switches auto sync on or off.
type ToggleSync struct {
	Enabled bool
}

// ManualBackup starts a backup to Drive.
type ManualBackup struct{}

// ManualRestore restores the latest Drive backup.
type ManualRestore struct{}

func (CheckAuth) EventType() string     { return EventCheckAuth }
func (GetAuthURL) EventType() string    { return EventGetAuthURL }
func (Disconnect) EventType() string    { return EventDisconnect }
func (ToggleSync) EventType() string    { return EventToggleSync }
func (ManualBackup) EventType() string  { return EventManualBackup }
func (ManualRestore) EventType() string { return EventManualRestore }

// DecodeCommand validates an inbound frame and returns its command.
func DecodeCommand(frame Frame) (Command, error) {
	switch frame.Type {
	case EventCheckAuth:
		return CheckAuth{}, nil
	case EventGetAuthURL:
		return GetAuthURL{}, nil
	case EventDisconnect:
		return Disconnect{}, nil
	case EventManualBackup:
		return ManualBackup{}, nil
	case EventManualRestore:
		return ManualRestore{}, nil
	case EventToggleSync:
		if len(frame.Payload) == 0 {
			return nil, fmt.Errorf("%s: payload required", frame.Type)
		}
		var payload ToggleSyncPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return nil, fmt.Errorf("%s: invalid payload: %w", frame.Type, err)
		}
		if payload.Enabled == nil {
			return nil, fmt.Errorf("%s: enabled is required", frame.Type)
		}
		return ToggleSync{Enabled: *payload.Enabled}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Type)
	}
}

// EncodeCommand builds the wire frame for a command.
func EncodeCommand(cmd Command) (Frame, error) {
	frame := Frame{Type: cmd.EventType()}
	if toggle, ok := cmd.(ToggleSync); ok {
		enabled := toggle.Enabled
		b, err := json.Marshal(ToggleSyncPayload{Enabled: &enabled})
		if err != nil {
			return Frame{}, err
		}
		frame.Payload = b
	}
	return frame, nil
}

// NewFrame marshals payload into a frame of the given type.
func NewFrame(eventType string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Type: eventType}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Frame{Type: eventType, Payload: b}, nil
}

// ErrorFrame builds a google-drive-error frame carrying a plain string.
func ErrorFrame(message string) Frame {
	b, _ := json.Marshal(message)
	return Frame{Type: EventError, Payload: b}
}

// DecodePayload unmarshals a frame payload into v.
func DecodePayload(frame Frame, v any) error {
	if len(frame.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", frame.Type)
	}
	if err := json.Unmarshal(frame.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", frame.Type, err)
	}
	return nil
}
