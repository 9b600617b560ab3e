package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"drivesync/protocol"
)

// DefaultPopupTimeout bounds how long a consent popup may stay open.
const DefaultPopupTimeout = 5 * time.Minute

var (
	// ErrAuthCancelled is returned when the user closes the popup before finishing.
	ErrAuthCancelled = errors.New("Autenticación cancelada por el usuario")
	// ErrPopupTimeout is returned when the popup neither reports nor closes in time.
	ErrPopupTimeout = errors.New("tiempo de espera de autenticación agotado")
	// ErrPopupBusy is returned when a second flow starts while one is awaiting.
	ErrPopupBusy = errors.New("authentication already in progress")
)

// PopupState is the client-side sub-state of the consent flow.
type PopupState int

const (
	PopupIdle PopupState = iota
	PopupAwaiting
)

func (s PopupState) String() string {
	switch s {
	case PopupAwaiting:
		return "awaiting-popup"
	default:
		return "idle"
	}
}

// PopupMessage is a cross-window message posted by the callback page.
type PopupMessage struct {
	Origin string `json:"-"`
	Type   string `json:"type"`
	Error  string `json:"error,omitempty"`
}

// AuthError carries the message reported by the popup on failure.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

// PopupFlow tracks one consent popup at a time.
type PopupFlow struct {
	origin  string
	timeout time.Duration

	mu    sync.Mutex
	state PopupState
}

// NewPopupFlow accepts messages only from expectedOrigin. A zero timeout
// uses DefaultPopupTimeout, a negative one disables it.
func NewPopupFlow(expectedOrigin string, timeout time.Duration) *PopupFlow {
	if timeout == 0 {
		timeout = DefaultPopupTimeout
	}
	return &PopupFlow{origin: expectedOrigin, timeout: timeout}
}

// State reports whether a popup is being awaited.
func (f *PopupFlow) State() PopupState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Await blocks until the first of: an accepted popup message, the closed
// signal, the timeout, or ctx cancellation. The flow is idle again on return.
func (f *PopupFlow) Await(ctx context.Context, messages <-chan PopupMessage, closed <-chan struct{}) error {
	f.mu.Lock()
	if f.state == PopupAwaiting {
		f.mu.Unlock()
		return ErrPopupBusy
	}
	f.state = PopupAwaiting
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.state = PopupIdle
		f.mu.Unlock()
	}()

	var expired <-chan time.Time
	if f.timeout > 0 {
		timer := time.NewTimer(f.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-closed:
			return ErrAuthCancelled
		case <-expired:
			return ErrPopupTimeout
		case msg, ok := <-messages:
			if !ok {
				return ErrAuthCancelled
			}
			if msg.Origin != f.origin {
				continue
			}
			switch msg.Type {
			case protocol.PopupAuthSuccess:
				return nil
			case protocol.PopupAuthError:
				return &AuthError{Message: msg.Error}
			case protocol.PopupAuthCancelled:
				return ErrAuthCancelled
			}
		}
	}
}

// PollClosed turns a closed-window check into a signal, polling every interval.
func PollClosed(ctx context.Context, interval time.Duration, isClosed func() bool) <-chan struct{} {
	if interval <= 0 {
		interval = time.Second
	}
	closed := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if isClosed() {
					close(closed)
					return
				}
			}
		}
	}()
	return closed
}
