package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"drivesync/protocol"
)

const backendOrigin = "http://127.0.0.1:3001"

func TestAwaitResolvesOnSuccess(t *testing.T) {
	flow := NewPopupFlow(backendOrigin, time.Second)
	messages := make(chan PopupMessage, 2)
	messages <- PopupMessage{Origin: "https://evil.example", Type: protocol.PopupAuthError, Error: "spoofed"}
	messages <- PopupMessage{Origin: backendOrigin, Type: protocol.PopupAuthSuccess}

	if err := flow.Await(context.Background(), messages, nil); err != nil {
		t.Fatalf("Await: %v", err)
	}
	if flow.State() != PopupIdle {
		t.Fatalf("state = %s, want idle", flow.State())
	}
}

func TestAwaitReportsPopupError(t *testing.T) {
	flow := NewPopupFlow(backendOrigin, time.Second)
	messages := make(chan PopupMessage, 1)
	messages <- PopupMessage{Origin: backendOrigin, Type: protocol.PopupAuthError, Error: "Error al obtener tokens"}

	err := flow.Await(context.Background(), messages, nil)
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Message != "Error al obtener tokens" {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestAwaitCancelledWhenWindowCloses(t *testing.T) {
	flow := NewPopupFlow(backendOrigin, time.Second)
	closed := make(chan struct{})
	close(closed)

	err := flow.Await(context.Background(), make(chan PopupMessage), closed)
	if !errors.Is(err, ErrAuthCancelled) {
		t.Fatalf("expected ErrAuthCancelled, got %v", err)
	}
	if err.Error() != "Autenticación cancelada por el usuario" {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestAwaitCancelledMessage(t *testing.T) {
	flow := NewPopupFlow(backendOrigin, time.Second)
	messages := make(chan PopupMessage, 1)
	messages <- PopupMessage{Origin: backendOrigin, Type: protocol.PopupAuthCancelled}

	if err := flow.Await(context.Background(), messages, nil); !errors.Is(err, ErrAuthCancelled) {
		t.Fatalf("expected ErrAuthCancelled, got %v", err)
	}
}

func TestAwaitTimesOut(t *testing.T) {
	flow := NewPopupFlow(backendOrigin, 20*time.Millisecond)
	if err := flow.Await(context.Background(), make(chan PopupMessage), nil); !errors.Is(err, ErrPopupTimeout) {
		t.Fatalf("expected ErrPopupTimeout, got %v", err)
	}
}

func TestAwaitHonoursContext(t *testing.T) {
	flow := NewPopupFlow(backendOrigin, -1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := flow.Await(ctx, make(chan PopupMessage), nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAwaitRejectsConcurrentFlow(t *testing.T) {
	flow := NewPopupFlow(backendOrigin, time.Second)
	messages := make(chan PopupMessage)
	done := make(chan error, 1)
	go func() { done <- flow.Await(context.Background(), messages, nil) }()

	deadline := time.Now().Add(time.Second)
	for flow.State() != PopupAwaiting {
		if time.Now().After(deadline) {
			t.Fatalf("flow never started awaiting")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := flow.Await(context.Background(), messages, nil); !errors.Is(err, ErrPopupBusy) {
		t.Fatalf("expected ErrPopupBusy, got %v", err)
	}

	messages <- PopupMessage{Origin: backendOrigin, Type: protocol.PopupAuthSuccess}
	if err := <-done; err != nil {
		t.Fatalf("first flow: %v", err)
	}
}

func TestNewPopupFlowDefaultTimeout(t *testing.T) {
	if flow := NewPopupFlow(backendOrigin, 0); flow.timeout != DefaultPopupTimeout {
		t.Fatalf("timeout = %s", flow.timeout)
	}
}

func TestPollClosed(t *testing.T) {
	var polls atomic.Int32
	closed := PollClosed(context.Background(), 5*time.Millisecond, func() bool {
		return polls.Add(1) >= 3
	})
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatalf("closed signal never fired")
	}
	if polls.Load() < 3 {
		t.Fatalf("polls = %d", polls.Load())
	}
}
