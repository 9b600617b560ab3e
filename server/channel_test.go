package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"drivesync/protocol"
)

const testOrigin = "http://127.0.0.1:3001"

func newTestApp(t *testing.T, f *syncFixture) *App {
	t.Helper()
	return &App{
		Config:      DefaultConfig(),
		Logger:      testLogger(),
		Credentials: f.creds,
		Store:       f.store,
		Sync:        f.svc,
		Messages:    NewMessages("es"),
	}
}

func newTestServer(t *testing.T, app *App) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(app.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func dialChannel(httpURL, origin string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
	return websocket.Dial(wsURL, "", origin)
}

func mustDialChannel(t *testing.T, srv *httptest.Server) (*websocket.Conn, string) {
	t.Helper()
	conn, err := dialChannel(srv.URL, testOrigin)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	hello := readFrame(t, conn)
	if hello.Type != protocol.EventHello {
		t.Fatalf("expected %s first, got %s", protocol.EventHello, hello.Type)
	}
	var payload protocol.HelloPayload
	if err := protocol.DecodePayload(hello, &payload); err != nil || payload.ClientID == "" {
		t.Fatalf("bad hello payload: %v %s", err, hello.Payload)
	}
	return conn, payload.ClientID
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got protocol.Frame
	if err := json.NewDecoder(conn).Decode(&got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

func readUntil(t *testing.T, conn *websocket.Conn, eventType string) protocol.Frame {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		if frame.Type == eventType {
			return frame
		}
	}
	t.Fatalf("did not receive %s", eventType)
	return protocol.Frame{}
}

func decodeStatus(t *testing.T, frame protocol.Frame) protocol.AuthStatus {
	t.Helper()
	var status protocol.AuthStatus
	if err := protocol.DecodePayload(frame, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return status
}

func decodeErrorMessage(t *testing.T, frame protocol.Frame) string {
	t.Helper()
	var msg string
	if err := protocol.DecodePayload(frame, &msg); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return msg
}

func TestChannelCheckAuthReturnsStatus(t *testing.T) {
	f := newSyncFixture(t)
	srv := newTestServer(t, newTestApp(t, f))
	conn, _ := mustDialChannel(t, srv)

	writeFrame(t, conn, map[string]any{"type": protocol.EventCheckAuth})
	frame := readFrame(t, conn)
	if frame.Type != protocol.EventAuthStatus {
		t.Fatalf("expected auth status, got %s", frame.Type)
	}
	if status := decodeStatus(t, frame); status.Authenticated || status.UserInfo != nil {
		t.Fatalf("expected disconnected status, got %+v", status)
	}
}

func TestChannelBackupWhileDisconnectedEmitsError(t *testing.T) {
	f := newSyncFixture(t)
	srv := newTestServer(t, newTestApp(t, f))
	conn, _ := mustDialChannel(t, srv)

	writeFrame(t, conn, map[string]any{"type": protocol.EventManualBackup})
	frame := readFrame(t, conn)
	if frame.Type != protocol.EventError {
		t.Fatalf("expected error event, got %s", frame.Type)
	}
	if got, want := decodeErrorMessage(t, frame), NewMessages("es").Text(msgNotAuthenticated); got != want {
		t.Fatalf("error message = %q, want %q", got, want)
	}
	if f.svc.Snapshot().Authenticated {
		t.Fatalf("state must not change")
	}
}

func TestChannelRejectsMalformedFrames(t *testing.T) {
	f := newSyncFixture(t)
	srv := newTestServer(t, newTestApp(t, f))
	conn, _ := mustDialChannel(t, srv)

	if _, err := conn.Write([]byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if frame := readFrame(t, conn); frame.Type != protocol.EventError {
		t.Fatalf("expected error for malformed frame, got %s", frame.Type)
	}

	writeFrame(t, conn, map[string]any{"type": protocol.EventToggleSync, "payload": map[string]any{}})
	if frame := readFrame(t, conn); frame.Type != protocol.EventError {
		t.Fatalf("expected error for toggle without flag, got %s", frame.Type)
	}

	writeFrame(t, conn, map[string]any{"type": "drop-tables"})
	if frame := readFrame(t, conn); frame.Type != protocol.EventError {
		t.Fatalf("expected error for unknown event, got %s", frame.Type)
	}

	writeFrame(t, conn, map[string]any{"type": protocol.EventCheckAuth})
	if frame := readFrame(t, conn); frame.Type != protocol.EventAuthStatus {
		t.Fatalf("connection should survive bad frames, got %s", frame.Type)
	}
}

func TestChannelAuthRoundTrip(t *testing.T) {
	f := newSyncFixture(t)
	srv := newTestServer(t, newTestApp(t, f))
	conn, clientID := mustDialChannel(t, srv)
	other, _ := mustDialChannel(t, srv)

	writeFrame(t, conn, map[string]any{"type": protocol.EventGetAuthURL})
	frame := readFrame(t, conn)
	if frame.Type != protocol.EventAuthURL {
		t.Fatalf("expected auth url, got %s", frame.Type)
	}
	var payload protocol.AuthURLPayload
	if err := protocol.DecodePayload(frame, &payload); err != nil {
		t.Fatalf("decode auth url: %v", err)
	}
	authURL, err := url.Parse(payload.AuthURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	if authURL.Query().Get("access_type") != "offline" {
		t.Fatalf("auth url must request offline access: %s", payload.AuthURL)
	}
	state := authURL.Query().Get("state")

	issued, err := f.states.Consume(state)
	if err != nil {
		t.Fatalf("state should be valid: %v", err)
	}
	if issued.ClientID != clientID {
		t.Fatalf("state bound to %q, want %q", issued.ClientID, clientID)
	}
	state, err = f.states.Issue(clientID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	resp, err := http.Get(srv.URL + CallbackPath + "?code=good-code&state=" + url.QueryEscape(state))
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback status = %d, body %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), protocol.PopupAuthSuccess) {
		t.Fatalf("callback page should post auth-success, got %s", body)
	}

	for _, c := range []*websocket.Conn{conn, other} {
		status := decodeStatus(t, readUntil(t, c, protocol.EventAuthStatus))
		if !status.Authenticated || status.UserInfo == nil || status.UserInfo.Email != "ana@example.com" {
			t.Fatalf("every client should see the connection, got %+v", status)
		}
	}
}

func TestChannelToggleSyncBroadcasts(t *testing.T) {
	f := newSyncFixture(t)
	f.connect(t)
	srv := newTestServer(t, newTestApp(t, f))
	conn, _ := mustDialChannel(t, srv)
	other, _ := mustDialChannel(t, srv)

	writeFrame(t, conn, map[string]any{"type": protocol.EventToggleSync, "payload": map[string]any{"enabled": true}})
	for _, c := range []*websocket.Conn{conn, other} {
		status := decodeStatus(t, readUntil(t, c, protocol.EventAuthStatus))
		if !status.SyncEnabled {
			t.Fatalf("expected sync enabled broadcast, got %+v", status)
		}
	}
}

func TestChannelRejectsForeignOriginInProduction(t *testing.T) {
	f := newSyncFixture(t)
	app := newTestApp(t, f)
	app.Config.Server.DevMode = false
	srv := newTestServer(t, app)

	if _, err := dialChannel(srv.URL, "https://evil.example.com"); err == nil {
		t.Fatalf("expected handshake to fail for foreign origin")
	}
	conn, err := dialChannel(srv.URL, testOrigin)
	if err != nil {
		t.Fatalf("dashboard origin should be accepted: %v", err)
	}
	_ = conn.Close()
}

func TestChannelUnsubscribesOnClose(t *testing.T) {
	f := newSyncFixture(t)
	srv := newTestServer(t, newTestApp(t, f))
	conn, _ := mustDialChannel(t, srv)

	if got := f.svc.Subscribers(); got != 1 {
		t.Fatalf("subscribers = %d, want 1", got)
	}
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.svc.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("closed client still subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
