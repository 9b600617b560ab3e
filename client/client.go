package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/websocket"

	"drivesync/protocol"
)

// ServerError is a google-drive-error event reported by the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// ErrClosed is returned once the channel connection has ended.
var ErrClosed = errors.New("channel closed")

// Client is a Go client of the sync status channel.
type Client struct {
	conn   *websocket.Conn
	id     string
	origin string

	writeMu sync.Mutex
	encoder *json.Encoder

	events chan protocol.Frame
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Dial connects to the channel served at serverURL. origin must be an origin
// the server accepts, usually the dashboard or public URL.
func Dial(ctx context.Context, serverURL, origin string) (*Client, error) {
	wsURL, err := channelURL(serverURL)
	if err != nil {
		return nil, err
	}
	cfg, err := websocket.NewConfig(wsURL, origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	decoder := json.NewDecoder(conn)
	var hello protocol.Frame
	if err := decoder.Decode(&hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != protocol.EventHello {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first event %q", hello.Type)
	}
	var payload protocol.HelloPayload
	if err := protocol.DecodePayload(hello, &payload); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode hello: %w", err)
	}

	c := &Client{
		conn:    conn,
		id:      payload.ClientID,
		origin:  serverOrigin(serverURL),
		encoder: json.NewEncoder(conn),
		events:  make(chan protocol.Frame, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop(decoder)
	return c, nil
}

func channelURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func serverOrigin(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil {
		return ""
	}
	scheme := u.Scheme
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

func (c *Client) readLoop(decoder *json.Decoder) {
	defer close(c.events)
	for {
		var frame protocol.Frame
		if err := decoder.Decode(&frame); err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		select {
		case c.events <- frame:
		case <-c.done:
			return
		}
	}
}

// ID is the identifier the server assigned to this connection.
func (c *Client) ID() string {
	return c.id
}

// Events streams every server event. The channel closes with the connection.
func (c *Client) Events() <-chan protocol.Frame {
	return c.events
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send writes a command to the server.
func (c *Client) Send(cmd protocol.Command) error {
	frame, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.encoder.Encode(frame)
}

// Next waits for the first event of one of the given types. A
// google-drive-error event is returned as *ServerError unless requested.
func (c *Client) Next(ctx context.Context, types ...string) (protocol.Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return protocol.Frame{}, ctx.Err()
		case frame, ok := <-c.events:
			if !ok {
				if err := c.Err(); err != nil {
					return protocol.Frame{}, fmt.Errorf("%w: %v", ErrClosed, err)
				}
				return protocol.Frame{}, ErrClosed
			}
			for _, t := range types {
				if frame.Type == t {
					return frame, nil
				}
			}
			if frame.Type == protocol.EventError {
				return protocol.Frame{}, decodeServerError(frame)
			}
		}
	}
}

func decodeServerError(frame protocol.Frame) error {
	var msg string
	if err := protocol.DecodePayload(frame, &msg); err != nil {
		return &ServerError{Message: string(frame.Payload)}
	}
	return &ServerError{Message: msg}
}

// Status asks the server for the current SyncState.
func (c *Client) Status(ctx context.Context) (protocol.AuthStatus, error) {
	if err := c.Send(protocol.CheckAuth{}); err != nil {
		return protocol.AuthStatus{}, err
	}
	frame, err := c.Next(ctx, protocol.EventAuthStatus)
	if err != nil {
		return protocol.AuthStatus{}, err
	}
	var status protocol.AuthStatus
	if err := protocol.DecodePayload(frame, &status); err != nil {
		return protocol.AuthStatus{}, err
	}
	return status, nil
}

// AuthURL requests a consent URL bound to this connection.
func (c *Client) AuthURL(ctx context.Context) (string, error) {
	if err := c.Send(protocol.GetAuthURL{}); err != nil {
		return "", err
	}
	frame, err := c.Next(ctx, protocol.EventAuthURL)
	if err != nil {
		return "", err
	}
	var payload protocol.AuthURLPayload
	if err := protocol.DecodePayload(frame, &payload); err != nil {
		return "", err
	}
	return payload.AuthURL, nil
}

// SetSync toggles auto sync and waits for the resulting status.
func (c *Client) SetSync(ctx context.Context, enabled bool) (protocol.AuthStatus, error) {
	if err := c.Send(protocol.ToggleSync{Enabled: enabled}); err != nil {
		return protocol.AuthStatus{}, err
	}
	return c.nextStatus(ctx, func(s protocol.AuthStatus) bool { return s.SyncEnabled == enabled })
}

// Disconnect forgets the Drive connection and waits for the status push.
func (c *Client) Disconnect(ctx context.Context) error {
	if err := c.Send(protocol.Disconnect{}); err != nil {
		return err
	}
	_, err := c.nextStatus(ctx, func(s protocol.AuthStatus) bool { return !s.Authenticated })
	return err
}

// Backup starts a manual backup and waits for its completion event.
func (c *Client) Backup(ctx context.Context) (protocol.BackupCompletedPayload, error) {
	var payload protocol.BackupCompletedPayload
	if err := c.Send(protocol.ManualBackup{}); err != nil {
		return payload, err
	}
	frame, err := c.Next(ctx, protocol.EventBackupCompleted)
	if err != nil {
		return payload, err
	}
	err = protocol.DecodePayload(frame, &payload)
	return payload, err
}

// Restore starts a manual restore and waits for its completion event.
func (c *Client) Restore(ctx context.Context) (protocol.RestoreCompletedPayload, error) {
	var payload protocol.RestoreCompletedPayload
	if err := c.Send(protocol.ManualRestore{}); err != nil {
		return payload, err
	}
	frame, err := c.Next(ctx, protocol.EventRestoreCompleted)
	if err != nil {
		return payload, err
	}
	err = protocol.DecodePayload(frame, &payload)
	return payload, err
}

func (c *Client) nextStatus(ctx context.Context, match func(protocol.AuthStatus) bool) (protocol.AuthStatus, error) {
	for {
		frame, err := c.Next(ctx, protocol.EventAuthStatus)
		if err != nil {
			return protocol.AuthStatus{}, err
		}
		var status protocol.AuthStatus
		if err := protocol.DecodePayload(frame, &status); err != nil {
			return protocol.AuthStatus{}, err
		}
		if match(status) {
			return status, nil
		}
	}
}

// PopupMessages adapts channel events into popup messages for a PopupFlow,
// for callers that watch the connection instead of a browser window. An
// authenticated status counts as auth-success and a server error as
// auth-error.
func (c *Client) PopupMessages(ctx context.Context) <-chan PopupMessage {
	out := make(chan PopupMessage, 1)
	go func() {
		defer close(out)
		for {
			frame, err := c.Next(ctx, protocol.EventAuthStatus, protocol.EventError)
			if err != nil {
				return
			}
			msg := PopupMessage{Origin: c.origin}
			switch frame.Type {
			case protocol.EventError:
				msg.Type = protocol.PopupAuthError
				msg.Error = decodeServerError(frame).Error()
			default:
				var status protocol.AuthStatus
				if err := protocol.DecodePayload(frame, &status); err != nil || !status.Authenticated {
					continue
				}
				msg.Type = protocol.PopupAuthSuccess
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Origin is the server origin, which is what popup messages are checked against.
func (c *Client) Origin() string {
	return c.origin
}

// Close ends the connection.
func (c *Client) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.conn.Close()
}
