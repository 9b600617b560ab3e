package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"drivesync/protocol"
)

const maxDecodeErrorsPerConn = 3

// wsPeer is one dashboard connection on the status channel.
type wsPeer struct {
	id      string
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{id: uuid.NewString(), encoder: encoder}
}

func (p *wsPeer) ID() string { return p.id }

func (p *wsPeer) Send(frame protocol.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// Channel serves the bidirectional status channel over websockets.
type Channel struct {
	sync    *SyncService
	logger  *slog.Logger
	origins []string
	anyOrig bool
}

// NewChannel builds the websocket handler. With allowAnyOrigin set the origin
// header is not checked.
func NewChannel(svc *SyncService, logger *slog.Logger, origins []string, allowAnyOrigin bool) *Channel {
	return &Channel{sync: svc, logger: logger, origins: origins, anyOrig: allowAnyOrigin}
}

// ServeHTTP upgrades the request to a websocket.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	server := websocket.Server{
		Handshake: c.handshake,
		Handler:   c.handleConn,
	}
	server.ServeHTTP(w, r)
}

func (c *Channel) handshake(cfg *websocket.Config, r *http.Request) error {
	origin, err := websocket.Origin(cfg, r)
	if err != nil {
		return err
	}
	cfg.Origin = origin
	if c.anyOrig {
		return nil
	}
	if origin == nil || !originAllowed(origin.Scheme+"://"+origin.Host, c.origins) {
		c.logger.Warn("websocket origin rejected", "origin", r.Header.Get("Origin"))
		return fmt.Errorf("origin not allowed")
	}
	return nil
}

func (c *Channel) handleConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	peer := newWSPeer(json.NewEncoder(conn))
	c.sync.Subscribe(peer)
	defer c.sync.Unsubscribe(peer.ID())
	c.logger.Debug("channel client connected", "client_id", peer.ID(), "clients", c.sync.Subscribers())

	if hello, err := protocol.NewFrame(protocol.EventHello, protocol.HelloPayload{ClientID: peer.ID()}); err == nil {
		_ = peer.Send(hello)
	}

	ctx := context.Background()
	if req := conn.Request(); req != nil {
		ctx = req.Context()
	}
	AnnotateRequest(ctx, "client_id", peer.ID())
	commands := 0
	defer func() { AnnotateRequest(ctx, "commands", commands) }()

	decoder := json.NewDecoder(conn)
	decodeErrors := 0
	for {
		var frame protocol.Frame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				c.logger.Debug("channel client disconnected", "client_id", peer.ID())
				return
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr) {
				c.logger.Debug("channel read failed", "client_id", peer.ID(), "error", err)
				return
			}
			decodeErrors++
			_ = peer.Send(protocol.ErrorFrame(c.sync.Messages().Text(msgInvalidRequest)))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			// The decoder cannot resync after a syntax error.
			decoder = json.NewDecoder(conn)
			continue
		}
		decodeErrors = 0

		cmd, err := protocol.DecodeCommand(frame)
		if err != nil {
			c.logger.Debug("channel command rejected", "client_id", peer.ID(), "type", frame.Type, "error", err)
			_ = peer.Send(protocol.ErrorFrame(c.sync.Messages().Text(msgInvalidRequest)))
			continue
		}
		commands++
		c.dispatch(ctx, peer, cmd)
	}
}

func (c *Channel) dispatch(ctx context.Context, peer *wsPeer, cmd protocol.Command) {
	var err error
	switch cmd := cmd.(type) {
	case protocol.CheckAuth:
		err = peer.Send(c.sync.StatusFrame())
	case protocol.GetAuthURL:
		var authURL string
		authURL, err = c.sync.AuthURL(peer.ID())
		if err == nil {
			var frame protocol.Frame
			frame, err = protocol.NewFrame(protocol.EventAuthURL, protocol.AuthURLPayload{AuthURL: authURL})
			if err == nil {
				err = peer.Send(frame)
			}
		}
	case protocol.Disconnect:
		err = c.sync.Disconnect(ctx)
	case protocol.ToggleSync:
		err = c.sync.SetSyncEnabled(ctx, cmd.Enabled)
	case protocol.ManualBackup:
		err = c.sync.StartBackup(peer.ID())
	case protocol.ManualRestore:
		err = c.sync.StartRestore(peer.ID())
	}
	if err != nil {
		c.logger.Warn("channel command failed", "client_id", peer.ID(), "type", cmd.EventType(), "error", err)
		_ = peer.Send(protocol.ErrorFrame(c.sync.Messages().ForError(err)))
	}
}
