// Command syncctl drives a running drivesync server over its status channel.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"drivesync/client"
	"drivesync/protocol"
)

const usage = `usage: syncctl [flags] <command>

commands:
  status            show the Drive connection and sync state
  auth-url          print a consent URL for this connection
  connect           print a consent URL and wait until the account is connected
  sync on|off       toggle automatic sync
  backup            upload a backup now
  restore           restore the latest backup
  disconnect        forget the connected Drive account
  watch             print every status event until interrupted`

type options struct {
	server  string
	origin  string
	timeout time.Duration
}

func main() {
	opts := options{}
	flag.StringVar(&opts.server, "server", envOr("DRIVESYNC_SERVER", "http://127.0.0.1:3001"), "Base URL of the drivesync server")
	flag.StringVar(&opts.origin, "origin", os.Getenv("DRIVESYNC_ORIGIN"), "Origin header for the channel (defaults to the server URL)")
	flag.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "Maximum time to wait for a command")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, flag.Args(), os.Stdout, logger); err != nil {
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		log.Fatalf("syncctl: %v", err)
	}
}

var errUsage = errors.New("usage")

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context, opts options, args []string, out io.Writer, logger *slog.Logger) error {
	if len(args) == 0 {
		return errUsage
	}
	command, rest := args[0], args[1:]

	origin := opts.origin
	if origin == "" {
		origin = strings.TrimSuffix(opts.server, "/")
	}

	if opts.timeout > 0 && command != "watch" && command != "connect" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	c, err := client.Dial(ctx, opts.server, origin)
	if err != nil {
		return err
	}
	defer c.Close()
	logger.Debug("channel connected", "client_id", c.ID(), "server", opts.server)

	switch command {
	case "status":
		status, err := c.Status(ctx)
		if err != nil {
			return err
		}
		return printStatus(out, status)
	case "auth-url":
		authURL, err := c.AuthURL(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, authURL)
		return nil
	case "connect":
		return runConnect(ctx, c, opts.timeout, out)
	case "sync":
		if len(rest) != 1 {
			return errUsage
		}
		var enabled bool
		switch rest[0] {
		case "on":
			enabled = true
		case "off":
		default:
			return errUsage
		}
		status, err := c.SetSync(ctx, enabled)
		if err != nil {
			return err
		}
		return printStatus(out, status)
	case "backup":
		done, err := c.Backup(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s (%s)\n", done.Message, done.Timestamp.Format(time.RFC3339))
		return nil
	case "restore":
		done, err := c.Restore(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, done.Message)
		return nil
	case "disconnect":
		return c.Disconnect(ctx)
	case "watch":
		return watch(ctx, c, out)
	default:
		return errUsage
	}
}

// runConnect waits for the consent to finish in the browser, treating the
// channel as the popup. Closing stdin cancels the flow.
func runConnect(ctx context.Context, c *client.Client, timeout time.Duration, out io.Writer) error {
	authURL, err := c.AuthURL(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Open this URL in a browser to connect Google Drive:")
	fmt.Fprintln(out, authURL)

	flow := client.NewPopupFlow(c.Origin(), timeout)
	if err := flow.Await(ctx, c.PopupMessages(ctx), stdinClosed(ctx)); err != nil {
		return err
	}
	status, err := c.Status(ctx)
	if err != nil {
		return err
	}
	return printStatus(out, status)
}

var stdin io.Reader = os.Stdin

func stdinClosed(ctx context.Context) <-chan struct{} {
	eof := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, stdin)
		close(eof)
	}()
	return client.PollClosed(ctx, 200*time.Millisecond, func() bool {
		select {
		case <-eof:
			return true
		default:
			return false
		}
	})
}

func watch(ctx context.Context, c *client.Client, out io.Writer) error {
	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-c.Events():
			if !ok {
				if err := c.Err(); err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				return nil
			}
			if err := enc.Encode(frame); err != nil {
				return err
			}
		}
	}
}

func printStatus(out io.Writer, status protocol.AuthStatus) error {
	if !status.Authenticated {
		fmt.Fprintln(out, "drive: disconnected")
		return nil
	}
	account := ""
	if status.UserInfo != nil {
		account = status.UserInfo.Email
	}
	lastSync := "never"
	if status.LastSyncTimestamp != nil {
		lastSync = status.LastSyncTimestamp.Format(time.RFC3339)
	}
	fmt.Fprintf(out, "drive: connected as %s\nsync: %s\nqueue: %d\nlast sync: %s\n",
		account, onOff(status.SyncEnabled), status.QueueLength, lastSync)
	return nil
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
