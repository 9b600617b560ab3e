package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
)

// BackupObject describes a backup stored remotely.
type BackupObject struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Size      int64
}

// BackupRemote stores database backups.
type BackupRemote interface {
	Upload(ctx context.Context, name string, r io.Reader) (BackupObject, error)
	Latest(ctx context.Context) (BackupObject, error)
	Download(ctx context.Context, id string) (io.ReadCloser, error)
	Prune(ctx context.Context, keep int) error
}

// RemoteFactory opens a BackupRemote authenticated by ts.
type RemoteFactory func(ctx context.Context, ts oauth2.TokenSource) (BackupRemote, error)

// breakerRemote trips after consecutive Drive failures so auto sync does not
// hammer a failing API.
type breakerRemote struct {
	next BackupRemote
	cb   *gobreaker.CircuitBreaker
}

func newCircuitBreaker(logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "google-drive",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 3 },
		IsSuccessful: func(err error) bool {
			// Missing backups and caller cancellation say nothing about Drive health.
			return err == nil || errors.Is(err, ErrNoBackup) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

func withBreaker(next BackupRemote, cb *gobreaker.CircuitBreaker) BackupRemote {
	return &breakerRemote{next: next, cb: cb}
}

func (b *breakerRemote) Upload(ctx context.Context, name string, r io.Reader) (BackupObject, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Upload(ctx, name, r)
	})
	if err != nil {
		return BackupObject{}, breakerError(err)
	}
	return res.(BackupObject), nil
}

func (b *breakerRemote) Latest(ctx context.Context) (BackupObject, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Latest(ctx)
	})
	if err != nil {
		return BackupObject{}, breakerError(err)
	}
	return res.(BackupObject), nil
}

func (b *breakerRemote) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Download(ctx, id)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return res.(io.ReadCloser), nil
}

func (b *breakerRemote) Prune(ctx context.Context, keep int) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Prune(ctx, keep)
	})
	return breakerError(err)
}

func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Join(ErrRemoteUnavailable, err)
	}
	return err
}
