package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"drivesync/protocol"
)

// SyncState is the Drive connection status shared with every dashboard client.
type SyncState = protocol.AuthStatus

// Subscriber receives frames pushed by the sync service.
type Subscriber interface {
	ID() string
	Send(frame protocol.Frame) error
}

// SyncDeps bundles the collaborators of a SyncService.
type SyncDeps struct {
	Credentials      *CredentialProvider
	Broker           TokenBroker
	States           *StateIssuer
	Store            TokenStore
	Sealer           *TokenSealer
	Database         DatabaseArchiver
	Remotes          RemoteFactory
	Messages         *Messages
	Logger           *slog.Logger
	Drive            DriveConfig
	Debounce         time.Duration
	OperationTimeout time.Duration
}

// SyncService owns the SyncState. All reads and writes go through its
// methods and every change is pushed to subscribers.
type SyncService struct {
	creds    *CredentialProvider
	broker   TokenBroker
	states   *StateIssuer
	store    TokenStore
	sealer   *TokenSealer
	db       DatabaseArchiver
	remotes  RemoteFactory
	messages *Messages
	logger   *slog.Logger
	drive    DriveConfig
	debounce time.Duration
	opTTL    time.Duration
	breaker  *gobreaker.CircuitBreaker
	now      func() time.Time

	mu          sync.Mutex
	tokens      *TokenSet
	user        *UserInfo
	syncEnabled bool
	queue       int
	lastChange  time.Time
	lastSync    time.Time

	// opMu serializes backups and restores, manual or automatic.
	opMu sync.Mutex
	// persistMu orders writes to the token store.
	persistMu sync.Mutex

	subsMu sync.RWMutex
	subs   map[string]Subscriber

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSyncService constructs the coordinator in the disconnected state.
func NewSyncService(deps SyncDeps) *SyncService {
	ctx, cancel := context.WithCancel(context.Background())
	debounce := deps.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	opTTL := deps.OperationTimeout
	if opTTL <= 0 {
		opTTL = DefaultOperationTimeout
	}
	messages := deps.Messages
	if messages == nil {
		messages = NewMessages("es")
	}
	return &SyncService{
		creds:    deps.Credentials,
		broker:   deps.Broker,
		states:   deps.States,
		store:    deps.Store,
		sealer:   deps.Sealer,
		db:       deps.Database,
		remotes:  deps.Remotes,
		messages: messages,
		logger:   deps.Logger,
		drive:    deps.Drive,
		debounce: debounce,
		opTTL:    opTTL,
		breaker:  newCircuitBreaker(deps.Logger),
		now:      time.Now,
		subs:     make(map[string]Subscriber),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Messages returns the localized message renderer.
func (s *SyncService) Messages() *Messages {
	return s.messages
}

// Snapshot returns the current SyncState.
func (s *SyncService) Snapshot() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *SyncService) snapshotLocked() SyncState {
	state := SyncState{QueueLength: s.queue}
	if s.tokens != nil {
		state.Authenticated = true
		if s.user != nil {
			user := *s.user
			state.UserInfo = &user
		}
		state.SyncEnabled = s.syncEnabled
	}
	if !s.lastSync.IsZero() {
		ts := s.lastSync
		state.LastSyncTimestamp = &ts
	}
	return state
}

func (s *SyncService) authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens != nil
}

// LoadStoredAuth restores a persisted connection at startup. Tokens that fail
// verification are refreshed. They are discarded only when Google rejects the
// refresh; a refresh that cannot reach Google keeps the connection.
func (s *SyncService) LoadStoredAuth(ctx context.Context) error {
	stored, err := s.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load stored auth: %w", err)
	}

	tokens, err := s.sealer.Open(stored.SealedTokens)
	if err != nil {
		s.logger.Warn("stored drive tokens unreadable, discarding", "error", err)
		return s.store.Delete(ctx)
	}

	s.mu.Lock()
	s.lastSync = stored.LastSync
	s.mu.Unlock()

	if !s.creds.IsConfigured() {
		s.logger.Warn("stored drive tokens ignored: credentials not configured")
		return nil
	}

	if !s.broker.Verify(ctx, tokens) {
		refreshed, err := s.broker.Refresh(ctx, tokens)
		switch {
		case err == nil:
			tokens = refreshed
		case IsTokenRevoked(err):
			s.logger.Warn("stored drive tokens could not be refreshed, re-authentication required", "error", err)
			return s.store.Delete(ctx)
		default:
			s.logger.Warn("drive token refresh unavailable, keeping stored tokens", "error", err)
		}
	}

	user := stored.UserInfo
	s.mu.Lock()
	s.tokens = &tokens
	s.user = &user
	s.syncEnabled = stored.SyncEnabled
	s.mu.Unlock()

	s.logger.Info("drive connection restored", "email", user.Email, "sync_enabled", stored.SyncEnabled)
	return s.persist(ctx)
}

// AuthURL returns the consent URL for the given channel client.
func (s *SyncService) AuthURL(clientID string) (string, error) {
	if !s.creds.IsConfigured() {
		return "", ErrNotConfigured
	}
	state, err := s.states.Issue(clientID)
	if err != nil {
		return "", err
	}
	return s.creds.AuthURL(state)
}

// CompleteAuth redeems the OAuth callback and connects Drive.
func (s *SyncService) CompleteAuth(ctx context.Context, code, state string) (AuthRequest, error) {
	if !s.creds.IsConfigured() {
		return AuthRequest{}, ErrNotConfigured
	}
	req, err := s.states.Consume(state)
	if err != nil {
		return AuthRequest{}, err
	}
	tokens, err := s.broker.ExchangeCode(ctx, code)
	if err != nil {
		return req, err
	}
	user, err := s.broker.FetchUserInfo(ctx, tokens)
	if err != nil {
		return req, err
	}

	s.mu.Lock()
	s.tokens = &tokens
	s.user = &user
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		s.logger.Error("persist drive tokens", "error", err)
	}
	s.logger.Info("drive connected", "email", user.Email, "client_id", req.ClientID)
	s.broadcastStatus()
	return req, nil
}

// Disconnect forgets the Drive tokens.
func (s *SyncService) Disconnect(ctx context.Context) error {
	err := s.forget(ctx)
	s.broadcastStatus()
	if err != nil {
		return fmt.Errorf("delete stored auth: %w", err)
	}
	s.logger.Info("drive disconnected")
	return nil
}

// forget clears the connection and its stored record. It holds persistMu so
// a Save already in flight lands before the Delete.
func (s *SyncService) forget(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.clearConnection()
	return s.store.Delete(ctx)
}

func (s *SyncService) clearConnection() {
	s.mu.Lock()
	s.tokens = nil
	s.user = nil
	s.syncEnabled = false
	s.mu.Unlock()
}

// SetSyncEnabled toggles auto sync. Only valid while connected.
func (s *SyncService) SetSyncEnabled(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	if s.tokens == nil {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}
	s.syncEnabled = enabled
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		s.logger.Error("persist sync flag", "error", err)
	}
	s.logger.Info("auto sync toggled", "enabled", enabled)
	s.broadcastStatus()
	if enabled {
		s.signal()
	}
	return nil
}

// NotifyChange records that the application data changed.
func (s *SyncService) NotifyChange() int {
	s.mu.Lock()
	s.queue++
	s.lastChange = s.now()
	queue := s.queue
	s.mu.Unlock()

	s.broadcastStatus()
	s.signal()
	return queue
}

func (s *SyncService) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// StartBackup runs a manual backup in the background and reports to clientID.
func (s *SyncService) StartBackup(clientID string) error {
	if !s.authenticated() {
		return ErrNotAuthenticated
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.opTTL)
		defer cancel()

		ts, err := s.Backup(ctx)
		if err != nil {
			s.logger.Error("manual backup failed", "client_id", clientID, "error", err)
			s.SendTo(clientID, protocol.ErrorFrame(s.messages.ForError(err)))
			return
		}
		frame, err := protocol.NewFrame(protocol.EventBackupCompleted, protocol.BackupCompletedPayload{
			Timestamp: ts,
			Message:   s.messages.Text(msgBackupDone),
		})
		if err != nil {
			s.logger.Error("encode backup completion", "error", err)
			return
		}
		s.SendTo(clientID, frame)
	}()
	return nil
}

// StartRestore runs a manual restore in the background. The initiator is told
// to reload and every other client gets a restore notice.
func (s *SyncService) StartRestore(clientID string) error {
	if !s.authenticated() {
		return ErrNotAuthenticated
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.opTTL)
		defer cancel()

		if err := s.RestoreLatest(ctx); err != nil {
			s.logger.Error("manual restore failed", "client_id", clientID, "error", err)
			s.SendTo(clientID, protocol.ErrorFrame(s.messages.ForError(err)))
			return
		}
		completed, err := protocol.NewFrame(protocol.EventRestoreCompleted, protocol.RestoreCompletedPayload{
			Message:      s.messages.Text(msgRestoreDone),
			ShouldReload: true,
		})
		if err != nil {
			s.logger.Error("encode restore completion", "error", err)
			return
		}
		notice, err := protocol.NewFrame(protocol.EventDatabaseRestored, protocol.DatabaseRestoredPayload{
			Message: s.messages.Text(msgRestoredElsewhere),
		})
		if err != nil {
			s.logger.Error("encode restore notice", "error", err)
			return
		}
		s.SendTo(clientID, completed)
		s.BroadcastExcept(clientID, notice)
	}()
	return nil
}

// Backup uploads a snapshot of the database and returns its timestamp.
func (s *SyncService) Backup(ctx context.Context) (time.Time, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	remote, err := s.remote(ctx)
	if err != nil {
		return time.Time{}, err
	}

	s.mu.Lock()
	pending := s.queue
	s.mu.Unlock()

	snapshot, err := s.db.Snapshot(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("snapshot database: %w", err)
	}
	defer snapshot.Close()

	started := s.now().UTC()
	name := fmt.Sprintf("%s%s.db", s.drive.BackupPrefix, started.Format("20060102T150405Z"))
	obj, err := remote.Upload(ctx, name, snapshot)
	if err != nil {
		return time.Time{}, s.remoteFailure(err)
	}
	if s.drive.MaxBackups > 0 {
		if err := remote.Prune(ctx, s.drive.MaxBackups); err != nil {
			s.logger.Warn("prune old backups", "error", err)
		}
	}

	s.mu.Lock()
	s.lastSync = started
	s.queue -= pending
	if s.queue < 0 {
		s.queue = 0
	}
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		s.logger.Error("persist last sync", "error", err)
	}
	s.logger.Info("sync.backup.completed", "name", obj.Name, "id", obj.ID, "size", obj.Size, "flushed_changes", pending)
	s.broadcastStatus()
	return started, nil
}

// RestoreLatest replaces the database with the newest Drive backup.
func (s *SyncService) RestoreLatest(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	remote, err := s.remote(ctx)
	if err != nil {
		return err
	}
	latest, err := remote.Latest(ctx)
	if err != nil {
		return s.remoteFailure(err)
	}
	body, err := remote.Download(ctx, latest.ID)
	if err != nil {
		return s.remoteFailure(err)
	}
	defer body.Close()

	if err := s.db.Replace(ctx, body); err != nil {
		return fmt.Errorf("replace database: %w", err)
	}

	s.mu.Lock()
	s.queue = 0
	s.lastSync = s.now().UTC()
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		s.logger.Error("persist last sync", "error", err)
	}
	s.logger.Info("sync.restore.completed", "name", latest.Name, "id", latest.ID)
	s.broadcastStatus()
	return nil
}

// remoteFailure drops the connection when Google rejected the refresh token.
// Other refresh failures leave the tokens in place for the next attempt.
func (s *SyncService) remoteFailure(err error) error {
	if IsTokenRevoked(err) {
		s.logger.Warn("drive refresh token rejected, disconnecting", "error", err)
		if delErr := s.forget(context.Background()); delErr != nil {
			s.logger.Error("delete stored auth", "error", delErr)
		}
		s.broadcastStatus()
	}
	return err
}

func (s *SyncService) remote(ctx context.Context) (BackupRemote, error) {
	s.mu.Lock()
	if s.tokens == nil {
		s.mu.Unlock()
		return nil, ErrNotAuthenticated
	}
	tokens := *s.tokens
	s.mu.Unlock()

	ts, err := s.broker.TokenSource(ctx, tokens, s.tokensRefreshed)
	if err != nil {
		return nil, err
	}
	remote, err := s.remotes(ctx, ts)
	if err != nil {
		return nil, err
	}
	return withBreaker(remote, s.breaker), nil
}

func (s *SyncService) tokensRefreshed(tokens TokenSet) {
	s.mu.Lock()
	if s.tokens == nil {
		s.mu.Unlock()
		return
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = s.tokens.RefreshToken
	}
	s.tokens = &tokens
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.persist(ctx); err != nil {
		s.logger.Error("persist refreshed tokens", "error", err)
	}
}

func (s *SyncService) persist(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	if s.tokens == nil {
		s.mu.Unlock()
		return nil
	}
	tokens := *s.tokens
	record := StoredAuth{
		SyncEnabled: s.syncEnabled,
		LastSync:    s.lastSync,
		UpdatedAt:   s.now().UTC(),
	}
	if s.user != nil {
		record.UserInfo = *s.user
	}
	s.mu.Unlock()

	sealed, err := s.sealer.Seal(tokens)
	if err != nil {
		return err
	}
	record.SealedTokens = sealed
	return s.store.Save(ctx, record)
}

// Run drives the auto sync worker until ctx is done.
func (s *SyncService) Run(ctx context.Context) {
	interval := s.debounce / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// After a failed flush the worker waits for the next wake (a change or a
	// toggle) instead of retrying the same backup on every tick.
	paused := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-s.wake:
			paused = false
		case <-ticker.C:
			if paused {
				continue
			}
		}
		if _, err := s.flushQueue(ctx); err != nil {
			paused = true
			s.logger.Error("auto sync failed, waiting for the next change", "error", err)
		}
	}
}

// flushQueue backs up pending changes once the debounce window has passed
// and auto sync is on.
func (s *SyncService) flushQueue(ctx context.Context) (bool, error) {
	s.mu.Lock()
	due := s.tokens != nil && s.syncEnabled && s.queue > 0 && s.now().Sub(s.lastChange) >= s.debounce
	s.mu.Unlock()
	if !due {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTTL)
	defer cancel()
	if _, err := s.Backup(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Subscribe registers a client for pushes.
func (s *SyncService) Subscribe(sub Subscriber) {
	s.subsMu.Lock()
	s.subs[sub.ID()] = sub
	s.subsMu.Unlock()
}

// Unsubscribe removes a client.
func (s *SyncService) Unsubscribe(id string) {
	s.subsMu.Lock()
	delete(s.subs, id)
	s.subsMu.Unlock()
}

// Subscribers returns the number of connected clients.
func (s *SyncService) Subscribers() int {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	return len(s.subs)
}

// SendTo pushes a frame to one client.
func (s *SyncService) SendTo(id string, frame protocol.Frame) {
	s.subsMu.RLock()
	sub, ok := s.subs[id]
	s.subsMu.RUnlock()
	if !ok {
		s.logger.Debug("drop frame for departed client", "client_id", id, "type", frame.Type)
		return
	}
	if err := sub.Send(frame); err != nil {
		s.logger.Debug("send frame failed", "client_id", id, "type", frame.Type, "error", err)
	}
}

// Broadcast pushes a frame to every client.
func (s *SyncService) Broadcast(frame protocol.Frame) {
	s.BroadcastExcept("", frame)
}

// BroadcastExcept pushes a frame to every client but one.
func (s *SyncService) BroadcastExcept(exceptID string, frame protocol.Frame) {
	s.subsMu.RLock()
	targets := make([]Subscriber, 0, len(s.subs))
	for id, sub := range s.subs {
		if id == exceptID {
			continue
		}
		targets = append(targets, sub)
	}
	s.subsMu.RUnlock()

	for _, sub := range targets {
		if err := sub.Send(frame); err != nil {
			s.logger.Debug("broadcast frame failed", "client_id", sub.ID(), "type", frame.Type, "error", err)
		}
	}
}

// StatusFrame encodes the current SyncState.
func (s *SyncService) StatusFrame() protocol.Frame {
	frame, err := protocol.NewFrame(protocol.EventAuthStatus, s.Snapshot())
	if err != nil {
		s.logger.Error("encode status", "error", err)
		return protocol.ErrorFrame(s.messages.Text(msgUnexpected))
	}
	return frame
}

func (s *SyncService) broadcastStatus() {
	s.Broadcast(s.StatusFrame())
}

// Close cancels background operations and waits for them to finish.
func (s *SyncService) Close() {
	s.cancel()
	s.wg.Wait()
}
