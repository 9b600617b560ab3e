package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"drivesync/protocol"
)

type fakeBroker struct {
	mu          sync.Mutex
	tokens      TokenSet
	user        UserInfo
	exchangeErr error
	valid       bool
	refreshed   TokenSet
	refreshErr  error
	refreshes   int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		tokens: TokenSet{AccessToken: "access-1", RefreshToken: "refresh-1", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)},
		user:   UserInfo{Email: "ana@example.com", Name: "Ana", VerifiedEmail: true},
		valid:  true,
	}
}

func (b *fakeBroker) ExchangeCode(_ context.Context, code string) (TokenSet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exchangeErr != nil {
		return TokenSet{}, b.exchangeErr
	}
	if code == "" {
		return TokenSet{}, ErrAuthExchange
	}
	return b.tokens, nil
}

func (b *fakeBroker) FetchUserInfo(_ context.Context, _ TokenSet) (UserInfo, error) {
	return b.user, nil
}

func (b *fakeBroker) Verify(_ context.Context, _ TokenSet) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.valid
}

func (b *fakeBroker) Refresh(_ context.Context, _ TokenSet) (TokenSet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshes++
	if b.refreshErr != nil {
		return TokenSet{}, b.refreshErr
	}
	return b.refreshed, nil
}

func (b *fakeBroker) TokenSource(_ context.Context, tokens TokenSet, _ func(TokenSet)) (oauth2.TokenSource, error) {
	return oauth2.StaticTokenSource(tokens.oauth2Token()), nil
}

type memTokenStore struct {
	mu     sync.Mutex
	auth   *StoredAuth
	saves  int
	closed bool
}

func (s *memTokenStore) Load(context.Context) (StoredAuth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auth == nil {
		return StoredAuth{}, ErrNotFound
	}
	return *s.auth, nil
}

func (s *memTokenStore) Save(_ context.Context, auth StoredAuth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = &auth
	s.saves++
	return nil
}

func (s *memTokenStore) Delete(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = nil
	return nil
}

func (s *memTokenStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memTokenStore) stored() *StoredAuth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

// gatedTokenStore holds Save calls until release is closed once armed.
type gatedTokenStore struct {
	*memTokenStore
	armed   chan struct{}
	entered chan struct{}
	release chan struct{}
}

func newGatedTokenStore(inner *memTokenStore) *gatedTokenStore {
	return &gatedTokenStore{
		memTokenStore: inner,
		armed:         make(chan struct{}),
		entered:       make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
}

func (s *gatedTokenStore) Save(ctx context.Context, auth StoredAuth) error {
	select {
	case <-s.armed:
		s.entered <- struct{}{}
		<-s.release
	default:
	}
	return s.memTokenStore.Save(ctx, auth)
}

type fakeDatabase struct {
	mu        sync.Mutex
	contents  []byte
	snapshots int
}

func (d *fakeDatabase) Snapshot(context.Context) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshots++
	return io.NopCloser(bytes.NewReader(append([]byte(nil), d.contents...))), nil
}

func (d *fakeDatabase) Replace(_ context.Context, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contents = b
	return nil
}

func (d *fakeDatabase) snapshotCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshots
}

func (d *fakeDatabase) data() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.contents)
}

type fakeRemote struct {
	mu        sync.Mutex
	objects   []BackupObject
	blobs     map[string][]byte
	uploadErr error
	seq       int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{blobs: make(map[string][]byte)}
}

func (r *fakeRemote) Upload(_ context.Context, name string, body io.Reader) (BackupObject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.uploadErr != nil {
		return BackupObject{}, r.uploadErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return BackupObject{}, err
	}
	r.seq++
	obj := BackupObject{
		ID:        fmt.Sprintf("file-%d", r.seq),
		Name:      name,
		CreatedAt: time.Unix(int64(r.seq), 0),
		Size:      int64(len(data)),
	}
	r.objects = append(r.objects, obj)
	r.blobs[obj.ID] = data
	return obj, nil
}

func (r *fakeRemote) sorted() []BackupObject {
	out := append([]BackupObject(nil), r.objects...)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *fakeRemote) Latest(context.Context) (BackupObject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.objects) == 0 {
		return BackupObject{}, ErrNoBackup
	}
	return r.sorted()[0], nil
}

func (r *fakeRemote) Download(_ context.Context, id string) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.blobs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (r *fakeRemote) Prune(_ context.Context, keep int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sorted := r.sorted()
	if len(sorted) <= keep {
		return nil
	}
	for _, obj := range sorted[keep:] {
		delete(r.blobs, obj.ID)
	}
	r.objects = sorted[:keep]
	return nil
}

func (r *fakeRemote) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.objects))
	for _, obj := range r.objects {
		out = append(out, obj.Name)
	}
	return out
}

type recordingSubscriber struct {
	id     string
	frames chan protocol.Frame
}

func newRecordingSubscriber(id string) *recordingSubscriber {
	return &recordingSubscriber{id: id, frames: make(chan protocol.Frame, 64)}
}

func (s *recordingSubscriber) ID() string { return s.id }

func (s *recordingSubscriber) Send(frame protocol.Frame) error {
	select {
	case s.frames <- frame:
	default:
	}
	return nil
}

// waitFor reads frames until one of the wanted type arrives, returning it and
// every frame type seen before it.
func (s *recordingSubscriber) waitFor(t *testing.T, eventType string) (protocol.Frame, []string) {
	t.Helper()
	var seen []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case frame := <-s.frames:
			if frame.Type == eventType {
				return frame, seen
			}
			seen = append(seen, frame.Type)
		case <-timeout:
			t.Fatalf("%s: timed out waiting for %q, saw %v", s.id, eventType, seen)
			return protocol.Frame{}, nil
		}
	}
}

// drain returns the types of every frame already queued.
func (s *recordingSubscriber) drain() []string {
	var seen []string
	for {
		select {
		case frame := <-s.frames:
			seen = append(seen, frame.Type)
		default:
			return seen
		}
	}
}

type syncFixture struct {
	svc    *SyncService
	broker *fakeBroker
	store  *memTokenStore
	db     *fakeDatabase
	remote *fakeRemote
	sealer *TokenSealer
	states *StateIssuer
	creds  *CredentialProvider
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, keySize)
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	sealer, err := NewTokenSealer(testKey(7))
	if err != nil {
		t.Fatalf("NewTokenSealer: %v", err)
	}
	f := &syncFixture{
		broker: newFakeBroker(),
		store:  &memTokenStore{},
		db:     &fakeDatabase{contents: []byte("local-data")},
		remote: newFakeRemote(),
		sealer: sealer,
		states: NewStateIssuer(testKey(9), time.Minute, NewInMemoryStore()),
	}
	f.creds = NewCredentialProviderFrom(Credentials{ClientID: "id", ClientSecret: "secret"}, "http://127.0.0.1:3001")
	f.svc = NewSyncService(SyncDeps{
		Credentials: f.creds,
		Broker:      f.broker,
		States:      f.states,
		Store:       f.store,
		Sealer:      sealer,
		Database:    f.db,
		Remotes: func(context.Context, oauth2.TokenSource) (BackupRemote, error) {
			return f.remote, nil
		},
		Messages: NewMessages("es"),
		Logger:   testLogger(),
		Drive:    DriveConfig{FolderName: "backups", BackupPrefix: "backup-", MaxBackups: 2},
		Debounce: 50 * time.Millisecond,
	})
	t.Cleanup(f.svc.Close)
	return f
}

// connect completes an OAuth round trip against the fake broker.
func (f *syncFixture) connect(t *testing.T) {
	t.Helper()
	state, err := f.states.Issue("client-a")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := f.svc.CompleteAuth(context.Background(), "good-code", state); err != nil {
		t.Fatalf("CompleteAuth: %v", err)
	}
}
