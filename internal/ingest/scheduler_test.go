package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/crescent-systems/mailharvest/internal/models"
	"github.com/crescent-systems/mailharvest/internal/store"
	"github.com/crescent-systems/mailharvest/internal/token"
)

const testHeader = "From: carol@sender.example\r\n" +
	"To: %s\r\n" +
	"Subject: test message\r\n" +
	"\r\n"

type mockCredStore struct {
	mu    sync.Mutex
	creds []models.TenantCredential
	saved map[string]models.TenantCredential

	listErr error
	saveErr error
}

func newMockCredStore(creds ...models.TenantCredential) *mockCredStore {
	return &mockCredStore{creds: creds, saved: make(map[string]models.TenantCredential)}
}

func (m *mockCredStore) ListAll(_ context.Context) ([]models.TenantCredential, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.creds, nil
}

func (m *mockCredStore) Get(_ context.Context, sessionID string) (*models.TenantCredential, error) {
	for _, c := range m.creds {
		if c.SessionID == sessionID {
			return &c, nil
		}
	}
	return nil, store.ErrCredentialNotFound
}

func (m *mockCredStore) Create(_ context.Context, cred models.TenantCredential) (*models.TenantCredential, error) {
	m.creds = append(m.creds, cred)
	return &cred, nil
}

func (m *mockCredStore) Save(_ context.Context, sessionID string, cred models.TenantCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved[sessionID] = cred
	return nil
}

func (m *mockCredStore) Delete(_ context.Context, _ string) error { return nil }

type mockTokens struct {
	expired    bool
	pair       models.TokenPair
	refreshErr error

	mu        sync.Mutex
	refreshed []string
}

func (m *mockTokens) IsExpired(_ int64) bool { return m.expired }

func (m *mockTokens) Refresh(_ context.Context, refreshToken string) (models.TokenPair, error) {
	m.mu.Lock()
	m.refreshed = append(m.refreshed, refreshToken)
	m.mu.Unlock()
	if m.refreshErr != nil {
		return models.TokenPair{}, m.refreshErr
	}
	return m.pair, nil
}

type mockSession struct {
	mailAddress string
	uids        []uint32
	searchErr   error
	fetchErr    map[uint32]error

	mu     sync.Mutex
	seen   []uint32
	closed bool
}

func (m *mockSession) SearchUnseen() ([]uint32, error) {
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	return m.uids, nil
}

func (m *mockSession) Fetch(uid uint32) (*models.RawMessagePart, error) {
	if err := m.fetchErr[uid]; err != nil {
		return nil, err
	}
	return &models.RawMessagePart{
		UID:         uid,
		HeaderBytes: []byte(fmt.Sprintf(testHeader, m.mailAddress)),
		BodyBytes:   []byte(fmt.Sprintf("message body %d\r\n", uid)),
	}, nil
}

func (m *mockSession) MarkSeen(uid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, uid)
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type mockDialer struct {
	mu       sync.Mutex
	sessions map[string]MailboxSession
	dialErr  map[string]error
	dialedAs map[string]string
}

func newMockDialer() *mockDialer {
	return &mockDialer{
		sessions: make(map[string]MailboxSession),
		dialErr:  make(map[string]error),
		dialedAs: make(map[string]string),
	}
}

func (m *mockDialer) addSession(mailAddress string, uids ...uint32) *mockSession {
	s := &mockSession{mailAddress: mailAddress, uids: uids}
	m.sessions[mailAddress] = s
	return s
}

func (m *mockDialer) Dial(_ context.Context, mailAddress, accessToken string) (MailboxSession, error) {
	m.mu.Lock()
	m.dialedAs[mailAddress] = accessToken
	m.mu.Unlock()
	if err := m.dialErr[mailAddress]; err != nil {
		return nil, err
	}
	s, ok := m.sessions[mailAddress]
	if !ok {
		return nil, fmt.Errorf("no session configured for %s", mailAddress)
	}
	return s, nil
}

type mockSink struct {
	mu       sync.Mutex
	stored   []*models.NormalizedEmail
	failUIDs map[uint32]error
}

func (m *mockSink) Store(_ context.Context, email *models.NormalizedEmail) error {
	if err := m.failUIDs[email.MessageUID]; err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = append(m.stored, email)
	return nil
}

type mockArchive struct {
	mu     sync.Mutex
	puts   map[string][]byte
	putErr error
}

func newMockArchive() *mockArchive {
	return &mockArchive{puts: make(map[string][]byte)}
}

func (m *mockArchive) Put(_ context.Context, mailAddress string, uid uint32, raw []byte) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts[fmt.Sprintf("%s/%d", mailAddress, uid)] = raw
	return nil
}

func (m *mockArchive) Get(_ context.Context, _ string, _ uint32) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (m *mockArchive) Delete(_ context.Context, _ string, _ uint32) error { return nil }

// flaggedSession keeps server-side flag state across ticks: a UID marked
// seen stops showing up in later unseen searches.
type flaggedSession struct {
	mailAddress string

	mu   sync.Mutex
	uids []uint32
	seen map[uint32]bool
}

func newFlaggedSession(mailAddress string, uids ...uint32) *flaggedSession {
	return &flaggedSession{mailAddress: mailAddress, uids: uids, seen: make(map[uint32]bool)}
}

func (s *flaggedSession) SearchUnseen() ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var unseen []uint32
	for _, uid := range s.uids {
		if !s.seen[uid] {
			unseen = append(unseen, uid)
		}
	}
	return unseen, nil
}

func (s *flaggedSession) Fetch(uid uint32) (*models.RawMessagePart, error) {
	return &models.RawMessagePart{
		UID:         uid,
		HeaderBytes: []byte(fmt.Sprintf(testHeader, s.mailAddress)),
		BodyBytes:   []byte(fmt.Sprintf("message body %d\r\n", uid)),
	}, nil
}

func (s *flaggedSession) MarkSeen(uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[uid] = true
	return nil
}

func (s *flaggedSession) Close() error { return nil }

func validCred(sessionID, mailAddress string) models.TenantCredential {
	return models.TenantCredential{
		SessionID:      sessionID,
		MailAddress:    mailAddress,
		AccessToken:    "access-" + sessionID,
		RefreshToken:   "refresh-" + sessionID,
		ExpiresAtMilli: time.Now().Add(time.Hour).UnixMilli(),
	}
}

func TestTick_IngestsUnseenMessages(t *testing.T) {
	creds := newMockCredStore(validCred("s1", "alice@example.com"))
	dialer := newMockDialer()
	session := dialer.addSession("alice@example.com", 10, 11)
	emailSink := &mockSink{}

	s := NewScheduler(creds, &mockTokens{}, dialer, emailSink, nil, SchedulerOptions{})
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(emailSink.stored) != 2 {
		t.Fatalf("expected 2 stored emails, got %d", len(emailSink.stored))
	}
	if emailSink.stored[0].MessageUID != 10 || emailSink.stored[1].MessageUID != 11 {
		t.Errorf("unexpected UIDs: %d, %d", emailSink.stored[0].MessageUID, emailSink.stored[1].MessageUID)
	}
	for _, email := range emailSink.stored {
		if email.TenantMailAddress != "alice@example.com" {
			t.Errorf("wrong tenant attribution %q", email.TenantMailAddress)
		}
	}
	if len(session.seen) != 2 {
		t.Errorf("expected both messages marked seen, got %v", session.seen)
	}
	if !session.closed {
		t.Error("session should be closed after sweep")
	}
}

func TestTick_SinkFailureLeavesMessageUnseen(t *testing.T) {
	creds := newMockCredStore(validCred("s1", "alice@example.com"))
	dialer := newMockDialer()
	session := dialer.addSession("alice@example.com", 10, 11)
	emailSink := &mockSink{failUIDs: map[uint32]error{10: errors.New("index unavailable")}}

	s := NewScheduler(creds, &mockTokens{}, dialer, emailSink, nil, SchedulerOptions{})
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(session.seen) != 1 || session.seen[0] != 11 {
		t.Errorf("only UID 11 should be marked seen, got %v", session.seen)
	}
	if len(emailSink.stored) != 1 || emailSink.stored[0].MessageUID != 11 {
		t.Errorf("only UID 11 should reach the sink")
	}
}

func TestTick_FetchFailureDoesNotStopSweep(t *testing.T) {
	creds := newMockCredStore(validCred("s1", "alice@example.com"))
	dialer := newMockDialer()
	session := dialer.addSession("alice@example.com", 10, 11, 12)
	session.fetchErr = map[uint32]error{11: errors.New("connection reset")}
	emailSink := &mockSink{}

	s := NewScheduler(creds, &mockTokens{}, dialer, emailSink, nil, SchedulerOptions{})
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(emailSink.stored) != 2 {
		t.Fatalf("expected UIDs 10 and 12 stored, got %d emails", len(emailSink.stored))
	}
	if len(session.seen) != 2 {
		t.Errorf("expected 2 seen, got %v", session.seen)
	}
}

func TestTick_TenantFaultIsolation(t *testing.T) {
	creds := newMockCredStore(
		validCred("s1", "alice@example.com"),
		validCred("s2", "broken@example.com"),
		validCred("s3", "carol@example.com"),
	)
	dialer := newMockDialer()
	dialer.addSession("alice@example.com", 1)
	dialer.addSession("carol@example.com", 2)
	dialer.dialErr["broken@example.com"] = errors.New("auth failed")
	emailSink := &mockSink{}

	s := NewScheduler(creds, &mockTokens{}, dialer, emailSink, nil, SchedulerOptions{TenantWorkers: 2})
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(emailSink.stored) != 2 {
		t.Fatalf("healthy tenants should complete, got %d emails", len(emailSink.stored))
	}
}

func TestTick_RefreshesExpiredToken(t *testing.T) {
	cred := validCred("s1", "alice@example.com")
	cred.ExpiresAtMilli = time.Now().Add(-time.Hour).UnixMilli()
	creds := newMockCredStore(cred)

	tokens := &mockTokens{
		expired: true,
		pair: models.TokenPair{
			AccessToken:    "A2",
			RefreshToken:   "R2",
			ExpiresAtMilli: time.Now().Add(time.Hour).UnixMilli(),
		},
	}
	dialer := newMockDialer()
	dialer.addSession("alice@example.com")

	s := NewScheduler(creds, tokens, dialer, &mockSink{}, nil, SchedulerOptions{})
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(tokens.refreshed) != 1 || tokens.refreshed[0] != "refresh-s1" {
		t.Errorf("expected one refresh with the stored refresh token, got %v", tokens.refreshed)
	}
	saved, ok := creds.saved["s1"]
	if !ok {
		t.Fatal("refreshed credential should be persisted")
	}
	if saved.AccessToken != "A2" || saved.RefreshToken != "R2" {
		t.Errorf("saved credential should carry the new pair, got %+v", saved)
	}
	if dialer.dialedAs["alice@example.com"] != "A2" {
		t.Errorf("dial should use the refreshed access token, got %q", dialer.dialedAs["alice@example.com"])
	}
}

func TestTick_RefreshRejectionSkipsTenant(t *testing.T) {
	cred := validCred("s1", "alice@example.com")
	creds := newMockCredStore(cred, validCred("s2", "bob@example.com"))

	tokens := &mockTokens{
		expired:    true,
		refreshErr: &token.RefreshError{StatusCode: 400, Body: `{"error":"invalid_grant"}`},
	}
	dialer := newMockDialer()

	s := NewScheduler(creds, tokens, dialer, &mockSink{}, nil, SchedulerOptions{})
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(dialer.dialedAs) != 0 {
		t.Errorf("no mailbox should be dialed after refresh rejection, got %v", dialer.dialedAs)
	}
	if len(creds.saved) != 0 {
		t.Errorf("nothing should be persisted after refresh rejection")
	}
}

func TestTick_SaveFailureStillSyncsWithFreshToken(t *testing.T) {
	cred := validCred("s1", "alice@example.com")
	creds := newMockCredStore(cred)
	creds.saveErr = errors.New("database down")

	tokens := &mockTokens{
		expired: true,
		pair:    models.TokenPair{AccessToken: "A2", ExpiresAtMilli: time.Now().Add(time.Hour).UnixMilli()},
	}
	dialer := newMockDialer()
	session := dialer.addSession("alice@example.com", 5)
	emailSink := &mockSink{}

	s := NewScheduler(creds, tokens, dialer, emailSink, nil, SchedulerOptions{})
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if dialer.dialedAs["alice@example.com"] != "A2" {
		t.Errorf("tick should continue with the in-memory refreshed token")
	}
	if len(emailSink.stored) != 1 || len(session.seen) != 1 {
		t.Error("sweep should complete despite the persistence failure")
	}
}

func TestTick_ArchivesRawMessage(t *testing.T) {
	creds := newMockCredStore(validCred("s1", "alice@example.com"))
	dialer := newMockDialer()
	dialer.addSession("alice@example.com", 7)
	arch := newMockArchive()

	s := NewScheduler(creds, &mockTokens{}, dialer, &mockSink{}, arch, SchedulerOptions{})
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	raw, ok := arch.puts["alice@example.com/7"]
	if !ok {
		t.Fatal("raw message should be archived")
	}
	if len(raw) == 0 {
		t.Error("archived payload should not be empty")
	}
}

func TestTick_ArchiveFailureDoesNotBlockSink(t *testing.T) {
	creds := newMockCredStore(validCred("s1", "alice@example.com"))
	dialer := newMockDialer()
	session := dialer.addSession("alice@example.com", 7)
	arch := newMockArchive()
	arch.putErr = errors.New("bucket gone")
	emailSink := &mockSink{}

	s := NewScheduler(creds, &mockTokens{}, dialer, emailSink, arch, SchedulerOptions{})
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(emailSink.stored) != 1 || len(session.seen) != 1 {
		t.Error("archive failure must not stop delivery to the sink")
	}
}

func TestTick_SeenMessagesDoNotReappearNextTick(t *testing.T) {
	creds := newMockCredStore(validCred("s1", "alice@example.com"))
	dialer := newMockDialer()
	session := newFlaggedSession("alice@example.com", 10, 11)
	dialer.sessions["alice@example.com"] = session
	emailSink := &mockSink{}

	s := NewScheduler(creds, &mockTokens{}, dialer, emailSink, nil, SchedulerOptions{})
	for i := 0; i < 2; i++ {
		if err := s.Tick(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i+1, err)
		}
	}

	if len(emailSink.stored) != 2 {
		t.Fatalf("each message should be ingested exactly once across ticks, got %d", len(emailSink.stored))
	}
	counts := make(map[uint32]int)
	for _, email := range emailSink.stored {
		counts[email.MessageUID]++
	}
	if counts[10] != 1 || counts[11] != 1 {
		t.Errorf("unexpected ingestion counts: %v", counts)
	}
}

func TestTick_FailedSinkWriteRetriedNextTick(t *testing.T) {
	creds := newMockCredStore(validCred("s1", "alice@example.com"))
	dialer := newMockDialer()
	session := newFlaggedSession("alice@example.com", 10, 11)
	dialer.sessions["alice@example.com"] = session
	emailSink := &mockSink{failUIDs: map[uint32]error{10: errors.New("index unavailable")}}

	s := NewScheduler(creds, &mockTokens{}, dialer, emailSink, nil, SchedulerOptions{})
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if len(emailSink.stored) != 1 || emailSink.stored[0].MessageUID != 11 {
		t.Fatalf("first tick should only deliver UID 11, got %v", emailSink.stored)
	}

	// The index recovers; the unseen message must come back around.
	delete(emailSink.failUIDs, 10)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	if len(emailSink.stored) != 2 || emailSink.stored[1].MessageUID != 10 {
		t.Fatalf("second tick should redeliver UID 10, got %v", emailSink.stored)
	}
	if !session.seen[10] || !session.seen[11] {
		t.Errorf("both messages should end up seen, got %v", session.seen)
	}
}

func TestTick_OverlapReturnsErrTickInProgress(t *testing.T) {
	creds := newMockCredStore()
	s := NewScheduler(creds, &mockTokens{}, newMockDialer(), &mockSink{}, nil, SchedulerOptions{})

	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if err := s.Tick(context.Background()); !errors.Is(err, ErrTickInProgress) {
		t.Fatalf("expected ErrTickInProgress, got %v", err)
	}
}

func TestTick_ListFailure(t *testing.T) {
	creds := newMockCredStore()
	creds.listErr = errors.New("database down")
	s := NewScheduler(creds, &mockTokens{}, newMockDialer(), &mockSink{}, nil, SchedulerOptions{})

	if err := s.Tick(context.Background()); err == nil {
		t.Fatal("expected error when credential listing fails")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	creds := newMockCredStore()
	s := NewScheduler(creds, &mockTokens{}, newMockDialer(), &mockSink{}, nil, SchedulerOptions{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
