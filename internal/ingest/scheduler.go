// Package ingest drives the periodic mailbox sweep: every tick it walks
// all stored tenant credentials, refreshes tokens that have lapsed, opens
// a mailbox session per tenant and moves unseen messages through
// normalization into the sink.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crescent-systems/mailharvest/internal/archive"
	"github.com/crescent-systems/mailharvest/internal/mailbox"
	"github.com/crescent-systems/mailharvest/internal/models"
	"github.com/crescent-systems/mailharvest/internal/normalize"
	"github.com/crescent-systems/mailharvest/internal/sink"
	"github.com/crescent-systems/mailharvest/internal/store"
	"github.com/crescent-systems/mailharvest/internal/token"
)

// ErrTickInProgress is returned when a tick is requested while the
// previous one is still running. The requester skips; the running tick
// already covers the same tenants.
var ErrTickInProgress = errors.New("ingestion tick already in progress")

// TokenSource decides token expiry and performs refresh exchanges.
type TokenSource interface {
	IsExpired(expiresAtMilli int64) bool
	Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error)
}

// MailboxSession is one authenticated, selected connection for one tenant.
type MailboxSession interface {
	SearchUnseen() ([]uint32, error)
	Fetch(uid uint32) (*models.RawMessagePart, error)
	MarkSeen(uid uint32) error
	Close() error
}

// MailboxDialer opens a session for a tenant's mailbox.
type MailboxDialer interface {
	Dial(ctx context.Context, mailAddress, accessToken string) (MailboxSession, error)
}

// DialerFunc adapts a dial function to the MailboxDialer interface.
type DialerFunc func(ctx context.Context, mailAddress, accessToken string) (MailboxSession, error)

func (f DialerFunc) Dial(ctx context.Context, mailAddress, accessToken string) (MailboxSession, error) {
	return f(ctx, mailAddress, accessToken)
}

type SchedulerOptions struct {
	// Interval between sweep ticks. Defaults to one minute.
	Interval time.Duration
	// TenantWorkers bounds how many tenants sync concurrently within one
	// tick. Defaults to 1 (strictly sequential).
	TenantWorkers int
}

// Scheduler owns the tick loop. A tick never overlaps a previous one and
// every failure is contained to the tenant or message it belongs to.
type Scheduler struct {
	creds   store.CredentialStore
	tokens  TokenSource
	dialer  MailboxDialer
	sink    sink.Sink
	archive archive.Store

	interval time.Duration
	workers  int

	tickMu sync.Mutex
}

func NewScheduler(creds store.CredentialStore, tokens TokenSource, dialer MailboxDialer, emailSink sink.Sink, archiveStore archive.Store, opts SchedulerOptions) *Scheduler {
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	workers := opts.TenantWorkers
	if workers < 1 {
		workers = 1
	}

	return &Scheduler{
		creds:    creds,
		tokens:   tokens,
		dialer:   dialer,
		sink:     emailSink,
		archive:  archiveStore,
		interval: interval,
		workers:  workers,
	}
}

// Run ticks immediately, then on every interval until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil && !errors.Is(err, ErrTickInProgress) {
			slog.Error("ingestion tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick sweeps all tenants once. If a previous tick is still running it
// returns ErrTickInProgress without doing any work, so a slow mailbox can
// never stack overlapping sweeps.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.tickMu.TryLock() {
		slog.Warn("skipping ingestion tick, previous tick still running")
		return ErrTickInProgress
	}
	defer s.tickMu.Unlock()

	creds, err := s.creds.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list tenant credentials: %w", err)
	}

	started := time.Now()
	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup

	for _, cred := range creds {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(cred models.TenantCredential) {
			defer wg.Done()
			defer func() { <-sem }()
			s.syncTenant(ctx, cred)
		}(cred)
	}
	wg.Wait()

	slog.Info("ingestion tick complete", "tenants", len(creds), "duration", time.Since(started))
	return nil
}

// syncTenant runs the whole flow for one tenant. Errors are logged, never
// returned: one broken tenant must not affect the rest of the tick.
func (s *Scheduler) syncTenant(ctx context.Context, cred models.TenantCredential) {
	log := slog.With("mail_address", cred.MailAddress)

	if s.tokens.IsExpired(cred.ExpiresAtMilli) {
		pair, err := s.tokens.Refresh(ctx, cred.RefreshToken)
		if err != nil {
			var refreshErr *token.RefreshError
			if errors.As(err, &refreshErr) {
				log.Warn("token refresh rejected, skipping tenant", "status", refreshErr.StatusCode)
			} else {
				log.Warn("token refresh failed, skipping tenant", "error", err)
			}
			return
		}

		cred.ApplyTokenPair(pair)
		if err := s.creds.Save(ctx, cred.SessionID, cred); err != nil {
			// The refreshed pair is still valid; use it for this tick and
			// retry persistence on the next refresh.
			log.Error("failed to persist refreshed tokens", "error", err)
		}
	}

	session, err := s.dialer.Dial(ctx, cred.MailAddress, cred.AccessToken)
	if err != nil {
		var connErr *mailbox.ConnectError
		if errors.As(err, &connErr) {
			log.Warn("mailbox connect failed, skipping tenant", "error", connErr.Err)
		} else {
			log.Warn("mailbox connect failed, skipping tenant", "error", err)
		}
		return
	}
	defer session.Close()

	uids, err := session.SearchUnseen()
	if err != nil {
		log.Warn("unseen search failed, skipping tenant", "error", err)
		return
	}
	if len(uids) == 0 {
		return
	}

	ingested := 0
	for _, uid := range uids {
		if ctx.Err() != nil {
			return
		}
		if err := s.ingestMessage(ctx, session, cred.MailAddress, uid); err != nil {
			log.Warn("message ingestion failed, leaving unseen", "uid", uid, "error", err)
			continue
		}
		ingested++
	}

	log.Info("mailbox sweep complete", "unseen", len(uids), "ingested", ingested)
}

// ingestMessage moves one message through fetch, normalize, archive and
// sink, and marks it seen only once the sink has accepted it. Returning an
// error leaves the message unseen for the next tick.
func (s *Scheduler) ingestMessage(ctx context.Context, session MailboxSession, mailAddress string, uid uint32) error {
	part, err := session.Fetch(uid)
	if err != nil {
		return err
	}

	email, err := normalize.Email(mailAddress, part)
	if err != nil {
		return err
	}

	if s.archive != nil {
		raw := make([]byte, 0, len(part.HeaderBytes)+len(part.BodyBytes))
		raw = append(raw, part.HeaderBytes...)
		raw = append(raw, part.BodyBytes...)
		if err := s.archive.Put(ctx, mailAddress, uid, raw); err != nil {
			// Best effort: the parsed record still goes to the sink.
			slog.Warn("raw message archive failed", "mail_address", mailAddress, "uid", uid, "error", err)
		}
	}

	if err := s.sink.Store(ctx, email); err != nil {
		return err
	}

	if err := session.MarkSeen(uid); err != nil {
		return fmt.Errorf("sink accepted UID %d but seen flag not set: %w", uid, err)
	}
	return nil
}
