package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/contaflux/contaflux/internal/banking"
	"github.com/contaflux/contaflux/internal/database"
	"github.com/contaflux/contaflux/internal/database/repository"
	"github.com/contaflux/contaflux/internal/vault"
)

// ErrSyncAlreadyRunning means another sync holds this connection's lock.
// The caller should skip, not queue.
var ErrSyncAlreadyRunning = errors.New("sync already running for this connection")

// SyncService pulls balances and transactions from providers into the
// local store. One sync per connection at a time; connections sync in
// parallel up to Workers.
type SyncService struct {
	DB           *sql.DB
	Connections  *repository.ConnectionRepo
	Transactions *repository.TransactionRepo
	Runs         *repository.SyncRunRepo
	Providers    *repository.ProviderRepo
	Tokens       *banking.TokenSource
	Gateway      banking.Gateway
	Bus          *EventBus
	Log          *zap.Logger

	DaysBack   int // default 30
	BatchSize  int // default 50
	Workers    int // default 4
	MaxSeconds int // wall-clock budget per run, default 300

	mu     sync.Mutex
	active map[string]struct{}
}

// SyncReport summarizes a fan-out over connections.
type SyncReport struct {
	Synced  int
	Skipped int
	Failed  int
	Errors  []error
}

// Sync runs one full synchronization for a connection: token, balance,
// then the transaction window in batches. The returned run carries final
// status and counts even when err is non-nil.
func (s *SyncService) Sync(ctx context.Context, connectionID string, daysBack int) (*repository.SyncRun, error) {
	return s.syncOne(ctx, connectionID, daysBack, "manual")
}

func (s *SyncService) syncOne(ctx context.Context, connectionID string, daysBack int, trigger string) (*repository.SyncRun, error) {
	if !s.acquire(connectionID) {
		return nil, ErrSyncAlreadyRunning
	}
	defer s.release(connectionID)

	conn, err := s.Connections.Get(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}
	if conn == nil {
		return nil, fmt.Errorf("connection %s not found", connectionID)
	}
	if conn.Status == "disabled" {
		return nil, fmt.Errorf("connection %s is disabled", connectionID)
	}
	activeProvider, err := s.Providers.Active(ctx, conn.ProviderCode)
	if err != nil {
		return nil, fmt.Errorf("check provider: %w", err)
	}
	if !activeProvider {
		return nil, &banking.ProviderNotFoundError{Code: conn.ProviderCode}
	}

	if daysBack <= 0 {
		daysBack = s.daysBack()
	}
	now := database.Now()
	windowStart := now.AddDate(0, 0, -daysBack)

	runID := uuid.NewString()
	if err := s.Runs.Insert(ctx, repository.SyncRun{
		ID:           runID,
		ConnectionID: conn.ID,
		TriggeredBy:  trigger,
		Status:       "running",
		WindowStart:  &windowStart,
		WindowEnd:    &now,
		StartedAt:    now,
	}); err != nil {
		return nil, fmt.Errorf("open sync run: %w", err)
	}

	log := s.logger().With(
		zap.String("connection_id", conn.ID),
		zap.String("provider", conn.ProviderCode),
		zap.String("account", conn.MaskedAccount()),
		zap.String("run_id", runID))
	log.Info("sync started",
		zap.Time("window_start", windowStart),
		zap.Time("window_end", now),
		zap.String("trigger", trigger))

	// the budget covers provider I/O only; bookkeeping below must still
	// run after a timeout, so it uses the caller's context
	workCtx, cancel := context.WithTimeout(ctx, s.budget())
	prog := &syncProgress{}
	syncErr := s.execute(workCtx, conn, windowStart, now, prog)
	cancel()

	status := "completed"
	var msg *string
	if syncErr != nil {
		status = "failed"
		if prog.committedBatches > 0 {
			status = "partial"
		}
		m := syncErr.Error()
		msg = &m
		// a rejected refresh already moved the connection to expired;
		// keep that status so re-consent shows up as the fix
		if !errors.Is(syncErr, banking.ErrInvalidGrant) {
			if err := s.Connections.SetError(ctx, conn.ID, m); err != nil {
				log.Error("flag connection error", zap.Error(err))
			}
		}
	} else if err := s.Connections.MarkSynced(ctx, conn.ID, now); err != nil {
		log.Error("mark connection synced", zap.Error(err))
	}
	if _, err := s.Runs.Finalize(ctx, runID, status, prog.fetched, prog.created, prog.updated, msg); err != nil {
		log.Error("finalize sync run", zap.Error(err))
	}

	run, err := s.Runs.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("reload sync run: %w", err)
	}
	if syncErr != nil {
		log.Warn("sync finished with errors",
			zap.String("status", status),
			zap.Int("fetched", prog.fetched),
			zap.Error(syncErr))
		return run, fmt.Errorf("sync connection %s: %w", connectionID, syncErr)
	}
	log.Info("sync completed",
		zap.Int("fetched", prog.fetched),
		zap.Int("created", prog.created),
		zap.Int("updated", prog.updated))
	return run, nil
}

// SyncAll fans out over every syncable connection, at most Workers at a
// time. A locked connection counts as skipped; individual failures never
// stop the others.
func (s *SyncService) SyncAll(ctx context.Context, daysBack int) (SyncReport, error) {
	conns, err := s.Connections.ListSyncable(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("list connections: %w", err)
	}

	var (
		mu     sync.Mutex
		report SyncReport
		g      errgroup.Group
	)
	g.SetLimit(s.workers())
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			_, err := s.syncOne(ctx, conn.ID, daysBack, "manual")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrSyncAlreadyRunning):
				report.Skipped++
			case err != nil:
				report.Failed++
				report.Errors = append(report.Errors, fmt.Errorf("connection %s: %w", conn.ID, err))
			default:
				report.Synced++
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

type syncProgress struct {
	fetched          int
	created          int
	updated          int
	committedBatches int
}

// execute performs the provider-facing part of one run. Counts in prog
// only ever reflect durably committed work.
func (s *SyncService) execute(ctx context.Context, conn *repository.Connection, from, to time.Time, prog *syncProgress) error {
	auth, err := connectionAuth(conn)
	if err != nil {
		return err
	}
	token, err := s.Tokens.AccessToken(ctx, auth)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}

	ref := banking.AccountRef{ProviderCode: conn.ProviderCode, ExternalAccountID: conn.ExternalAccountID}
	info, err := s.Gateway.Balance(ctx, token, ref)
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}
	if err := s.Connections.UpdateBalance(ctx, conn.ID, info.BalanceCents, info.AsOf); err != nil {
		return fmt.Errorf("store balance: %w", err)
	}
	s.publish(Event{
		Type:         EventBalanceUpdated,
		ConnectionID: conn.ID,
		BalanceCents: info.BalanceCents,
		At:           database.Now(),
	})

	page := 1
	for {
		pageData, err := s.Gateway.Transactions(ctx, token, ref, banking.TransactionQuery{
			From: from, To: to, Page: page, PageSize: s.batchSize(),
		})
		if err != nil {
			return fmt.Errorf("fetch transactions page %d: %w", page, err)
		}

		if len(pageData.Transactions) > 0 {
			batch := make([]repository.Transaction, 0, len(pageData.Transactions))
			for _, raw := range pageData.Transactions {
				batch = append(batch, transactionFromRaw(conn.ID, raw))
			}
			var results []repository.UpsertResult
			if err := database.WithTx(s.DB, func(tx *sql.Tx) error {
				var txErr error
				results, txErr = s.Transactions.UpsertBatch(ctx, tx, conn.ID, batch)
				return txErr
			}); err != nil {
				return fmt.Errorf("persist batch page %d: %w", page, err)
			}
			prog.committedBatches++
			prog.fetched += len(batch)
			for _, r := range results {
				if r.Created {
					prog.created++
				} else {
					prog.updated++
				}
				s.publish(Event{
					Type:          EventTransactionUpserted,
					ConnectionID:  conn.ID,
					TransactionID: r.TransactionID,
					Created:       r.Created,
					At:            database.Now(),
				})
			}
		}

		if pageData.TotalPages == 0 || page >= pageData.TotalPages {
			return nil
		}
		page++
	}
}

func (s *SyncService) acquire(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		s.active = make(map[string]struct{})
	}
	if _, busy := s.active[connectionID]; busy {
		return false
	}
	s.active[connectionID] = struct{}{}
	return true
}

func (s *SyncService) release(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, connectionID)
}

func (s *SyncService) publish(ev Event) {
	if s.Bus != nil {
		s.Bus.Publish(ev)
	}
}

func connectionAuth(conn *repository.Connection) (banking.ConnectionAuth, error) {
	auth := banking.ConnectionAuth{ID: conn.ID, ProviderCode: conn.ProviderCode}
	if conn.TokenExpiresAt != nil {
		auth.ExpiresAt = *conn.TokenExpiresAt
	}
	if conn.AccessToken != nil {
		tok, err := vault.Decode(*conn.AccessToken)
		if err != nil {
			return auth, fmt.Errorf("decode stored access token: %w", err)
		}
		auth.AccessToken = tok
	}
	if conn.RefreshToken != nil {
		tok, err := vault.Decode(*conn.RefreshToken)
		if err != nil {
			return auth, fmt.Errorf("decode stored refresh token: %w", err)
		}
		auth.RefreshToken = tok
	}
	return auth, nil
}

func transactionFromRaw(connectionID string, raw banking.RawTransaction) repository.Transaction {
	t := repository.Transaction{
		ID:                uuid.NewString(),
		ConnectionID:      connectionID,
		ExternalID:        raw.ExternalID,
		Type:              raw.Type,
		AmountCents:       raw.AmountCents,
		Currency:          raw.Currency,
		Description:       raw.Description,
		OccurredAt:        raw.OccurredAt,
		BalanceAfterCents: raw.BalanceAfterCents,
		Status:            "posted",
	}
	if raw.CounterpartName != "" {
		name := raw.CounterpartName
		t.CounterpartName = &name
	}
	if raw.CounterpartDocument != "" {
		doc := raw.CounterpartDocument
		t.CounterpartDocument = &doc
	}
	if raw.Reference != "" {
		ref := raw.Reference
		t.Reference = &ref
	}
	return t
}

func (s *SyncService) daysBack() int {
	if s.DaysBack > 0 {
		return s.DaysBack
	}
	return 30
}

func (s *SyncService) batchSize() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return 50
}

func (s *SyncService) workers() int {
	if s.Workers > 0 {
		return s.Workers
	}
	return 4
}

func (s *SyncService) budget() time.Duration {
	if s.MaxSeconds > 0 {
		return time.Duration(s.MaxSeconds) * time.Second
	}
	return 5 * time.Minute
}

func (s *SyncService) logger() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}
