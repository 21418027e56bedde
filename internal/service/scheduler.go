package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/contaflux/contaflux/internal/banking"
	"github.com/contaflux/contaflux/internal/database"
	"github.com/contaflux/contaflux/internal/database/repository"
)

// Notifier delivers alerts raised by background jobs.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Scheduler drives the recurring jobs: periodic syncs with retry,
// sync-run retention cleanup, and low balance alerts.
type Scheduler struct {
	Sync        *SyncService
	Runs        *repository.SyncRunRepo
	Connections *repository.ConnectionRepo
	Notifier    Notifier
	Log         *zap.Logger

	SyncSpec        string        // default "@every 30m"
	CleanupSpec     string        // default "0 3 * * *"
	RetentionDays   int           // default 30
	LowBalanceCents int64         // default 100000 (R$ 1000)
	RetryDelay      time.Duration // initial backoff, default 1m

	cron *cron.Cron
}

// Start registers the jobs and launches the cron loop. Jobs stop firing
// once ctx is done, but call Stop to wait for in-flight jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	c := cron.New()

	if _, err := c.AddFunc(s.syncSpec(), func() {
		if ctx.Err() != nil {
			return
		}
		report, err := s.RunDueSyncs(ctx)
		if err != nil {
			s.logger().Error("scheduled sync", zap.Error(err))
			return
		}
		if report.Synced+report.Failed > 0 {
			s.logger().Info("scheduled sync finished",
				zap.Int("synced", report.Synced),
				zap.Int("skipped", report.Skipped),
				zap.Int("failed", report.Failed))
		}
	}); err != nil {
		return fmt.Errorf("schedule sync job: %w", err)
	}

	if _, err := c.AddFunc(s.syncSpec(), func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.ScanLowBalances(ctx); err != nil {
			s.logger().Error("low balance scan", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule balance job: %w", err)
	}

	if _, err := c.AddFunc(s.cleanupSpec(), func() {
		if ctx.Err() != nil {
			return
		}
		deleted, err := s.CleanupRuns(ctx)
		if err != nil {
			s.logger().Error("sync run cleanup", zap.Error(err))
			return
		}
		if deleted > 0 {
			s.logger().Info("old sync runs deleted", zap.Int64("deleted", deleted))
		}
	}); err != nil {
		return fmt.Errorf("schedule cleanup job: %w", err)
	}

	s.cron = c
	c.Start()
	s.logger().Info("scheduler started",
		zap.String("sync_spec", s.syncSpec()),
		zap.String("cleanup_spec", s.cleanupSpec()))
	return nil
}

// Stop halts the cron loop and waits for running jobs to return.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// RunDueSyncs syncs every connection whose sync interval has elapsed,
// retrying transient provider failures with exponential backoff.
func (s *Scheduler) RunDueSyncs(ctx context.Context) (SyncReport, error) {
	conns, err := s.Connections.ListSyncable(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("list syncable connections: %w", err)
	}
	now := database.Now()

	var (
		mu     sync.Mutex
		report SyncReport
		g      errgroup.Group
	)
	g.SetLimit(s.workers())
	for _, conn := range conns {
		if !syncDue(conn, now) {
			continue
		}
		id := conn.ID
		g.Go(func() error {
			err := s.syncWithRetry(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrSyncAlreadyRunning):
				report.Skipped++
			case err != nil:
				report.Failed++
				report.Errors = append(report.Errors, fmt.Errorf("connection %s: %w", id, err))
			default:
				report.Synced++
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

// syncWithRetry attempts a sync up to three times. Rate limit waits
// honor the provider's Retry-After when it exceeds the backoff.
func (s *Scheduler) syncWithRetry(ctx context.Context, connectionID string) error {
	delay := s.retryDelay()
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		_, err = s.Sync.syncOne(ctx, connectionID, 0, "scheduled")
		if err == nil || errors.Is(err, ErrSyncAlreadyRunning) || !banking.Retryable(err) {
			return err
		}
		if attempt == 3 {
			break
		}
		wait := delay
		var rateLimited *banking.RateLimitError
		if errors.As(err, &rateLimited) && rateLimited.RetryAfter > wait {
			wait = rateLimited.RetryAfter
		}
		s.logger().Warn("sync attempt failed, retrying",
			zap.String("connection_id", connectionID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
	return err
}

// CleanupRuns deletes sync run rows older than the retention window.
func (s *Scheduler) CleanupRuns(ctx context.Context) (int64, error) {
	cutoff := database.Now().AddDate(0, 0, -s.retentionDays())
	return s.Runs.DeleteOlderThan(ctx, cutoff)
}

// ScanLowBalances alerts once per scan for every connection whose last
// known balance sits under the threshold.
func (s *Scheduler) ScanLowBalances(ctx context.Context) (int, error) {
	conns, err := s.Connections.ListSyncable(ctx)
	if err != nil {
		return 0, fmt.Errorf("list connections: %w", err)
	}
	notified := 0
	for _, conn := range conns {
		if conn.BalanceCents == nil || *conn.BalanceCents >= s.lowBalanceCents() {
			continue
		}
		subject := fmt.Sprintf("Saldo baixo na conta %s", conn.MaskedAccount())
		body := fmt.Sprintf("A conta %s (%s) está com saldo de R$ %.2f, abaixo do limite de R$ %.2f.",
			conn.MaskedAccount(), conn.ProviderCode,
			float64(*conn.BalanceCents)/100, float64(s.lowBalanceCents())/100)
		if err := s.notifier().Notify(ctx, subject, body); err != nil {
			s.logger().Warn("low balance notification",
				zap.String("connection_id", conn.ID), zap.Error(err))
			continue
		}
		notified++
	}
	return notified, nil
}

// syncDue reports whether the connection's interval has elapsed. Never
// synced connections are always due.
func syncDue(conn repository.Connection, now time.Time) bool {
	if conn.LastSyncedAt == nil {
		return true
	}
	freq := conn.SyncFrequencyHours
	if freq <= 0 {
		freq = 4
	}
	return now.Sub(*conn.LastSyncedAt) >= time.Duration(freq)*time.Hour
}

func (s *Scheduler) syncSpec() string {
	if s.SyncSpec != "" {
		return s.SyncSpec
	}
	return "@every 30m"
}

func (s *Scheduler) cleanupSpec() string {
	if s.CleanupSpec != "" {
		return s.CleanupSpec
	}
	return "0 3 * * *"
}

func (s *Scheduler) retentionDays() int {
	if s.RetentionDays > 0 {
		return s.RetentionDays
	}
	return 30
}

func (s *Scheduler) lowBalanceCents() int64 {
	if s.LowBalanceCents > 0 {
		return s.LowBalanceCents
	}
	return 100000
}

func (s *Scheduler) retryDelay() time.Duration {
	if s.RetryDelay > 0 {
		return s.RetryDelay
	}
	return time.Minute
}

func (s *Scheduler) workers() int {
	if s.Sync != nil && s.Sync.Workers > 0 {
		return s.Sync.Workers
	}
	return 4
}

func (s *Scheduler) notifier() Notifier {
	if s.Notifier != nil {
		return s.Notifier
	}
	return logNotifier{log: s.logger()}
}

func (s *Scheduler) logger() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

// logNotifier is the default sink when no real channel is configured.
type logNotifier struct{ log *zap.Logger }

func (n logNotifier) Notify(_ context.Context, subject, body string) error {
	n.log.Warn("notification", zap.String("subject", subject), zap.String("body", body))
	return nil
}
