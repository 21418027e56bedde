package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/contaflux/contaflux/internal/banking"
	"github.com/contaflux/contaflux/internal/database"
	"github.com/contaflux/contaflux/internal/database/repository"
	"github.com/contaflux/contaflux/internal/vault"
)

// downGateway refuses every call and counts the attempts.
type downGateway struct {
	mu    sync.Mutex
	calls int
}

func (g *downGateway) Balance(ctx context.Context, token string, ref banking.AccountRef) (banking.AccountInfo, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return banking.AccountInfo{}, banking.ErrProviderUnavailable
}

func (g *downGateway) Transactions(ctx context.Context, token string, ref banking.AccountRef, q banking.TransactionQuery) (banking.TransactionPage, error) {
	return banking.TransactionPage{}, banking.ErrProviderUnavailable
}

func (g *downGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// captureNotifier records notifications instead of sending them.
type captureNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *captureNotifier) Notify(_ context.Context, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, subject+": "+body)
	return nil
}

func (n *captureNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

func TestSyncDueIntervals(t *testing.T) {
	t.Parallel()

	now := database.Now()
	past := func(d time.Duration) *time.Time {
		at := now.Add(-d)
		return &at
	}
	cases := []struct {
		name string
		conn repository.Connection
		want bool
	}{
		{"never synced", repository.Connection{SyncFrequencyHours: 4}, true},
		{"synced recently", repository.Connection{SyncFrequencyHours: 4, LastSyncedAt: past(time.Hour)}, false},
		{"interval elapsed", repository.Connection{SyncFrequencyHours: 4, LastSyncedAt: past(5 * time.Hour)}, true},
		{"exactly at interval", repository.Connection{SyncFrequencyHours: 4, LastSyncedAt: past(4 * time.Hour)}, true},
		{"zero frequency defaults to four hours", repository.Connection{LastSyncedAt: past(3 * time.Hour)}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, syncDue(tc.conn, now))
		})
	}
}

func TestRunDueSyncsSkipsFreshConnections(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	db := newTestDB(t)
	sb := banking.NewSandbox()
	v := vault.New("scheduler-test-secret")
	due := seedActiveConnection(t, ctx, db, v, sb, "acme", "acc-sched-due")
	fresh := seedActiveConnection(t, ctx, db, v, sb, "acme", "acc-sched-fresh")
	require.NoError(t, repository.NewConnectionRepo(db).MarkSynced(ctx, fresh.ID, database.Now()))

	svc := newSyncService(db, sb, v, sb, nil)
	sched := &Scheduler{Sync: svc, Runs: svc.Runs, Connections: svc.Connections, RetryDelay: time.Millisecond}

	report, err := sched.RunDueSyncs(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Synced)
	require.Zero(t, report.Failed)

	dueRuns, err := svc.Runs.ListForConnection(ctx, due.ID, 10)
	require.NoError(t, err)
	require.Len(t, dueRuns, 1)
	require.Equal(t, "scheduled", dueRuns[0].TriggeredBy)
	freshRuns, err := svc.Runs.ListForConnection(ctx, fresh.ID, 10)
	require.NoError(t, err)
	require.Empty(t, freshRuns, "recently synced connection must be left alone")
}

func TestSyncWithRetryExhaustsAttempts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	db := newTestDB(t)
	sb := banking.NewSandbox()
	v := vault.New("scheduler-test-secret")
	conn := seedActiveConnection(t, ctx, db, v, sb, "acme", "acc-sched-retry")

	gw := &downGateway{}
	svc := newSyncService(db, sb, v, gw, nil)
	sched := &Scheduler{Sync: svc, Runs: svc.Runs, Connections: svc.Connections, RetryDelay: time.Millisecond}

	err := sched.syncWithRetry(ctx, conn.ID)
	require.Error(t, err)
	require.ErrorIs(t, err, banking.ErrProviderUnavailable)
	require.Equal(t, 3, gw.callCount(), "transient failures get three attempts")

	runs, err := svc.Runs.ListForConnection(ctx, conn.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for _, run := range runs {
		require.Equal(t, "failed", run.Status)
	}
}

func TestSyncWithRetryStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	db := newTestDB(t)
	sb := banking.NewSandbox()
	v := vault.New("scheduler-test-secret")
	conn := seedActiveConnection(t, ctx, db, v, sb, "acme", "acc-sched-perm")

	// revoked refresh token: an auth failure no retry can fix
	sealTokens(t, ctx, db, v, conn.ID, "stale-token", "revoked-refresh", time.Now().Add(-time.Hour))

	svc := newSyncService(db, sb, v, sb, nil)
	sched := &Scheduler{Sync: svc, Runs: svc.Runs, Connections: svc.Connections, RetryDelay: time.Millisecond}

	err := sched.syncWithRetry(ctx, conn.ID)
	require.Error(t, err)
	require.ErrorIs(t, err, banking.ErrInvalidGrant)

	runs, err := svc.Runs.ListForConnection(ctx, conn.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1, "permanent failures are not retried")
}

func TestCleanupRunsPrunesOldHistory(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db := newTestDB(t)
	conn := seedPlainConnection(t, ctx, db, "acme")
	runs := repository.NewSyncRunRepo(db)

	oldRun := repository.SyncRun{
		ID: uuid.NewString(), ConnectionID: conn.ID, TriggeredBy: "scheduled",
		Status: "completed", StartedAt: database.Now().AddDate(0, 0, -40),
	}
	recentRun := repository.SyncRun{
		ID: uuid.NewString(), ConnectionID: conn.ID, TriggeredBy: "scheduled",
		Status: "completed", StartedAt: database.Now().AddDate(0, 0, -2),
	}
	require.NoError(t, runs.Insert(ctx, oldRun))
	require.NoError(t, runs.Insert(ctx, recentRun))

	sched := &Scheduler{Runs: runs, Connections: repository.NewConnectionRepo(db)}
	deleted, err := sched.CleanupRuns(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	left, err := runs.ListForConnection(ctx, conn.ID, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, recentRun.ID, left[0].ID)
}

func TestScanLowBalancesNotifies(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db := newTestDB(t)
	sb := banking.NewSandbox()
	v := vault.New("scheduler-test-secret")
	low := seedActiveConnection(t, ctx, db, v, sb, "acme", "acc-sched-low")
	high := seedActiveConnection(t, ctx, db, v, sb, "acme", "acc-sched-high")
	seedActiveConnection(t, ctx, db, v, sb, "acme", "acc-sched-nobalance")

	repo := repository.NewConnectionRepo(db)
	require.NoError(t, repo.UpdateBalance(ctx, low.ID, 50_00, database.Now()))
	require.NoError(t, repo.UpdateBalance(ctx, high.ID, 500_000_00, database.Now()))

	notifier := &captureNotifier{}
	sched := &Scheduler{Connections: repo, Notifier: notifier}

	notified, err := sched.ScanLowBalances(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, notified)

	msgs := notifier.messages()
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "Saldo baixo")
	require.Contains(t, msgs[0], "5677", "alert names the masked account")
	t.Logf("notification: %s", msgs[0])
}

func TestSchedulerStartStop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db := newTestDB(t)
	sb := banking.NewSandbox()
	v := vault.New("scheduler-test-secret")
	svc := newSyncService(db, sb, v, sb, nil)
	sched := &Scheduler{Sync: svc, Runs: svc.Runs, Connections: svc.Connections, SyncSpec: "@every 1h"}

	require.NoError(t, sched.Start(ctx))
	require.Error(t, sched.Start(ctx), "double start must be refused")
	sched.Stop()
	require.NoError(t, sched.Start(ctx), "stopped scheduler can start again")
	sched.Stop()
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sched := &Scheduler{SyncSpec: "every five minutes"}
	require.ErrorContains(t, sched.Start(ctx), "schedule sync job")
}
