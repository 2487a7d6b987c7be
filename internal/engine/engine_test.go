package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brolab/datasync/internal/backend"
	"github.com/brolab/datasync/internal/consistency"
	"github.com/brolab/datasync/internal/integrity"
	"github.com/brolab/datasync/internal/record"
	"github.com/brolab/datasync/internal/rollback"
)

func newTestEngine(t *testing.T, opts ...Option) (*Manager, *backend.Mem, *rollback.Manager) {
	t.Helper()
	be := backend.NewMem()
	rb := rollback.NewManager(be)
	cons := consistency.NewManager(be, be, rb)
	m := NewManager(be, be, cons, rb, integrity.NewEngine(), opts...)
	return m, be, rb
}

func validOrder(status string, ts int) record.Record {
	return record.Record{
		"status":     status,
		"items":      []any{map[string]any{"product_id": float64(7)}},
		"updated_at": ts,
	}
}

func TestSyncHappyPath(t *testing.T) {
	ctx := context.Background()
	m, be, rb := newTestEngine(t)
	current := validOrder("pending", 100)
	be.Seed("orders", "order-1", current)

	next := validOrder("paid", 200)
	op, err := m.Sync(ctx, "orders", "order-1", current, next, map[string]any{"source": "webhook"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, op.Status)
	assert.False(t, op.EndTime.IsZero())
	assert.Equal(t, 1, be.SyncCalls)

	// Backend and local snapshot converge on the new state.
	got, err := be.Get(ctx, "orders", "order-1")
	require.NoError(t, err)
	assert.Equal(t, "paid", got["status"])
	snap, err := be.GetSnapshot(ctx, "orders", "order-1")
	require.NoError(t, err)
	assert.Equal(t, "paid", snap["status"])

	// The checkpoint is re-baselined, not consumed.
	cp, err := rb.Get(op.CheckpointID)
	require.NoError(t, err)
	assert.True(t, cp.CanRollback)
	assert.True(t, record.Equal(next, cp.CurrentState))
}

func TestSyncPreCheckMissingResource(t *testing.T) {
	ctx := context.Background()
	m, be, _ := newTestEngine(t)
	m.SetMonitoringEnabled(false)

	op, err := m.Sync(ctx, "orders", "order-1", validOrder("pending", 100), validOrder("paid", 200), nil)
	require.ErrorContains(t, err, "pre-sync check failed")
	assert.ErrorContains(t, err, "resource not found")
	assert.Equal(t, StatusFailed, op.Status)
	assert.Empty(t, op.CheckpointID)

	// The mutation channel is never touched when the pre-check fails.
	m.alertWG.Wait()
	assert.Equal(t, 0, be.SyncCalls)
	assert.Equal(t, 0, be.UpdateCalls)
}

func TestSyncPreCheckIntegrityViolation(t *testing.T) {
	ctx := context.Background()
	m, be, _ := newTestEngine(t)
	m.SetMonitoringEnabled(false)
	be.Seed("orders", "order-1", record.Record{"status": "pending", "updated_at": 100})

	_, err := m.Sync(ctx, "orders", "order-1", record.Record{"status": "pending"}, validOrder("paid", 200), nil)
	require.ErrorContains(t, err, "pre-sync check failed")
	assert.ErrorContains(t, err, "order_has_items")
	m.alertWG.Wait()
	assert.Equal(t, 0, be.SyncCalls)
}

func TestSyncPreCheckConflictBlocks(t *testing.T) {
	ctx := context.Background()
	m, be, _ := newTestEngine(t)
	m.SetMonitoringEnabled(false)
	be.Seed("orders", "order-1", validOrder("paid", 200))
	be.SeedSnapshot("orders", "order-1", validOrder("pending", 100))

	_, err := m.Sync(ctx, "orders", "order-1", validOrder("pending", 100), validOrder("shipped", 300), nil)
	require.ErrorContains(t, err, "pre-sync check failed")
	assert.ErrorContains(t, err, "unresolved conflicts")
	m.alertWG.Wait()
	assert.Equal(t, 0, be.SyncCalls)
}

func TestSyncPostCheckRollsBackOnce(t *testing.T) {
	ctx := context.Background()
	m, be, rb := newTestEngine(t)
	m.SetMonitoringEnabled(false)
	current := validOrder("pending", 100)
	be.Seed("orders", "order-1", current)

	// The new state drops the items and fails the post-sync integrity pass.
	broken := record.Record{"status": "paid", "updated_at": 200}
	op, err := m.Sync(ctx, "orders", "order-1", current, broken, nil)
	require.ErrorContains(t, err, "post-sync check failed")
	assert.Equal(t, StatusFailed, op.Status)

	// Exactly one compensating restore, back to the pre-mutation state.
	m.alertWG.Wait()
	assert.Equal(t, 1, be.SyncCalls)
	assert.Equal(t, 1, be.UpdateCalls)
	got, err := be.Get(ctx, "orders", "order-1")
	require.NoError(t, err)
	assert.Equal(t, "pending", got["status"])

	// The checkpoint is consumed; a second rollback is rejected.
	assert.ErrorIs(t, rb.ExecuteRollback(ctx, op.CheckpointID, "again"), rollback.ErrRollbackNotAllowed)
}

func TestSyncMutationErrorLeavesCheckpointOrphaned(t *testing.T) {
	ctx := context.Background()
	m, be, rb := newTestEngine(t)
	m.SetMonitoringEnabled(false)
	be.Seed("orders", "order-1", validOrder("pending", 100))
	be.SyncErr = assert.AnError

	op, err := m.Sync(ctx, "orders", "order-1", validOrder("pending", 100), validOrder("paid", 200), nil)
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, StatusFailed, op.Status)

	// No compensation is attempted; the checkpoint stays live.
	m.alertWG.Wait()
	assert.Equal(t, 0, be.UpdateCalls)
	cp, err := rb.Get(op.CheckpointID)
	require.NoError(t, err)
	assert.True(t, cp.CanRollback)
}

func TestValidateIntegritySingleAndBulk(t *testing.T) {
	ctx := context.Background()
	m, be, _ := newTestEngine(t)
	be.Seed("users", "user-1", record.Record{"id": "user-1", "email": "a@brolab.fr"})
	be.Seed("users", "user-2", record.Record{"id": "user-2"})

	res, err := m.ValidateIntegrity(ctx, "users", "user-2")
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Equal(t, 1, res.CheckedCount)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "user_has_email", res.Violations[0].Rule)

	bulk, err := m.ValidateIntegrity(ctx, "users", "")
	require.NoError(t, err)
	assert.False(t, bulk.IsValid)
	assert.Equal(t, 2, bulk.CheckedCount)
	assert.Len(t, bulk.Violations, 1)

	// Both passes were persisted.
	assert.Len(t, be.ValidationResults(), 2)

	_, err = m.ValidateIntegrity(ctx, "users", "missing")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestRepairViolationsNeverAborts(t *testing.T) {
	ctx := context.Background()
	m, be, _ := newTestEngine(t)
	be.Seed("reservations", "res-1", record.Record{"status": "bogus"})
	be.Seed("reservations", "res-2", record.Record{"status": "???"})

	violations := []integrity.Violation{
		{ResourceType: "reservations", ResourceID: "res-1", Rule: "reservation_status_known",
			Data: record.Record{"status": "bogus"}},
		{ResourceType: "reservations", ResourceID: "res-2", Rule: "reservation_status_known",
			Data: record.Record{"status": "???"}},
		{ResourceType: "users", ResourceID: "user-1", Rule: "user_has_email",
			Data: record.Record{"id": "user-1"}},
	}
	res := m.RepairViolations(ctx, violations)
	assert.Equal(t, 3, res.TotalViolations)
	assert.Equal(t, 2, res.SuccessfulRepairs)
	assert.Equal(t, 1, res.FailedRepairs)
	require.Len(t, res.RepairAttempts, 3)
	assert.Contains(t, res.RepairAttempts[2].Error, "no repair function")

	got, err := be.Get(ctx, "reservations", "res-1")
	require.NoError(t, err)
	assert.Equal(t, "pending", got["status"])
}

func TestAverageDuration(t *testing.T) {
	ops := []*SyncOperation{
		{StartTime: time.UnixMilli(1000), EndTime: time.UnixMilli(2000)},
		{StartTime: time.UnixMilli(2000), EndTime: time.UnixMilli(3500)},
		{StartTime: time.UnixMilli(3000), EndTime: time.UnixMilli(4000)},
	}
	assert.InDelta(t, 1166.67, averageDuration(ops), 0.01)

	assert.Zero(t, averageDuration(nil))
	assert.Zero(t, averageDuration([]*SyncOperation{{StartTime: time.UnixMilli(1000)}}))
}

func TestMetricsMergesRegistryAndCounters(t *testing.T) {
	ctx := context.Background()
	m, be, _ := newTestEngine(t)
	m.SetMonitoringEnabled(false)
	be.Seed("orders", "order-1", validOrder("pending", 100))

	_, err := m.Sync(ctx, "orders", "order-1", validOrder("pending", 100), validOrder("paid", 200), nil)
	require.NoError(t, err)
	_, err = m.Sync(ctx, "orders", "missing", validOrder("pending", 100), validOrder("paid", 200), nil)
	require.Error(t, err)
	m.alertWG.Wait()

	be.CountersFn = func(since, until time.Time) (*backend.Counters, error) {
		return &backend.Counters{ConsistencyErrors: 3, IntegrityViolations: 7, AlertsRaised: 1}, nil
	}

	metrics, err := m.Metrics(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultMetricsWindow, metrics.Window)
	assert.Equal(t, 2, metrics.TotalOperations)
	assert.Equal(t, 1, metrics.CompletedOperations)
	assert.Equal(t, 1, metrics.FailedOperations)
	assert.InDelta(t, 0.5, metrics.SuccessRate, 1e-9)
	assert.InDelta(t, 0.5, metrics.FailureRate, 1e-9)
	assert.Equal(t, 3, metrics.ConsistencyErrors)
	assert.Equal(t, 7, metrics.IntegrityViolations)
	assert.Equal(t, 1, metrics.AlertsRaised)
}

func TestAlertThresholds(t *testing.T) {
	ctx := context.Background()
	m, be, _ := newTestEngine(t)
	be.CountersFn = func(since, until time.Time) (*backend.Counters, error) {
		return &backend.Counters{ConsistencyErrors: 100, IntegrityViolations: 100}, nil
	}

	// Disabled monitoring still computes metrics but raises nothing.
	m.SetMonitoringEnabled(false)
	m.checkAlertThresholds(ctx)
	assert.Equal(t, 0, be.AlertCalls)

	m.SetMonitoringEnabled(true)
	m.checkAlertThresholds(ctx)
	alerts := be.Alerts()
	require.Len(t, alerts, 2)
	types := []string{alerts[0].Type, alerts[1].Type}
	assert.Contains(t, types, "consistency_errors")
	assert.Contains(t, types, "integrity_violations")
}

func TestMonitorLifecycle(t *testing.T) {
	ctx := context.Background()
	m, be, _ := newTestEngine(t, WithMonitorInterval(5*time.Millisecond))
	be.CountersFn = func(since, until time.Time) (*backend.Counters, error) {
		return &backend.Counters{ConsistencyErrors: 100}, nil
	}

	require.NoError(t, m.Start(ctx))
	assert.ErrorIs(t, m.Start(ctx), ErrMonitorRunning)

	assert.Eventually(t, func() bool { return len(be.Alerts()) > 0 }, time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()

	raised := len(be.Alerts())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, raised, len(be.Alerts()))
}
