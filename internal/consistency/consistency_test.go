package consistency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brolab/datasync/internal/backend"
	"github.com/brolab/datasync/internal/record"
	"github.com/brolab/datasync/internal/rollback"
)

func newTestManager() (*Manager, *backend.Mem) {
	be := backend.NewMem()
	return NewManager(be, be, rollback.NewManager(be)), be
}

func TestDetectConflicts(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		local  record.Record
		remote record.Record
		want   bool
	}{
		{
			name:   "timestamps and content differ",
			local:  record.Record{"status": "pending", "updated_at": 100},
			remote: record.Record{"status": "paid", "updated_at": 200},
			want:   true,
		},
		{
			name:   "same timestamp, different content",
			local:  record.Record{"status": "pending", "updated_at": 100},
			remote: record.Record{"status": "paid", "updated_at": 100},
			want:   false,
		},
		{
			name:   "different timestamp, same content otherwise still differs",
			local:  record.Record{"status": "paid", "updated_at": 100},
			remote: record.Record{"status": "paid", "updated_at": 200},
			want:   true,
		},
		{
			name:   "identical copies",
			local:  record.Record{"status": "paid", "updated_at": 100},
			remote: record.Record{"status": "paid", "updated_at": 100},
			want:   false,
		},
		{
			name:   "no local snapshot",
			remote: record.Record{"status": "paid", "updated_at": 200},
			want:   false,
		},
		{
			name:  "no remote copy",
			local: record.Record{"status": "pending", "updated_at": 100},
			want:  false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, be := newTestManager()
			if tc.local != nil {
				be.SeedSnapshot("orders", "order-1", tc.local)
			}
			if tc.remote != nil {
				be.Seed("orders", "order-1", tc.remote)
			}
			conflicts, err := m.DetectConflicts(ctx, "orders", "order-1")
			require.NoError(t, err)
			if tc.want {
				require.Len(t, conflicts, 1)
				c := conflicts[0]
				assert.Equal(t, StatusPending, c.Status)
				assert.Equal(t, "orders", c.ResourceType)
				assert.Equal(t, "order-1", c.ResourceID)
				assert.NotEmpty(t, c.Metadata.ConflictingFields)
			} else {
				assert.Empty(t, conflicts)
			}
		})
	}
}

func TestDetectConflictsLookupError(t *testing.T) {
	m, be := newTestManager()
	be.GetErr = assert.AnError
	be.SeedSnapshot("orders", "order-1", record.Record{"updated_at": 1})

	_, err := m.DetectConflicts(context.Background(), "orders", "order-1")
	assert.ErrorIs(t, err, assert.AnError)
}

func detectOne(t *testing.T, m *Manager, be *backend.Mem, local, remote record.Record) *Conflict {
	t.Helper()
	be.SeedSnapshot("orders", "order-1", local)
	be.Seed("orders", "order-1", remote)
	conflicts, err := m.DetectConflicts(context.Background(), "orders", "order-1")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	return conflicts[0]
}

func TestResolveLastWriteWins(t *testing.T) {
	ctx := context.Background()
	m, be := newTestManager()
	c := detectOne(t, m, be,
		record.Record{"status": "pending", "updated_at": 300},
		record.Record{"status": "paid", "updated_at": 200})

	resolved, err := m.ResolveConflict(ctx, c.ID, Resolution{Strategy: StrategyLastWriteWins})
	require.NoError(t, err)
	assert.Equal(t, "pending", resolved["status"])

	// Winner written through the mutation channel and the snapshot cache.
	got, err := be.Get(ctx, "orders", "order-1")
	require.NoError(t, err)
	assert.Equal(t, "pending", got["status"])
	snap, err := be.GetSnapshot(ctx, "orders", "order-1")
	require.NoError(t, err)
	assert.Equal(t, "pending", snap["status"])

	hist := m.ConflictHistory("order-1")
	require.Len(t, hist, 1)
	assert.Equal(t, StatusResolved, hist[0].Status)
	assert.Equal(t, StrategyLastWriteWins, hist[0].Resolution)

	// The converged copies no longer conflict.
	again, err := m.DetectConflicts(ctx, "orders", "order-1")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestResolveMergeIsLocalBiased(t *testing.T) {
	ctx := context.Background()
	m, be := newTestManager()
	c := detectOne(t, m, be,
		record.Record{"status": "pending", "note": "keep", "updated_at": 100},
		record.Record{"status": "paid", "tags": []any{"a"}, "updated_at": 200})

	resolved, err := m.ResolveConflict(ctx, c.ID, Resolution{Strategy: StrategyMerge})
	require.NoError(t, err)
	assert.Equal(t, "pending", resolved["status"])
	assert.Equal(t, "keep", resolved["note"])
	assert.Equal(t, []any{"a"}, resolved["tags"])
}

func TestResolveUserChoiceDefaultsToRemote(t *testing.T) {
	ctx := context.Background()
	m, be := newTestManager()
	c := detectOne(t, m, be,
		record.Record{"status": "pending", "updated_at": 300},
		record.Record{"status": "paid", "updated_at": 200})

	resolved, err := m.ResolveConflict(ctx, c.ID, Resolution{Strategy: StrategyUserChoice})
	require.NoError(t, err)
	assert.Equal(t, "paid", resolved["status"])
}

func TestResolveCustom(t *testing.T) {
	ctx := context.Background()
	m, be := newTestManager()
	c := detectOne(t, m, be,
		record.Record{"status": "pending", "updated_at": 100},
		record.Record{"status": "paid", "updated_at": 200})

	_, err := m.ResolveConflict(ctx, c.ID, Resolution{Strategy: StrategyCustom})
	assert.ErrorIs(t, err, ErrResolverRequired)

	resolved, err := m.ResolveConflict(ctx, c.ID, Resolution{
		Strategy: StrategyCustom,
		Resolver: func(local, remote record.Record) (record.Record, error) {
			return record.Record{"status": "reviewed"}, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "reviewed", resolved["status"])
}

func TestResolveFailFast(t *testing.T) {
	ctx := context.Background()
	m, be := newTestManager()

	_, err := m.ResolveConflict(ctx, "no-such-conflict", Resolution{Strategy: StrategyMerge})
	assert.ErrorIs(t, err, ErrConflictNotFound)

	c := detectOne(t, m, be,
		record.Record{"status": "pending", "updated_at": 100},
		record.Record{"status": "paid", "updated_at": 200})
	_, err = m.ResolveConflict(ctx, c.ID, Resolution{Strategy: "coin_flip"})
	assert.ErrorIs(t, err, ErrUnknownStrategy)
	// Failed resolution leaves the conflict pending and the backend untouched.
	assert.Equal(t, 0, be.UpdateCalls)
	assert.Len(t, m.PendingConflicts(), 1)
}

func TestValidateConsistency(t *testing.T) {
	ctx := context.Background()
	m, be := newTestManager()

	assert.True(t, m.ValidateConsistency(ctx, "orders"))

	be.Seed("orders", "order-1", record.Record{"status": "paid", "updated_at": 200})
	be.SeedSnapshot("orders", "order-1", record.Record{"status": "paid", "updated_at": 200})
	assert.True(t, m.ValidateConsistency(ctx, "orders"))

	be.SeedSnapshot("orders", "order-1", record.Record{"status": "pending", "updated_at": 100})
	assert.False(t, m.ValidateConsistency(ctx, "orders"))

	be.ListErr = assert.AnError
	assert.False(t, m.ValidateConsistency(ctx, "orders"))
}

func TestConflictHistoryNewestFirstAndFiltered(t *testing.T) {
	ctx := context.Background()
	m, be := newTestManager()

	first := detectOne(t, m, be,
		record.Record{"status": "pending", "updated_at": 100},
		record.Record{"status": "paid", "updated_at": 200})

	be.SeedSnapshot("orders", "order-2", record.Record{"status": "new", "updated_at": 10})
	be.Seed("orders", "order-2", record.Record{"status": "shipped", "updated_at": 20})
	seconds, err := m.DetectConflicts(ctx, "orders", "order-2")
	require.NoError(t, err)
	require.Len(t, seconds, 1)

	all := m.ConflictHistory("")
	require.Len(t, all, 2)
	assert.Equal(t, seconds[0].ID, all[0].ID)
	assert.Equal(t, first.ID, all[1].ID)

	only := m.ConflictHistory("order-2")
	require.Len(t, only, 1)
	assert.Equal(t, seconds[0].ID, only[0].ID)
}

func TestAutoResolve(t *testing.T) {
	ctx := context.Background()
	m, be := newTestManager()

	detectOne(t, m, be,
		record.Record{"status": "pending", "updated_at": 100},
		record.Record{"status": "paid", "updated_at": 200})
	be.SeedSnapshot("orders", "order-2", record.Record{"status": "new", "updated_at": 10})
	be.Seed("orders", "order-2", record.Record{"status": "shipped", "updated_at": 20})
	_, err := m.DetectConflicts(ctx, "orders", "order-2")
	require.NoError(t, err)

	// A strategy that fails per conflict never aborts the batch.
	resolved, failures := m.AutoResolve(ctx, StrategyCustom)
	assert.Equal(t, 0, resolved)
	assert.Len(t, failures, 2)
	assert.Len(t, m.PendingConflicts(), 2)

	resolved, failures = m.AutoResolve(ctx, StrategyLastWriteWins)
	assert.Equal(t, 2, resolved)
	assert.Empty(t, failures)
	assert.Empty(t, m.PendingConflicts())
}

func TestConsistencyRollbackDelegation(t *testing.T) {
	ctx := context.Background()
	m, be := newTestManager()
	be.Seed("orders", "order-1", record.Record{"status": "paid"})

	id, err := m.CreateRollbackPoint(ctx, "orders", "order-1", record.Record{"status": "pending"}, nil)
	require.NoError(t, err)
	require.NoError(t, m.Rollback(ctx, id, "manual revert"))

	got, err := be.Get(ctx, "orders", "order-1")
	require.NoError(t, err)
	assert.Equal(t, "pending", got["status"])

	assert.ErrorIs(t, m.Rollback(ctx, id, "again"), rollback.ErrRollbackNotAllowed)
}
