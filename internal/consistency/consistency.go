// Package consistency detects divergence between the locally observed and
// remote copies of a resource and collapses conflicts through pluggable
// resolution strategies. Conflicts form an append-only in-process history.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brolab/datasync/internal/backend"
	"github.com/brolab/datasync/internal/record"
	"github.com/brolab/datasync/internal/rollback"
)

// Resolution strategies. Closed set; unknown names fail fast.
const (
	StrategyLastWriteWins = "last_write_wins"
	StrategyMerge         = "merge"
	StrategyUserChoice    = "user_choice"
	StrategyCustom        = "custom"
)

// Conflict statuses.
const (
	StatusPending  = "pending"
	StatusResolved = "resolved"
)

var (
	ErrConflictNotFound = errors.New("conflict not found")
	ErrUnknownStrategy  = errors.New("unknown resolution strategy")
	ErrResolverRequired = errors.New("custom resolution requires a resolver")
)

// Resolver collapses a (local, remote) pair into one value.
type Resolver func(local, remote record.Record) (record.Record, error)

// Resolution selects a strategy; Resolver is required for StrategyCustom
// and ignored otherwise.
type Resolution struct {
	Strategy string
	Resolver Resolver
}

// ConflictMetadata captures the divergence evidence.
type ConflictMetadata struct {
	LocalTimestamp    float64  `json:"local_timestamp"`
	RemoteTimestamp   float64  `json:"remote_timestamp"`
	ConflictingFields []string `json:"conflicting_fields"`
}

// Conflict is one detected divergence between two copies of a resource.
type Conflict struct {
	ID           string           `json:"id"`
	ResourceType string           `json:"resource_type"`
	ResourceID   string           `json:"resource_id"`
	LocalValue   record.Record    `json:"local_value"`
	RemoteValue  record.Record    `json:"remote_value"`
	Timestamp    time.Time        `json:"timestamp"`
	Status       string           `json:"status"`
	Resolution   string           `json:"resolution,omitempty"`
	Metadata     ConflictMetadata `json:"metadata"`
}

// Manager detects and resolves conflicts. Local snapshots come from the
// cache; remote copies from the backend.
type Manager struct {
	backend  backend.Client
	cache    backend.Cache
	rollback *rollback.Manager

	mu        sync.Mutex
	conflicts map[string]*Conflict
}

// NewManager returns a conflict manager over the given collaborators.
func NewManager(client backend.Client, cache backend.Cache, rb *rollback.Manager) *Manager {
	return &Manager{
		backend:   client,
		cache:     cache,
		rollback:  rb,
		conflicts: map[string]*Conflict{},
	}
}

// DetectConflicts compares the local snapshot with the remote copy.
// A conflict is reported iff the timestamps differ AND the canonical contents
// differ; a missing side never conflicts. Lookup failures propagate.
func (m *Manager) DetectConflicts(ctx context.Context, resourceType, resourceID string) ([]*Conflict, error) {
	local, err := m.cache.GetSnapshot(ctx, resourceType, resourceID)
	if err != nil && !errors.Is(err, backend.ErrNotFound) {
		return nil, fmt.Errorf("local lookup: %w", err)
	}
	remote, err := m.backend.Get(ctx, resourceType, resourceID)
	if err != nil && !errors.Is(err, backend.ErrNotFound) {
		return nil, fmt.Errorf("remote lookup: %w", err)
	}
	if local == nil || remote == nil {
		return nil, nil
	}

	lts := record.Timestamp(local)
	rts := record.Timestamp(remote)
	if lts == rts {
		return nil, nil
	}
	if record.Equal(local, remote) {
		return nil, nil
	}

	c := &Conflict{
		ID:           uuid.NewString(),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		LocalValue:   record.Clone(local),
		RemoteValue:  record.Clone(remote),
		Timestamp:    time.Now().UTC(),
		Status:       StatusPending,
		Metadata: ConflictMetadata{
			LocalTimestamp:    lts,
			RemoteTimestamp:   rts,
			ConflictingFields: record.FieldDiff(local, remote),
		},
	}
	m.mu.Lock()
	m.conflicts[c.ID] = c
	m.mu.Unlock()
	return []*Conflict{c}, nil
}

// ResolveConflict applies a resolution strategy to a stored conflict, writes
// the resolved value through the mutation channel, and flips the conflict to
// resolved.
func (m *Manager) ResolveConflict(ctx context.Context, conflictID string, res Resolution) (record.Record, error) {
	m.mu.Lock()
	c, ok := m.conflicts[conflictID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	local, remote := c.LocalValue, c.RemoteValue
	m.mu.Unlock()

	resolved, err := resolve(local, remote, res)
	if err != nil {
		return nil, err
	}

	if err := m.backend.Update(ctx, c.ResourceType, c.ResourceID, resolved); err != nil {
		return nil, fmt.Errorf("write resolved value: %w", err)
	}
	// Converge the local snapshot so the same divergence is not re-reported.
	if err := m.cache.PutSnapshot(ctx, c.ResourceType, c.ResourceID, resolved); err != nil {
		return nil, fmt.Errorf("update local snapshot: %w", err)
	}

	m.mu.Lock()
	c.Status = StatusResolved
	c.Resolution = res.Strategy
	m.mu.Unlock()
	return resolved, nil
}

func resolve(local, remote record.Record, res Resolution) (record.Record, error) {
	switch res.Strategy {
	case StrategyLastWriteWins:
		return record.Clone(record.PickLatest(local, remote)), nil
	case StrategyMerge:
		return record.Merge(local, remote), nil
	case StrategyUserChoice:
		// No interactive resolver wired up; remote is the safe default.
		return record.Clone(remote), nil
	case StrategyCustom:
		if res.Resolver == nil {
			return nil, ErrResolverRequired
		}
		return res.Resolver(local, remote)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, res.Strategy)
	}
}

// ValidateConsistency reports whether a resource type is conflict-free.
// Any lookup error makes the check report false rather than propagate.
func (m *Manager) ValidateConsistency(ctx context.Context, resourceType string) bool {
	resources, err := m.backend.List(ctx, resourceType)
	if err != nil {
		return false
	}
	for _, r := range resources {
		conflicts, err := m.DetectConflicts(ctx, resourceType, r.ID)
		if err != nil {
			return false
		}
		if len(conflicts) > 0 {
			return false
		}
	}
	return true
}

// ConflictHistory returns conflicts filtered by resourceID when given, else
// all, newest first.
func (m *Manager) ConflictHistory(resourceID string) []*Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Conflict
	for _, c := range m.conflicts {
		if resourceID != "" && c.ResourceID != resourceID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// PendingConflicts returns unresolved conflicts, newest first.
func (m *Manager) PendingConflicts() []*Conflict {
	all := m.ConflictHistory("")
	var out []*Conflict
	for _, c := range all {
		if c.Status == StatusPending {
			out = append(out, c)
		}
	}
	return out
}

// AutoResolve applies one strategy to every pending conflict. Per-conflict
// failures are collected, excluded from the count, and never abort the batch.
func (m *Manager) AutoResolve(ctx context.Context, strategy string) (int, []error) {
	pending := m.PendingConflicts()
	resolved := 0
	var failures []error
	for _, c := range pending {
		if _, err := m.ResolveConflict(ctx, c.ID, Resolution{Strategy: strategy}); err != nil {
			failures = append(failures, fmt.Errorf("conflict %s: %w", c.ID, err))
			continue
		}
		resolved++
	}
	return resolved, failures
}

// CreateRollbackPoint exposes resource-level checkpoints through this manager.
func (m *Manager) CreateRollbackPoint(ctx context.Context, resourceType, resourceID string, priorState record.Record, meta map[string]any) (string, error) {
	return m.rollback.CreateRollbackPoint(ctx, "consistency", resourceType, resourceID, priorState, meta)
}

// Rollback restores a previously created checkpoint.
func (m *Manager) Rollback(ctx context.Context, checkpointID, reason string) error {
	return m.rollback.ExecuteRollback(ctx, checkpointID, reason)
}
