// Package rollback manages single-use checkpoints: prior-state snapshots
// created before a mutating operation and restored when the operation's
// postconditions fail. A checkpoint may be consumed at most once.
package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brolab/datasync/internal/backend"
	"github.com/brolab/datasync/internal/record"
	"github.com/brolab/datasync/internal/snapshot"
)

var (
	ErrCheckpointNotFound = errors.New("rollback point not found")
	ErrRollbackNotAllowed = errors.New("rollback not allowed: checkpoint already consumed")
)

// Checkpoint holds a resource's prior state for compensation.
type Checkpoint struct {
	ID            string         `json:"id"`
	OperationType string         `json:"operation_type"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    string         `json:"resource_id"`
	PreviousState record.Record  `json:"previous_state"`
	CurrentState  record.Record  `json:"current_state,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CanRollback   bool           `json:"can_rollback"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Manager keeps the checkpoint registry and performs restores through the
// backend. When an archive store is configured, prior states are also written
// as compressed (optionally encrypted) snapshot objects.
type Manager struct {
	backend backend.Client

	archive   snapshot.Store // nil: registry only
	masterKey []byte
	encrypt   bool

	mu     sync.Mutex
	points map[string]*Checkpoint
}

// Option configures a Manager.
type Option func(*Manager)

// WithArchive persists prior-state snapshots to store. When masterKey is
// non-nil the snapshots are sealed.
func WithArchive(store snapshot.Store, masterKey []byte) Option {
	return func(m *Manager) {
		m.archive = store
		m.masterKey = masterKey
		m.encrypt = len(masterKey) == snapshot.KeySize
	}
}

// NewManager returns a Manager restoring through client.
func NewManager(client backend.Client, opts ...Option) *Manager {
	m := &Manager{
		backend: client,
		points:  map[string]*Checkpoint{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRollbackPoint snapshots priorState before a mutating operation and
// returns the checkpoint id.
func (m *Manager) CreateRollbackPoint(ctx context.Context, operationType, resourceType, resourceID string, priorState record.Record, meta map[string]any) (string, error) {
	cp := &Checkpoint{
		ID:            uuid.NewString(),
		OperationType: operationType,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		PreviousState: record.Clone(priorState),
		Timestamp:     time.Now().UTC(),
		CanRollback:   true,
		Metadata:      meta,
	}

	if m.archive != nil {
		if err := m.archiveCheckpoint(cp); err != nil {
			return "", fmt.Errorf("archive checkpoint: %w", err)
		}
	}

	m.mu.Lock()
	m.points[cp.ID] = cp
	m.mu.Unlock()
	return cp.ID, nil
}

func (m *Manager) archiveCheckpoint(cp *Checkpoint) error {
	key, err := snapshot.SecureCheckpointKey(cp.ResourceType, cp.ResourceID, cp.ID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(cp.PreviousState)
	if err != nil {
		return err
	}
	h := snapshot.NewCheckpointHeader(cp.ResourceType, cp.ResourceID, cp.ID)
	raw, err := snapshot.EncodeCheckpoint(h, payload, m.masterKey, m.encrypt)
	if err != nil {
		return err
	}
	return m.archive.PutAtomic(key, raw)
}

// UpdateRollbackPoint re-baselines a live checkpoint with the state the
// operation settled on. The checkpoint is not consumed.
func (m *Manager) UpdateRollbackPoint(ctx context.Context, checkpointID string, newState record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.points[checkpointID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
	}
	cp.CurrentState = record.Clone(newState)
	cp.Timestamp = time.Now().UTC()
	return nil
}

// ExecuteRollback restores the checkpoint's prior state through the backend
// and consumes the checkpoint. A consumed checkpoint rejects further
// rollbacks with ErrRollbackNotAllowed.
func (m *Manager) ExecuteRollback(ctx context.Context, checkpointID, reason string) error {
	m.mu.Lock()
	cp, ok := m.points[checkpointID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
	}
	if !cp.CanRollback {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRollbackNotAllowed, checkpointID)
	}
	prior := cp.PreviousState
	resourceType, resourceID := cp.ResourceType, cp.ResourceID
	m.mu.Unlock()

	if err := m.backend.Update(ctx, resourceType, resourceID, prior); err != nil {
		return fmt.Errorf("restore prior state: %w", err)
	}

	m.mu.Lock()
	cp.CanRollback = false
	if cp.Metadata == nil {
		cp.Metadata = map[string]any{}
	}
	cp.Metadata["rollback_reason"] = reason
	cp.Metadata["rolled_back_at"] = time.Now().UTC().Format(time.RFC3339)
	m.mu.Unlock()
	return nil
}

// Finalize consumes a checkpoint without restoring it. Used when a retained
// checkpoint is explicitly retired.
func (m *Manager) Finalize(checkpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.points[checkpointID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
	}
	cp.CanRollback = false
	return nil
}

// Get returns a copy of the checkpoint.
func (m *Manager) Get(checkpointID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.points[checkpointID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
	}
	out := *cp
	out.PreviousState = record.Clone(cp.PreviousState)
	out.CurrentState = record.Clone(cp.CurrentState)
	return &out, nil
}

// ForResource returns checkpoints for one resource, newest first.
func (m *Manager) ForResource(resourceType, resourceID string) []*Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Checkpoint
	for _, cp := range m.points {
		if cp.ResourceType == resourceType && cp.ResourceID == resourceID {
			c := *cp
			out = append(out, &c)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Timestamp.After(out[i].Timestamp) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}
