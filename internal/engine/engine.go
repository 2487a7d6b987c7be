// Package engine orchestrates sync operations as a five-phase protocol:
// pre-check, checkpoint, mutate, post-check, finalize-or-compensate. A failed
// post-check triggers at most one compensating rollback; no phase retries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brolab/datasync/internal/backend"
	"github.com/brolab/datasync/internal/consistency"
	"github.com/brolab/datasync/internal/integrity"
	"github.com/brolab/datasync/internal/record"
	"github.com/brolab/datasync/internal/rollback"
)

// Sync operation statuses. Terminal states are completed and failed.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrMonitorRunning is returned by Start when the monitor is already up.
var ErrMonitorRunning = errors.New("monitor already running")

// DefaultMetricsWindow is the trailing window used when none is given.
const DefaultMetricsWindow = 24 * time.Hour

// SyncOperation is the in-memory record of one orchestrated sync.
type SyncOperation struct {
	ID           string         `json:"id"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Status       string         `json:"status"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time,omitempty"`
	Error        string         `json:"error,omitempty"`
	Result       record.Record  `json:"result,omitempty"`
	CheckpointID string         `json:"checkpoint_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AlertThresholds bound the monitored axes. Zero MaxSyncDelay disables the
// delay axis.
type AlertThresholds struct {
	MaxFailureRate         float64
	MaxConsistencyErrors   int
	MaxIntegrityViolations int
	MaxSyncDelay           time.Duration
}

// DefaultThresholds returns the stock alerting configuration.
func DefaultThresholds() AlertThresholds {
	return AlertThresholds{
		MaxFailureRate:         0.1,
		MaxConsistencyErrors:   5,
		MaxIntegrityViolations: 10,
		MaxSyncDelay:           5 * time.Minute,
	}
}

// Metrics merges the in-memory operation registry with the backend counters
// for one trailing window.
type Metrics struct {
	Window              time.Duration `json:"window"`
	TotalOperations     int           `json:"total_operations"`
	CompletedOperations int           `json:"completed_operations"`
	FailedOperations    int           `json:"failed_operations"`
	SuccessRate         float64       `json:"success_rate"`
	FailureRate         float64       `json:"failure_rate"`
	AverageDurationMS   float64       `json:"average_duration_ms"`
	OldestInProgress    time.Duration `json:"oldest_in_progress"`
	ConsistencyErrors   int           `json:"consistency_errors"`
	IntegrityViolations int           `json:"integrity_violations"`
	AlertsRaised        int           `json:"alerts_raised"`
}

// RepairAttempt records the outcome of repairing one violation.
type RepairAttempt struct {
	Violation integrity.Violation `json:"violation"`
	Repaired  bool                `json:"repaired"`
	Error     string              `json:"error,omitempty"`
}

// RepairResult aggregates a repair batch. Individual failures never abort it.
type RepairResult struct {
	TotalViolations   int             `json:"total_violations"`
	SuccessfulRepairs int             `json:"successful_repairs"`
	FailedRepairs     int             `json:"failed_repairs"`
	RepairAttempts    []RepairAttempt `json:"repair_attempts"`
}

// Manager runs the sync protocol and the background alert monitor.
type Manager struct {
	backend     backend.Client
	cache       backend.Cache
	consistency *consistency.Manager
	rollback    *rollback.Manager
	rules       *integrity.Engine

	mu         sync.Mutex
	ops        map[string]*SyncOperation
	thresholds AlertThresholds
	monitoring bool
	interval   time.Duration

	stopc chan struct{}
	donec chan struct{}

	alertWG sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithThresholds overrides the default alert thresholds.
func WithThresholds(t AlertThresholds) Option {
	return func(m *Manager) { m.thresholds = t }
}

// WithMonitorInterval sets the monitor tick interval.
func WithMonitorInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

// NewManager wires the orchestrator over its collaborators. Monitoring is
// enabled by default; the monitor itself runs only after Start.
func NewManager(client backend.Client, cache backend.Cache, cons *consistency.Manager, rb *rollback.Manager, rules *integrity.Engine, opts ...Option) *Manager {
	m := &Manager{
		backend:     client,
		cache:       cache,
		consistency: cons,
		rollback:    rb,
		rules:       rules,
		ops:         map[string]*SyncOperation{},
		thresholds:  DefaultThresholds(),
		monitoring:  true,
		interval:    time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sync runs one sync operation through the five phases. The returned
// operation is terminal: completed on success, failed otherwise. Failures
// trigger an asynchronous alert-threshold check and surface to the caller.
func (m *Manager) Sync(ctx context.Context, resourceType, resourceID string, currentState, newState record.Record, meta map[string]any) (*SyncOperation, error) {
	op := &SyncOperation{
		ID:           uuid.NewString(),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Status:       StatusInProgress,
		StartTime:    time.Now().UTC(),
		Metadata:     meta,
	}
	m.mu.Lock()
	m.ops[op.ID] = op
	m.mu.Unlock()

	result, err := m.runPhases(ctx, op, currentState, newState, meta)

	m.mu.Lock()
	op.EndTime = time.Now().UTC()
	if err != nil {
		op.Status = StatusFailed
		op.Error = err.Error()
	} else {
		op.Status = StatusCompleted
		op.Result = result
	}
	out := *op
	m.mu.Unlock()

	if err != nil {
		m.alertWG.Add(1)
		go func() {
			defer m.alertWG.Done()
			m.checkAlertThresholds(context.Background())
		}()
		return &out, err
	}
	return &out, nil
}

func (m *Manager) runPhases(ctx context.Context, op *SyncOperation, currentState, newState record.Record, meta map[string]any) (record.Record, error) {
	// Phase 1: pre-sync check. Nothing is mutated and no checkpoint exists
	// until all three sub-checks pass.
	if err := m.preSyncCheck(ctx, op.ResourceType, op.ResourceID, currentState); err != nil {
		return nil, err
	}

	// Phase 2: checkpoint the pre-mutation state.
	checkpointID, err := m.rollback.CreateRollbackPoint(ctx, "sync", op.ResourceType, op.ResourceID, currentState, meta)
	if err != nil {
		return nil, fmt.Errorf("create rollback point: %w", err)
	}
	m.mu.Lock()
	op.CheckpointID = checkpointID
	m.mu.Unlock()

	// Phase 3: mutate. An error here leaves the checkpoint orphaned
	// (neither rolled back nor finalized) and propagates.
	res, err := m.backend.Sync(ctx, op.ResourceType, op.ResourceID, newState, meta)
	if err != nil {
		return nil, fmt.Errorf("sync mutation: %w", err)
	}

	// Phase 4: post-sync check; one compensating rollback on failure.
	if err := m.postSyncCheck(op.ResourceType, op.ResourceID, newState, res); err != nil {
		if rbErr := m.rollback.ExecuteRollback(ctx, checkpointID, "post-sync consistency check failed"); rbErr != nil {
			return nil, fmt.Errorf("rollback after failed post-sync check: %w", rbErr)
		}
		return nil, err
	}

	// Phase 5: finalize. The checkpoint is re-baselined, not consumed, and
	// the local snapshot converges on the new state.
	if err := m.rollback.UpdateRollbackPoint(ctx, checkpointID, newState); err != nil {
		return nil, fmt.Errorf("finalize rollback point: %w", err)
	}
	if err := m.cache.PutSnapshot(ctx, op.ResourceType, op.ResourceID, newState); err != nil {
		return nil, fmt.Errorf("update local snapshot: %w", err)
	}
	return res.NewState, nil
}

func (m *Manager) preSyncCheck(ctx context.Context, resourceType, resourceID string, currentState record.Record) error {
	var messages []string

	target, err := m.backend.Get(ctx, resourceType, resourceID)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		messages = append(messages, fmt.Sprintf("resource not found: %s/%s", resourceType, resourceID))
	case err != nil:
		messages = append(messages, fmt.Sprintf("resource lookup failed: %v", err))
	}
	if target == nil {
		target = currentState
	}

	if violations := m.rules.Validate(resourceType, resourceID, target); len(violations) > 0 {
		for _, v := range violations {
			messages = append(messages, fmt.Sprintf("integrity violation (%s): %s", v.Rule, v.Description))
		}
	}

	conflicts, err := m.consistency.DetectConflicts(ctx, resourceType, resourceID)
	if err != nil {
		messages = append(messages, fmt.Sprintf("conflict detection failed: %v", err))
	} else if len(conflicts) > 0 {
		messages = append(messages, fmt.Sprintf("%d unresolved conflicts detected", len(conflicts)))
	}

	if len(messages) > 0 {
		return fmt.Errorf("pre-sync check failed: %s", strings.Join(messages, "; "))
	}
	return nil
}

func (m *Manager) postSyncCheck(resourceType, resourceID string, newState record.Record, res *backend.SyncResult) error {
	var messages []string
	if res == nil || !res.Success {
		messages = append(messages, "mutation reported failure")
	}
	if violations := m.rules.Validate(resourceType, resourceID, newState); len(violations) > 0 {
		for _, v := range violations {
			messages = append(messages, fmt.Sprintf("integrity violation (%s): %s", v.Rule, v.Description))
		}
	}
	if len(messages) > 0 {
		return fmt.Errorf("post-sync check failed: %s", strings.Join(messages, "; "))
	}
	return nil
}

// ValidateIntegrity runs an integrity pass over one resource or, with an
// empty resourceID, over every resource of the type. The aggregate result is
// persisted through the backend.
func (m *Manager) ValidateIntegrity(ctx context.Context, resourceType, resourceID string) (*backend.ValidationResult, error) {
	var violations []integrity.Violation
	checked := 0

	if resourceID != "" {
		doc, err := m.backend.Get(ctx, resourceType, resourceID)
		if err != nil {
			return nil, fmt.Errorf("resource lookup: %w", err)
		}
		checked = 1
		violations = m.rules.Validate(resourceType, resourceID, doc)
	} else {
		resources, err := m.backend.List(ctx, resourceType)
		if err != nil {
			return nil, fmt.Errorf("list resources: %w", err)
		}
		checked = len(resources)
		for _, r := range resources {
			violations = append(violations, m.rules.Validate(resourceType, r.ID, r.Doc)...)
		}
	}

	result := &backend.ValidationResult{
		ID:           uuid.NewString(),
		ResourceType: resourceType,
		IsValid:      len(violations) == 0,
		Violations:   violations,
		CheckedCount: checked,
		Timestamp:    time.Now().UTC(),
	}
	if err := m.backend.StoreValidationResult(ctx, result); err != nil {
		return nil, fmt.Errorf("store validation result: %w", err)
	}
	return result, nil
}

// RepairViolations attempts the registered repair function for each
// violation and persists repaired records. One failed repair never aborts
// the batch; failures are recorded per attempt.
func (m *Manager) RepairViolations(ctx context.Context, violations []integrity.Violation) *RepairResult {
	out := &RepairResult{TotalViolations: len(violations)}
	for _, v := range violations {
		attempt := RepairAttempt{Violation: v}
		repair := m.rules.RepairFor(v.ResourceType, v.Rule)
		switch {
		case repair == nil:
			attempt.Error = fmt.Sprintf("no repair function for rule %q", v.Rule)
		default:
			repaired, err := repair(v.Data)
			if err != nil {
				attempt.Error = fmt.Sprintf("repair failed: %v", err)
			} else if err := m.backend.Update(ctx, v.ResourceType, v.ResourceID, repaired); err != nil {
				attempt.Error = fmt.Sprintf("persist repaired record: %v", err)
			} else {
				attempt.Repaired = true
			}
		}
		if attempt.Repaired {
			out.SuccessfulRepairs++
		} else {
			out.FailedRepairs++
		}
		out.RepairAttempts = append(out.RepairAttempts, attempt)
	}
	return out
}

// Metrics computes registry-derived rates for the trailing window (default
// 24h) merged with the backend's stored counters.
func (m *Manager) Metrics(ctx context.Context, window time.Duration) (*Metrics, error) {
	if window <= 0 {
		window = DefaultMetricsWindow
	}
	now := time.Now().UTC()
	since := now.Add(-window)

	m.mu.Lock()
	var completed []*SyncOperation
	out := &Metrics{Window: window}
	for _, op := range m.ops {
		if op.StartTime.Before(since) {
			continue
		}
		out.TotalOperations++
		switch op.Status {
		case StatusCompleted:
			out.CompletedOperations++
			completed = append(completed, op)
		case StatusFailed:
			out.FailedOperations++
		case StatusInProgress:
			if age := now.Sub(op.StartTime); age > out.OldestInProgress {
				out.OldestInProgress = age
			}
		}
	}
	m.mu.Unlock()

	if out.TotalOperations > 0 {
		out.SuccessRate = float64(out.CompletedOperations) / float64(out.TotalOperations)
		out.FailureRate = float64(out.FailedOperations) / float64(out.TotalOperations)
	}
	out.AverageDurationMS = averageDuration(completed)

	counters, err := m.backend.Counters(ctx, since, now)
	if err != nil {
		return nil, fmt.Errorf("load counters: %w", err)
	}
	out.ConsistencyErrors = counters.ConsistencyErrors
	out.IntegrityViolations = counters.IntegrityViolations
	out.AlertsRaised = counters.AlertsRaised
	return out, nil
}

// averageDuration returns the mean duration in milliseconds over operations
// carrying an end time, 0 when there are none.
func averageDuration(ops []*SyncOperation) float64 {
	var total float64
	n := 0
	for _, op := range ops {
		if op.EndTime.IsZero() {
			continue
		}
		total += float64(op.EndTime.Sub(op.StartTime)) / float64(time.Millisecond)
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// Operation returns a copy of one registered operation.
func (m *Manager) Operation(id string) (*SyncOperation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return nil, false
	}
	out := *op
	return &out, true
}

// AddIntegrityRule registers a rule for a resource type.
func (m *Manager) AddIntegrityRule(resourceType string, rule integrity.Rule) {
	m.rules.AddRule(resourceType, rule)
}

// RemoveIntegrityRule removes the first rule matching name, reporting whether
// one existed.
func (m *Manager) RemoveIntegrityRule(resourceType, name string) bool {
	return m.rules.RemoveRule(resourceType, name)
}

// SetMonitoringEnabled toggles alert emission. Metric computation is
// unaffected.
func (m *Manager) SetMonitoringEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitoring = enabled
}

// UpdateAlertThresholds replaces the monitored thresholds.
func (m *Manager) UpdateAlertThresholds(t AlertThresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = t
}

// checkAlertThresholds computes current metrics and raises one alert per
// breached axis. Metrics are always computed; alerts are emitted only while
// monitoring is enabled.
func (m *Manager) checkAlertThresholds(ctx context.Context) {
	metrics, err := m.Metrics(ctx, 0)
	if err != nil {
		return
	}

	m.mu.Lock()
	enabled := m.monitoring
	t := m.thresholds
	m.mu.Unlock()
	if !enabled {
		return
	}

	now := time.Now().UTC()
	raise := func(alertType, severity, message string, value, threshold float64) {
		_ = m.backend.CreateAlert(ctx, &backend.Alert{
			ID:        uuid.NewString(),
			Type:      alertType,
			Message:   message,
			Severity:  severity,
			Value:     value,
			Threshold: threshold,
			Timestamp: now,
		})
	}

	if metrics.TotalOperations > 0 && metrics.FailureRate > t.MaxFailureRate {
		raise("failure_rate", "high",
			fmt.Sprintf("sync failure rate %.2f above threshold %.2f", metrics.FailureRate, t.MaxFailureRate),
			metrics.FailureRate, t.MaxFailureRate)
	}
	if metrics.ConsistencyErrors > t.MaxConsistencyErrors {
		raise("consistency_errors", "high",
			fmt.Sprintf("%d consistency errors above threshold %d", metrics.ConsistencyErrors, t.MaxConsistencyErrors),
			float64(metrics.ConsistencyErrors), float64(t.MaxConsistencyErrors))
	}
	if metrics.IntegrityViolations > t.MaxIntegrityViolations {
		raise("integrity_violations", "medium",
			fmt.Sprintf("%d integrity violations above threshold %d", metrics.IntegrityViolations, t.MaxIntegrityViolations),
			float64(metrics.IntegrityViolations), float64(t.MaxIntegrityViolations))
	}
	if t.MaxSyncDelay > 0 && metrics.OldestInProgress > t.MaxSyncDelay {
		raise("sync_delay", "medium",
			fmt.Sprintf("oldest in-progress sync %s above threshold %s", metrics.OldestInProgress, t.MaxSyncDelay),
			metrics.OldestInProgress.Seconds(), t.MaxSyncDelay.Seconds())
	}
}

// Start launches the background monitor. It ticks at the configured interval
// until Stop is called or ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopc != nil {
		m.mu.Unlock()
		return ErrMonitorRunning
	}
	stopc := make(chan struct{})
	donec := make(chan struct{})
	m.stopc = stopc
	m.donec = donec
	interval := m.interval
	m.mu.Unlock()

	go func() {
		defer close(donec)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopc:
				return
			case <-ticker.C:
				m.checkAlertThresholds(ctx)
			}
		}
	}()
	return nil
}

// Stop halts the background monitor and waits for it to exit. Safe to call
// when the monitor never started.
func (m *Manager) Stop() {
	m.mu.Lock()
	stopc, donec := m.stopc, m.donec
	m.stopc, m.donec = nil, nil
	m.mu.Unlock()
	if stopc == nil {
		return
	}
	close(stopc)
	<-donec
}
