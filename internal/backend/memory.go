package backend

import (
	"context"
	"sync"
	"time"

	"github.com/brolab/datasync/internal/record"
)

// Mem is an in-memory Client and Cache for tests. Call counts and injectable
// errors make phase behavior observable without a database.
type Mem struct {
	mu        sync.Mutex
	resources map[string]record.Record // key: type "/" id
	snapshots map[string]record.Record
	results   []*ValidationResult
	alerts    []*Alert

	SyncCalls   int
	UpdateCalls int
	AlertCalls  int

	GetErr     error
	ListErr    error
	SyncErr    error
	UpdateErr  error
	CountersFn func(since, until time.Time) (*Counters, error)
}

// NewMem returns an empty in-memory backend.
func NewMem() *Mem {
	return &Mem{
		resources: map[string]record.Record{},
		snapshots: map[string]record.Record{},
	}
}

func memKey(resourceType, resourceID string) string {
	return resourceType + "/" + resourceID
}

// Seed stores a resource document directly.
func (m *Mem) Seed(resourceType, resourceID string, doc record.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[memKey(resourceType, resourceID)] = record.Clone(doc)
}

// SeedSnapshot stores a local snapshot directly.
func (m *Mem) SeedSnapshot(resourceType, resourceID string, doc record.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[memKey(resourceType, resourceID)] = record.Clone(doc)
}

func (m *Mem) Get(ctx context.Context, resourceType, resourceID string) (record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	doc, ok := m.resources[memKey(resourceType, resourceID)]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(doc), nil
}

func (m *Mem) List(ctx context.Context, resourceType string) ([]Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []Resource
	prefix := resourceType + "/"
	for k, doc := range m.resources {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, Resource{ID: k[len(prefix):], Doc: record.Clone(doc)})
		}
	}
	return out, nil
}

func (m *Mem) Sync(ctx context.Context, resourceType, resourceID string, newState record.Record, meta map[string]any) (*SyncResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SyncCalls++
	if m.SyncErr != nil {
		return nil, m.SyncErr
	}
	m.resources[memKey(resourceType, resourceID)] = record.Clone(newState)
	return &SyncResult{Success: true, NewState: newState, Timestamp: time.Now().UTC()}, nil
}

func (m *Mem) Update(ctx context.Context, resourceType, resourceID string, data record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpdateCalls++
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.resources[memKey(resourceType, resourceID)] = record.Clone(data)
	return nil
}

func (m *Mem) StoreValidationResult(ctx context.Context, res *ValidationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, res)
	return nil
}

func (m *Mem) Counters(ctx context.Context, since, until time.Time) (*Counters, error) {
	m.mu.Lock()
	fn := m.CountersFn
	m.mu.Unlock()
	if fn != nil {
		return fn(since, until)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &Counters{AlertsRaised: len(m.alerts)}
	for _, r := range m.results {
		if !r.IsValid {
			c.ConsistencyErrors++
		}
		c.IntegrityViolations += len(r.Violations)
	}
	return c, nil
}

func (m *Mem) CreateAlert(ctx context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AlertCalls++
	m.alerts = append(m.alerts, a)
	return nil
}

func (m *Mem) GetSnapshot(ctx context.Context, resourceType, resourceID string) (record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.snapshots[memKey(resourceType, resourceID)]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(doc), nil
}

func (m *Mem) PutSnapshot(ctx context.Context, resourceType, resourceID string, doc record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[memKey(resourceType, resourceID)] = record.Clone(doc)
	return nil
}

// Alerts returns the raised alerts.
func (m *Mem) Alerts() []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// ValidationResults returns the stored validation results.
func (m *Mem) ValidationResults() []*ValidationResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ValidationResult, len(m.results))
	copy(out, m.results)
	return out
}
