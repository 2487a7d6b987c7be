// Package backend defines the typed client port for the platform datastore
// the consistency core mutates, plus SQLite and in-memory implementations.
// Each logical remote operation is one method; the core never speaks a
// stringly-typed RPC surface.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/brolab/datasync/internal/integrity"
	"github.com/brolab/datasync/internal/record"
)

// ErrNotFound is returned when a resource or snapshot does not exist.
var ErrNotFound = errors.New("resource not found")

// Resource is one listed resource: its id plus current document.
type Resource struct {
	ID  string
	Doc record.Record
}

// SyncResult is the outcome of one mutating sync call.
type SyncResult struct {
	Success   bool          `json:"success"`
	NewState  record.Record `json:"new_state"`
	Timestamp time.Time     `json:"timestamp"`
}

// ValidationResult is one persisted integrity pass over a resource type.
type ValidationResult struct {
	ID           string                `json:"id"`
	ResourceType string                `json:"resource_type"`
	IsValid      bool                  `json:"is_valid"`
	Violations   []integrity.Violation `json:"violations,omitempty"`
	CheckedCount int                   `json:"checked_count"`
	Timestamp    time.Time             `json:"timestamp"`
}

// Alert is one threshold breach raised by the monitoring loop.
type Alert struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// Counters are the externally stored consistency counters for a time window.
type Counters struct {
	ConsistencyErrors   int `json:"consistency_errors"`
	IntegrityViolations int `json:"integrity_violations"`
	AlertsRaised        int `json:"alerts_raised"`
}

// Client is the remote datastore contract consumed by the core. Get returns
// ErrNotFound for missing resources; callers treat that as "no data", not
// a failure.
type Client interface {
	Get(ctx context.Context, resourceType, resourceID string) (record.Record, error)
	List(ctx context.Context, resourceType string) ([]Resource, error)
	Sync(ctx context.Context, resourceType, resourceID string, newState record.Record, meta map[string]any) (*SyncResult, error)
	Update(ctx context.Context, resourceType, resourceID string, data record.Record) error
	StoreValidationResult(ctx context.Context, res *ValidationResult) error
	Counters(ctx context.Context, since, until time.Time) (*Counters, error)
	CreateAlert(ctx context.Context, a *Alert) error
}

// Cache holds the last locally observed state per resource; conflict
// detection compares it against the remote copy. Get returns ErrNotFound
// when no snapshot has been recorded yet.
type Cache interface {
	GetSnapshot(ctx context.Context, resourceType, resourceID string) (record.Record, error)
	PutSnapshot(ctx context.Context, resourceType, resourceID string, doc record.Record) error
}
