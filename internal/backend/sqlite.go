package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brolab/datasync/internal/record"
)

// SQLite implements Client and Cache over the platform sqlite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite returns a SQLite backend over an opened connection.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Get returns the resource document, or ErrNotFound.
func (s *SQLite) Get(ctx context.Context, resourceType, resourceID string) (record.Record, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM resources WHERE resource_type = ? AND resource_id = ?`,
		resourceType, resourceID,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get resource: %w", err)
	}
	var rec record.Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, fmt.Errorf("decode resource doc: %w", err)
	}
	return rec, nil
}

// List returns all resources of a type ordered by id.
func (s *SQLite) List(ctx context.Context, resourceType string) ([]Resource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource_id, doc FROM resources WHERE resource_type = ? ORDER BY resource_id`,
		resourceType,
	)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()
	var out []Resource
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		var rec record.Record
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, fmt.Errorf("decode resource doc %s: %w", id, err)
		}
		out = append(out, Resource{ID: id, Doc: rec})
	}
	return out, rows.Err()
}

// Sync upserts the new state and reports the mutation outcome.
func (s *SQLite) Sync(ctx context.Context, resourceType, resourceID string, newState record.Record, meta map[string]any) (*SyncResult, error) {
	if err := s.put(ctx, "resources", resourceType, resourceID, newState); err != nil {
		return nil, fmt.Errorf("sync resource: %w", err)
	}
	return &SyncResult{
		Success:   true,
		NewState:  newState,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Update overwrites the resource document. Used by conflict resolution and
// integrity repair writes.
func (s *SQLite) Update(ctx context.Context, resourceType, resourceID string, data record.Record) error {
	if err := s.put(ctx, "resources", resourceType, resourceID, data); err != nil {
		return fmt.Errorf("update resource: %w", err)
	}
	return nil
}

func (s *SQLite) put(ctx context.Context, table, resourceType, resourceID string, doc record.Record) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO `+table+` (resource_type, resource_id, doc, updated_at) VALUES (?, ?, ?, ?)`,
		resourceType, resourceID, string(b), nowSeconds(),
	)
	return err
}

// StoreValidationResult persists one integrity pass.
func (s *SQLite) StoreValidationResult(ctx context.Context, res *ValidationResult) error {
	violations := "[]"
	if len(res.Violations) > 0 {
		b, err := json.Marshal(res.Violations)
		if err != nil {
			return err
		}
		violations = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO validation_results
		 (result_id, resource_type, is_valid, checked_count, violation_count, violations_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.ResourceType, res.IsValid, res.CheckedCount, len(res.Violations), violations,
		float64(res.Timestamp.UnixNano())/1e9,
	)
	if err != nil {
		return fmt.Errorf("store validation result: %w", err)
	}
	return nil
}

// Counters aggregates stored consistency counters within [since, until].
func (s *SQLite) Counters(ctx context.Context, since, until time.Time) (*Counters, error) {
	lo := float64(since.UnixNano()) / 1e9
	hi := float64(until.UnixNano()) / 1e9
	c := &Counters{}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM validation_results WHERE is_valid = 0 AND created_at >= ? AND created_at <= ?`,
		lo, hi,
	).Scan(&c.ConsistencyErrors)
	if err != nil {
		return nil, fmt.Errorf("count consistency errors: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(violation_count), 0) FROM validation_results WHERE created_at >= ? AND created_at <= ?`,
		lo, hi,
	).Scan(&c.IntegrityViolations)
	if err != nil {
		return nil, fmt.Errorf("count integrity violations: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alerts WHERE created_at >= ? AND created_at <= ?`,
		lo, hi,
	).Scan(&c.AlertsRaised)
	if err != nil {
		return nil, fmt.Errorf("count alerts: %w", err)
	}
	return c, nil
}

// CreateAlert persists one alert record.
func (s *SQLite) CreateAlert(ctx context.Context, a *Alert) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO alerts (alert_id, alert_type, message, severity, value, threshold, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Type, a.Message, a.Severity, a.Value, a.Threshold,
		float64(a.Timestamp.UnixNano())/1e9,
	)
	if err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	return nil
}

// GetSnapshot returns the last locally observed state, or ErrNotFound.
func (s *SQLite) GetSnapshot(ctx context.Context, resourceType, resourceID string) (record.Record, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM local_snapshots WHERE resource_type = ? AND resource_id = ?`,
		resourceType, resourceID,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	var rec record.Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, fmt.Errorf("decode snapshot doc: %w", err)
	}
	return rec, nil
}

// PutSnapshot records the last locally observed state for a resource.
func (s *SQLite) PutSnapshot(ctx context.Context, resourceType, resourceID string, doc record.Record) error {
	if err := s.put(ctx, "local_snapshots", resourceType, resourceID, doc); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}
