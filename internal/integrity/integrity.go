// Package integrity runs named structural rules against resource records and
// reports violations. Rules may carry an optional repair function applied only
// through the explicit repair path, never during validation.
package integrity

import (
	"fmt"
	"time"

	"github.com/brolab/datasync/internal/record"
)

// Severity levels for integrity rules and violations.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// ValidateFunc is a rule predicate. A false result reports one violation; a
// returned error is treated as a synthetic high-severity violation.
type ValidateFunc func(record.Record) (bool, error)

// RepairFunc returns a corrected copy of the record.
type RepairFunc func(record.Record) (record.Record, error)

// Rule asserts one structural property of a resource record.
type Rule struct {
	Name        string
	Description string
	Severity    string
	Validate    ValidateFunc
	Repair      RepairFunc
}

// Violation is one failed rule evaluation. Produced transiently by a
// validation pass; persistence is the caller's concern.
type Violation struct {
	ResourceType string        `json:"resource_type"`
	ResourceID   string        `json:"resource_id"`
	Rule         string        `json:"rule"`
	Description  string        `json:"description"`
	Severity     string        `json:"severity"`
	Timestamp    time.Time     `json:"timestamp"`
	Data         record.Record `json:"data,omitempty"`
}

// Engine holds the ordered rule lists per resource type.
type Engine struct {
	rules map[string][]Rule
}

// NewEngine returns an Engine with the default rule sets registered.
func NewEngine() *Engine {
	e := &Engine{rules: map[string][]Rule{}}
	registerDefaults(e)
	return e
}

// AddRule appends a rule for resourceType. Duplicate names are allowed to
// coexist; later additions run after earlier ones.
func (e *Engine) AddRule(resourceType string, r Rule) {
	e.rules[resourceType] = append(e.rules[resourceType], r)
}

// RemoveRule removes the first rule with the given name for resourceType.
// Returns false when no such rule exists.
func (e *Engine) RemoveRule(resourceType, name string) bool {
	rules := e.rules[resourceType]
	for i, r := range rules {
		if r.Name == name {
			e.rules[resourceType] = append(rules[:i:i], rules[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns the registered rules for resourceType in evaluation order.
func (e *Engine) Rules(resourceType string) []Rule {
	return e.rules[resourceType]
}

// RepairFor returns the repair function of the first rule with the given
// name, or nil when the rule is unknown or carries no repair.
func (e *Engine) RepairFor(resourceType, name string) RepairFunc {
	for _, r := range e.rules[resourceType] {
		if r.Name == name {
			return r.Repair
		}
	}
	return nil
}

// Validate runs every registered rule for resourceType against rec. Each
// false result appends one violation; a validator error appends a synthetic
// high-severity violation and evaluation continues.
func (e *Engine) Validate(resourceType, resourceID string, rec record.Record) []Violation {
	var violations []Violation
	now := time.Now()
	for _, r := range e.rules[resourceType] {
		ok, err := r.Validate(rec)
		if err != nil {
			violations = append(violations, Violation{
				ResourceType: resourceType,
				ResourceID:   resourceID,
				Rule:         r.Name,
				Description:  fmt.Sprintf("validator error: %v", err),
				Severity:     SeverityHigh,
				Timestamp:    now,
				Data:         rec,
			})
			continue
		}
		if !ok {
			violations = append(violations, Violation{
				ResourceType: resourceType,
				ResourceID:   resourceID,
				Rule:         r.Name,
				Description:  r.Description,
				Severity:     r.Severity,
				Timestamp:    now,
				Data:         rec,
			})
		}
	}
	return violations
}
