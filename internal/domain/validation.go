package domain

import (
	"errors"
	"fmt"
	"strings"
)

type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityWarning  Severity = "warning"
)

// Check types evaluated against a step's output stats.
const (
	CheckRowCountBounds       = "row_count_bounds"
	CheckNullRateMax          = "null_rate_max"
	CheckColumnsRequired      = "columns_required"
	CheckKeysSubsetOfUpstream = "keys_subset_of_upstream"
)

// CheckSpec is one declarative data-quality rule attached to a step.
type CheckSpec struct {
	ID       string
	Type     string
	Severity Severity

	MinRows *int64
	MaxRows *int64

	Column      string
	MaxNullRate *float64

	Columns []string

	UpstreamStep string
	KeyColumn    string
}

func (c CheckSpec) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("check id is required")
	}
	switch c.Severity {
	case SeverityBlocking, SeverityWarning:
	default:
		return fmt.Errorf("check %q severity must be blocking or warning", c.ID)
	}

	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case CheckRowCountBounds:
		if c.MinRows == nil && c.MaxRows == nil {
			return fmt.Errorf("check %q requires min_rows or max_rows", c.ID)
		}
		if c.MinRows != nil && *c.MinRows < 0 {
			return fmt.Errorf("check %q min_rows must be >= 0", c.ID)
		}
		if c.MaxRows != nil && *c.MaxRows < 0 {
			return fmt.Errorf("check %q max_rows must be >= 0", c.ID)
		}
		if c.MinRows != nil && c.MaxRows != nil && *c.MinRows > *c.MaxRows {
			return fmt.Errorf("check %q min_rows must be <= max_rows", c.ID)
		}
	case CheckNullRateMax:
		if strings.TrimSpace(c.Column) == "" {
			return fmt.Errorf("check %q requires column", c.ID)
		}
		if c.MaxNullRate == nil {
			return fmt.Errorf("check %q requires max_null_rate", c.ID)
		}
		if *c.MaxNullRate < 0 || *c.MaxNullRate > 1 {
			return fmt.Errorf("check %q max_null_rate must be within [0,1]", c.ID)
		}
	case CheckColumnsRequired:
		if len(c.Columns) == 0 {
			return fmt.Errorf("check %q requires columns", c.ID)
		}
	case CheckKeysSubsetOfUpstream:
		if strings.TrimSpace(c.UpstreamStep) == "" {
			return fmt.Errorf("check %q requires upstream_step", c.ID)
		}
		if strings.TrimSpace(c.KeyColumn) == "" {
			return fmt.Errorf("check %q requires key_column", c.ID)
		}
	case "":
		return fmt.Errorf("check %q type is required", c.ID)
	default:
		return fmt.Errorf("check %q type unsupported: %q", c.ID, c.Type)
	}
	return nil
}

// RuleViolation is one failed check with its severity.
type RuleViolation struct {
	RuleID   string
	Severity Severity
	Message  string
}

// ValidationResult is attached to a StepRun and never mutated afterwards.
// Passed is false iff any blocking violation is present.
type ValidationResult struct {
	Passed     bool
	Violations []RuleViolation
}

// Warnings returns the non-blocking violations.
func (r ValidationResult) Warnings() []RuleViolation {
	out := make([]RuleViolation, 0, len(r.Violations))
	for _, v := range r.Violations {
		if v.Severity == SeverityWarning {
			out = append(out, v)
		}
	}
	return out
}

// Blocking returns the blocking violations.
func (r ValidationResult) Blocking() []RuleViolation {
	out := make([]RuleViolation, 0, len(r.Violations))
	for _, v := range r.Violations {
		if v.Severity == SeverityBlocking {
			out = append(out, v)
		}
	}
	return out
}
