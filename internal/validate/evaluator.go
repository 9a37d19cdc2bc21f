// Package validate evaluates data-quality checks against a step's output
// before the run is committed.
package validate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/salespipe-labs/salespipe-go/internal/domain"
)

// Evaluate applies a step's check set to its produced output. Checks are pure
// predicates over the output's declared stats; evaluation is deterministic
// and never touches the output itself. Any blocking violation fails the
// overall result; warnings are recorded but do not block.
func Evaluate(checks []domain.CheckSpec, output domain.OutputRef, upstream map[string]domain.OutputRef) domain.ValidationResult {
	result := domain.ValidationResult{Passed: true}

	for _, check := range checks {
		message, ok := apply(check, output, upstream)
		if ok {
			continue
		}
		result.Violations = append(result.Violations, domain.RuleViolation{
			RuleID:   check.ID,
			Severity: check.Severity,
			Message:  message,
		})
		if check.Severity == domain.SeverityBlocking {
			result.Passed = false
		}
	}
	return result
}

func apply(check domain.CheckSpec, output domain.OutputRef, upstream map[string]domain.OutputRef) (string, bool) {
	stats := output.Stats
	switch strings.ToLower(strings.TrimSpace(check.Type)) {
	case domain.CheckRowCountBounds:
		if check.MinRows != nil && stats.RowCount < *check.MinRows {
			return fmt.Sprintf("row count %d below minimum %d", stats.RowCount, *check.MinRows), false
		}
		if check.MaxRows != nil && stats.RowCount > *check.MaxRows {
			return fmt.Sprintf("row count %d above maximum %d", stats.RowCount, *check.MaxRows), false
		}
		return "", true

	case domain.CheckNullRateMax:
		if !stats.HasColumn(check.Column) {
			return fmt.Sprintf("column %q not present in output", check.Column), false
		}
		rate := stats.NullRate(check.Column)
		if rate > *check.MaxNullRate {
			return fmt.Sprintf("null rate %.4f for column %q above ceiling %.4f", rate, check.Column, *check.MaxNullRate), false
		}
		return "", true

	case domain.CheckColumnsRequired:
		missing := make([]string, 0)
		for _, column := range check.Columns {
			if !stats.HasColumn(column) {
				missing = append(missing, column)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Sprintf("missing required columns: %s", strings.Join(missing, ", ")), false
		}
		return "", true

	case domain.CheckKeysSubsetOfUpstream:
		ref, ok := upstream[check.UpstreamStep]
		if !ok {
			return fmt.Sprintf("upstream output %q not available", check.UpstreamStep), false
		}
		allowed := make(map[string]struct{}, len(ref.Stats.DistinctKeys[check.KeyColumn]))
		for _, value := range ref.Stats.DistinctKeys[check.KeyColumn] {
			allowed[value] = struct{}{}
		}
		orphans := make([]string, 0)
		for _, value := range stats.DistinctKeys[check.KeyColumn] {
			if _, ok := allowed[value]; !ok {
				orphans = append(orphans, value)
			}
		}
		if len(orphans) > 0 {
			sort.Strings(orphans)
			return fmt.Sprintf("column %q has %d values absent upstream in %q: %s",
				check.KeyColumn, len(orphans), check.UpstreamStep, strings.Join(orphans, ", ")), false
		}
		return "", true

	default:
		// Registry validation rejects unknown types; reaching this is a bug.
		return fmt.Sprintf("unsupported check type %q", check.Type), false
	}
}
