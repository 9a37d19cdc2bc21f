package domain

import (
	"context"
	"sort"
)

// OutputRef is the opaque handle a step action produces. It names the stored
// object and carries the declared stats the validator evaluates.
type OutputRef struct {
	ObjectKey string
	Stats     TableStats
}

// TableStats are the declared statistics of a produced table.
type TableStats struct {
	Columns    []string
	RowCount   int64
	NullCounts map[string]int64
	// DistinctKeys holds the distinct values per key column, used by
	// referential checks against upstream outputs.
	DistinctKeys map[string][]string
}

// NullRate returns the null fraction for a column, 0 for an empty table.
func (s TableStats) NullRate(column string) float64 {
	if s.RowCount == 0 {
		return 0
	}
	return float64(s.NullCounts[column]) / float64(s.RowCount)
}

// HasColumn reports whether the declared schema contains the column.
func (s TableStats) HasColumn(column string) bool {
	for _, c := range s.Columns {
		if c == column {
			return true
		}
	}
	return false
}

// SortDistinctKeys normalizes distinct value ordering for deterministic output.
func (s TableStats) SortDistinctKeys() {
	for _, values := range s.DistinctKeys {
		sort.Strings(values)
	}
}

// ActionInput is handed to a step action on dispatch.
type ActionInput struct {
	Batch    Batch
	Upstream map[string]OutputRef
}

// Action is the opaque executable bound to a step. Implementations may block
// on I/O; the scheduler bounds them with a per-step timeout.
type Action interface {
	Execute(ctx context.Context, in ActionInput) (OutputRef, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, in ActionInput) (OutputRef, error)

func (f ActionFunc) Execute(ctx context.Context, in ActionInput) (OutputRef, error) {
	return f(ctx, in)
}
