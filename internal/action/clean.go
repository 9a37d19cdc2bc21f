package action

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/salespipe-labs/salespipe-go/internal/domain"
)

// Column names of the weekly sales feed.
const (
	colWeek      = "Week"
	colWeekEnd   = "Week End"
	colDate      = "Date"
	colYear      = "Year"
	colFranchise = "Franchise"
	colUnits     = "ST_Units"
	colRetail    = "ST_Retail_$"
)

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05Z07:00",
	"1/2/2006",
	"01/02/2006",
	"2006/01/02",
}

// Clean normalizes the extracted table: the week-end column becomes an ISO
// date named Date, the week ordinal is dropped, the measure columns are
// coerced to numbers, and exact duplicate rows are removed. Values that
// cannot be coerced become nulls rather than failing the step; the quality
// checks decide whether the null rate is acceptable.
type Clean struct {
	Store   ObjectStore
	Buckets Buckets
}

func (a *Clean) Execute(ctx context.Context, in domain.ActionInput) (domain.OutputRef, error) {
	upstream, ok := in.Upstream["extract"]
	if !ok {
		return domain.OutputRef{}, fmt.Errorf("clean requires extract output for batch %s", in.Batch.ID)
	}

	rc, err := a.Store.Get(ctx, a.Buckets.Curated, upstream.ObjectKey)
	if err != nil {
		return domain.OutputRef{}, err
	}
	defer rc.Close()

	table, err := ReadTable(rc)
	if err != nil {
		return domain.OutputRef{}, fmt.Errorf("parse extract output %s: %w", upstream.ObjectKey, err)
	}

	table = table.DropColumn(colWeek)

	if idx := table.ColumnIndex(colWeekEnd); idx >= 0 {
		for _, row := range table.Rows {
			if idx < len(row) {
				row[idx] = coerceDate(row[idx])
			}
		}
		table = table.RenameColumn(colWeekEnd, colDate)
	}

	for _, col := range []string{colUnits, colRetail} {
		idx := table.ColumnIndex(col)
		if idx < 0 {
			continue
		}
		for _, row := range table.Rows {
			if idx < len(row) {
				row[idx] = coerceNumeric(row[idx])
			}
		}
	}

	table = table.DropDuplicates()

	payload, err := table.Encode()
	if err != nil {
		return domain.OutputRef{}, err
	}

	outKey := StepKey(in.Batch.ID, "clean.csv")
	if err := a.Store.Put(ctx, a.Buckets.Curated, outKey, payload, "text/csv"); err != nil {
		return domain.OutputRef{}, err
	}

	return domain.OutputRef{
		ObjectKey: outKey,
		Stats:     table.Stats(colFranchise, colYear),
	}, nil
}

// coerceDate returns the ISO date or "" when unparseable.
func coerceDate(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

// coerceNumeric strips currency formatting and returns the canonical number
// or "" when unparseable.
func coerceNumeric(value string) string {
	cleaned := strings.TrimSpace(value)
	cleaned = strings.ReplaceAll(cleaned, "$", "")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	if cleaned == "" {
		return ""
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return ""
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
