package action

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/salespipe-labs/salespipe-go/internal/domain"
)

// GroupTotal is one row of a grouped summary.
type GroupTotal struct {
	Key   string  `json:"key"`
	Units float64 `json:"units"`
	Sales float64 `json:"sales"`
}

// Summary is the aggregate step's curated output.
type Summary struct {
	Batch       string       `json:"batch"`
	TotalUnits  float64      `json:"total_units"`
	TotalSales  float64      `json:"total_sales"`
	ByFranchise []GroupTotal `json:"by_franchise"`
	ByYear      []GroupTotal `json:"by_year"`
}

// Aggregate sums the cleaned measures overall, by franchise (largest sales
// first), and by year (ascending). Rows with a null group value are excluded
// from that grouping; null measures count as zero.
type Aggregate struct {
	Store   ObjectStore
	Buckets Buckets
}

func (a *Aggregate) Execute(ctx context.Context, in domain.ActionInput) (domain.OutputRef, error) {
	upstream, ok := in.Upstream["clean"]
	if !ok {
		return domain.OutputRef{}, fmt.Errorf("aggregate requires clean output for batch %s", in.Batch.ID)
	}

	rc, err := a.Store.Get(ctx, a.Buckets.Curated, upstream.ObjectKey)
	if err != nil {
		return domain.OutputRef{}, err
	}
	defer rc.Close()

	table, err := ReadTable(rc)
	if err != nil {
		return domain.OutputRef{}, fmt.Errorf("parse clean output %s: %w", upstream.ObjectKey, err)
	}

	unitsIdx := table.ColumnIndex(colUnits)
	retailIdx := table.ColumnIndex(colRetail)
	if unitsIdx < 0 || retailIdx < 0 {
		return domain.OutputRef{}, fmt.Errorf("clean output %s missing measure columns", upstream.ObjectKey)
	}

	summary := Summary{Batch: in.Batch.ID}
	byFranchise := make(map[string]*GroupTotal)
	byYear := make(map[string]*GroupTotal)

	franchiseIdx := table.ColumnIndex(colFranchise)
	yearIdx := table.ColumnIndex(colYear)

	for _, row := range table.Rows {
		units := parseMeasure(table.cell(row, unitsIdx))
		sales := parseMeasure(table.cell(row, retailIdx))
		summary.TotalUnits += units
		summary.TotalSales += sales

		if key := table.cell(row, franchiseIdx); key != "" {
			accumulate(byFranchise, key, units, sales)
		}
		if key := table.cell(row, yearIdx); key != "" {
			accumulate(byYear, key, units, sales)
		}
	}

	summary.ByFranchise = flatten(byFranchise)
	sort.Slice(summary.ByFranchise, func(i, j int) bool {
		a, b := summary.ByFranchise[i], summary.ByFranchise[j]
		if a.Sales != b.Sales {
			return a.Sales > b.Sales
		}
		return a.Key < b.Key
	})

	summary.ByYear = flatten(byYear)
	sort.Slice(summary.ByYear, func(i, j int) bool {
		return summary.ByYear[i].Key < summary.ByYear[j].Key
	})

	payload, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return domain.OutputRef{}, fmt.Errorf("encode summary: %w", err)
	}

	outKey := StepKey(in.Batch.ID, "aggregate.json")
	if err := a.Store.Put(ctx, a.Buckets.Curated, outKey, payload, "application/json"); err != nil {
		return domain.OutputRef{}, err
	}

	return domain.OutputRef{
		ObjectKey: outKey,
		Stats:     summaryStats(summary),
	}, nil
}

// summaryStats describes the by-franchise table so referential checks can
// compare its keys against the cleaned table's franchises.
func summaryStats(s Summary) domain.TableStats {
	franchises := make([]string, 0, len(s.ByFranchise))
	for _, g := range s.ByFranchise {
		franchises = append(franchises, g.Key)
	}
	sort.Strings(franchises)

	return domain.TableStats{
		Columns:  []string{colFranchise, colUnits, colRetail},
		RowCount: int64(len(s.ByFranchise)),
		NullCounts: map[string]int64{
			colFranchise: 0,
			colUnits:     0,
			colRetail:    0,
		},
		DistinctKeys: map[string][]string{
			colFranchise: franchises,
		},
	}
}

func parseMeasure(value string) float64 {
	if value == "" {
		return 0
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return f
}

func accumulate(groups map[string]*GroupTotal, key string, units, sales float64) {
	g, ok := groups[key]
	if !ok {
		g = &GroupTotal{Key: key}
		groups[key] = g
	}
	g.Units += units
	g.Sales += sales
}

func flatten(groups map[string]*GroupTotal) []GroupTotal {
	out := make([]GroupTotal, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	return out
}
