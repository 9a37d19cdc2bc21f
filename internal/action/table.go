// Package action implements the built-in sales pipeline steps: extract raw
// weekly files, clean them into curated tables, and aggregate summaries.
package action

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/salespipe-labs/salespipe-go/internal/domain"
)

// Table is a small in-memory CSV table. Empty cells are treated as nulls.
type Table struct {
	Columns []string
	Rows    [][]string
}

func ReadTable(r io.Reader) (Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	records, err := cr.ReadAll()
	if err != nil {
		return Table{}, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return Table{}, fmt.Errorf("read csv: missing header row")
	}

	header := make([]string, len(records[0]))
	for i, col := range records[0] {
		header[i] = strings.TrimSpace(col)
	}
	return Table{Columns: header, Rows: records[1:]}, nil
}

func (t Table) Encode() ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(t.Columns); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range t.Rows {
		if err := cw.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func (t Table) ColumnIndex(name string) int {
	for i, col := range t.Columns {
		if col == name {
			return i
		}
	}
	return -1
}

func (t Table) cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// Stats computes the declared statistics the validator consumes. Distinct
// values are collected only for the named key columns.
func (t Table) Stats(keyColumns ...string) domain.TableStats {
	stats := domain.TableStats{
		Columns:      append([]string(nil), t.Columns...),
		RowCount:     int64(len(t.Rows)),
		NullCounts:   make(map[string]int64, len(t.Columns)),
		DistinctKeys: make(map[string][]string, len(keyColumns)),
	}

	for i, col := range t.Columns {
		var nulls int64
		for _, row := range t.Rows {
			if t.cell(row, i) == "" {
				nulls++
			}
		}
		stats.NullCounts[col] = nulls
	}

	for _, col := range keyColumns {
		idx := t.ColumnIndex(col)
		if idx < 0 {
			continue
		}
		seen := make(map[string]struct{})
		values := make([]string, 0)
		for _, row := range t.Rows {
			v := t.cell(row, idx)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			values = append(values, v)
		}
		stats.DistinctKeys[col] = values
	}

	stats.SortDistinctKeys()
	return stats
}

// DropDuplicates removes exact duplicate rows, keeping the first occurrence.
func (t Table) DropDuplicates() Table {
	seen := make(map[string]struct{}, len(t.Rows))
	rows := make([][]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		key := strings.Join(row, "\x1f")
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		rows = append(rows, row)
	}
	return Table{Columns: t.Columns, Rows: rows}
}

// DropColumn removes a column if present.
func (t Table) DropColumn(name string) Table {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return t
	}
	cols := make([]string, 0, len(t.Columns)-1)
	cols = append(cols, t.Columns[:idx]...)
	cols = append(cols, t.Columns[idx+1:]...)

	rows := make([][]string, len(t.Rows))
	for i, row := range t.Rows {
		out := make([]string, 0, len(cols))
		for j, cell := range row {
			if j == idx {
				continue
			}
			out = append(out, cell)
		}
		rows[i] = out
	}
	return Table{Columns: cols, Rows: rows}
}

// RenameColumn renames a column if present.
func (t Table) RenameColumn(from, to string) Table {
	idx := t.ColumnIndex(from)
	if idx < 0 {
		return t
	}
	cols := append([]string(nil), t.Columns...)
	cols[idx] = to
	return Table{Columns: cols, Rows: t.Rows}
}
