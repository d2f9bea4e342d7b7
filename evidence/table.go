package evidence

import (
	"fmt"
	"strings"
)

// Table is tabular evidence, e.g. a SQL result set.
type Table struct {
	Columns []string
	Rows    [][]string
}

// TableSample is the bounded text rendering of a Table.
type TableSample struct {
	Text string `json:"text"`

	TotalRows   int `json:"total_rows"`
	TotalCols   int `json:"total_cols"`
	SampledRows int `json:"sampled_rows"`
	SampledCols int `json:"sampled_cols"`

	Strategy SamplingStrategy `json:"sampling_strategy"`
	// Note describes what the sampling kept, for the reader of the bundle.
	Note          string `json:"sampling_note"`
	ColsTruncated bool   `json:"cols_truncated"`
}

// SampleTable renders the table bounded by (maxRows, maxCols) using the
// given strategy. Column truncation keeps the leftmost columns.
func SampleTable(t Table, maxRows, maxCols int, strategy SamplingStrategy) (TableSample, error) {
	if maxRows <= 0 || maxCols <= 0 {
		return TableSample{}, fmt.Errorf("max_rows and max_cols must be positive, got (%d, %d)", maxRows, maxCols)
	}
	if !strategy.valid() {
		return TableSample{}, fmt.Errorf("invalid sampling_strategy %q", strategy)
	}

	sample := TableSample{
		TotalRows: len(t.Rows),
		TotalCols: len(t.Columns),
		Strategy:  strategy,
	}

	cols := t.Columns
	if len(cols) > maxCols {
		cols = cols[:maxCols]
		sample.ColsTruncated = true
	}
	sample.SampledCols = len(cols)

	var rows [][]string
	switch {
	case len(t.Rows) <= maxRows:
		rows = t.Rows
		sample.Note = "all rows"
	case strategy == SampleFirstOnly:
		rows = t.Rows[:maxRows]
		sample.Note = fmt.Sprintf("first %d of %d rows", maxRows, len(t.Rows))
	case strategy == SampleFirstLast:
		head := maxRows / 2
		tail := maxRows - head
		rows = append(append([][]string{}, t.Rows[:head]...), t.Rows[len(t.Rows)-tail:]...)
		sample.Note = fmt.Sprintf("first %d and last %d of %d rows", head, tail, len(t.Rows))
	case strategy == SampleStride:
		stride := (len(t.Rows) + maxRows - 1) / maxRows
		for i := 0; i < len(t.Rows) && len(rows) < maxRows; i += stride {
			rows = append(rows, t.Rows[i])
		}
		sample.Note = fmt.Sprintf("every %d-th of %d rows", stride, len(t.Rows))
	}
	sample.SampledRows = len(rows)

	var b strings.Builder
	b.WriteString(strings.Join(cols, " | "))
	b.WriteByte('\n')
	for _, row := range rows {
		if len(row) > len(cols) {
			row = row[:len(cols)]
		}
		b.WriteString(strings.Join(row, " | "))
		b.WriteByte('\n')
	}
	sample.Text = b.String()
	return sample, nil
}
