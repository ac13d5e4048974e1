package analytics

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// ColumnKind is the inferred type of a CSV column.
type ColumnKind string

const (
	KindNumber ColumnKind = "number"
	KindText   ColumnKind = "text"
)

// CSVColumn describes one column of a CSV file.
type CSVColumn struct {
	Name string     `json:"name"`
	Kind ColumnKind `json:"kind"`
}

// Dataset is a parsed CSV file.
type Dataset struct {
	Name    string
	Columns []CSVColumn
	Rows    [][]string
}

// Profile is the compact description handed to the model.
type Profile struct {
	Name       string      `json:"name"`
	Columns    []CSVColumn `json:"columns"`
	RowCount   int         `json:"row_count"`
	SampleRows [][]string  `json:"sample_rows"`
}

const maxCSVRows = 50000

// LoadCSV reads a CSV file with a header row.
func LoadCSV(name, path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv %s: %w", name, err)
	}
	defer f.Close()
	return ReadCSV(name, f)
}

// ReadCSV parses CSV data with a header row and infers the column kinds.
func ReadCSV(name string, r io.Reader) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("csv %s is empty", name)
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header %s: %w", name, err)
	}

	ds := &Dataset{Name: name}
	for _, h := range header {
		ds.Columns = append(ds.Columns, CSVColumn{Name: strings.TrimSpace(h), Kind: KindNumber})
	}

	for len(ds.Rows) < maxCSVRows {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv %s: %w", name, err)
		}
		ds.Rows = append(ds.Rows, record)
	}

	for i := range ds.Columns {
		for _, row := range ds.Rows {
			if i >= len(row) || strings.TrimSpace(row[i]) == "" {
				continue
			}
			if _, ok := parseNumber(row[i]); !ok {
				ds.Columns[i].Kind = KindText
				break
			}
		}
	}
	return ds, nil
}

// Profile summarizes the dataset with up to sample rows.
func (d *Dataset) Profile(sample int) Profile {
	if sample > len(d.Rows) {
		sample = len(d.Rows)
	}
	return Profile{
		Name:       d.Name,
		Columns:    d.Columns,
		RowCount:   len(d.Rows),
		SampleRows: d.Rows[:sample],
	}
}

func (d *Dataset) column(name string) (int, bool) {
	for i, c := range d.Columns {
		if strings.EqualFold(c.Name, name) {
			return i, true
		}
	}
	return -1, false
}

// Aggregation functions.
const (
	AggSum   = "sum"
	AggAvg   = "avg"
	AggCount = "count"
)

// ChartPlan says how to turn a dataset into a chart.
type ChartPlan struct {
	Chart     string   `json:"chart"`
	Title     string   `json:"title"`
	Dimension string   `json:"dimension"`
	Measures  []string `json:"measures"`
	Agg       string   `json:"agg"`
}

var chartKinds = map[string]bool{"bar": true, "line": true, "pie": true, "scatter": true}

// Validate fills defaults and checks the columns exist with the right kinds.
func (p *ChartPlan) Validate(d *Dataset) error {
	if !chartKinds[p.Chart] {
		p.Chart = "bar"
	}
	switch p.Agg {
	case AggSum, AggAvg, AggCount:
	default:
		p.Agg = AggSum
	}

	idx, ok := d.column(p.Dimension)
	if !ok {
		return fmt.Errorf("unknown dimension column %q", p.Dimension)
	}
	p.Dimension = d.Columns[idx].Name

	if p.Agg == AggCount && len(p.Measures) == 0 {
		return nil
	}
	if len(p.Measures) == 0 {
		return fmt.Errorf("chart plan without measures")
	}
	for i, m := range p.Measures {
		idx, ok := d.column(m)
		if !ok {
			return fmt.Errorf("unknown measure column %q", m)
		}
		if d.Columns[idx].Kind != KindNumber {
			return fmt.Errorf("measure column %q is not numeric", m)
		}
		p.Measures[i] = d.Columns[idx].Name
	}
	return nil
}

// HeuristicPlan picks the first text column as dimension and the numeric columns mentioned in the
// query (or all of them) as measures.
func HeuristicPlan(d *Dataset, query string) (ChartPlan, error) {
	lower := strings.ToLower(query)
	plan := ChartPlan{Chart: "bar", Agg: AggSum, Title: d.Name}

	var numeric []string
	for _, c := range d.Columns {
		switch c.Kind {
		case KindText:
			if plan.Dimension == "" || strings.Contains(lower, strings.ToLower(c.Name)) {
				plan.Dimension = c.Name
			}
		case KindNumber:
			numeric = append(numeric, c.Name)
			if strings.Contains(lower, strings.ToLower(c.Name)) {
				plan.Measures = append(plan.Measures, c.Name)
			}
		}
	}
	if plan.Dimension == "" {
		return ChartPlan{}, fmt.Errorf("csv %s has no text column to group by", d.Name)
	}
	if len(plan.Measures) == 0 {
		plan.Measures = numeric
	}
	if len(plan.Measures) == 0 {
		plan.Agg = AggCount
	}

	switch {
	case strings.Contains(lower, "trend") || strings.Contains(lower, "over time") || strings.Contains(lower, "趋势"):
		plan.Chart = "line"
	case strings.Contains(lower, "share") || strings.Contains(lower, "pie") || strings.Contains(lower, "占比"):
		plan.Chart = "pie"
	}
	return plan, nil
}

// Aggregate groups rows by the plan dimension and returns the chart descriptor plus the
// aggregated table.
func Aggregate(d *Dataset, plan ChartPlan) (protocol.Visualization, protocol.Table, error) {
	if err := plan.Validate(d); err != nil {
		return protocol.Visualization{}, protocol.Table{}, err
	}

	dimIdx, _ := d.column(plan.Dimension)
	measures := plan.Measures
	if plan.Agg == AggCount && len(measures) == 0 {
		measures = []string{"count"}
	}

	type bucket struct {
		sums  []float64
		count int
	}
	order := make([]string, 0)
	buckets := make(map[string]*bucket)
	for _, row := range d.Rows {
		if dimIdx >= len(row) {
			continue
		}
		key := strings.TrimSpace(row[dimIdx])
		b, ok := buckets[key]
		if !ok {
			b = &bucket{sums: make([]float64, len(measures))}
			buckets[key] = b
			order = append(order, key)
		}
		b.count++
		if plan.Agg == AggCount {
			continue
		}
		for i, m := range measures {
			idx, _ := d.column(m)
			if idx < len(row) {
				if v, ok := parseNumber(row[idx]); ok {
					b.sums[i] += v
				}
			}
		}
	}
	if plan.Chart == "line" {
		sort.Strings(order)
	}

	series := make([]protocol.Series, len(measures))
	for i, m := range measures {
		series[i] = protocol.Series{Name: m, Data: make([]float64, 0, len(order))}
	}
	table := protocol.Table{Title: plan.Title, Columns: append([]string{plan.Dimension}, measures...)}
	for _, key := range order {
		b := buckets[key]
		row := []any{key}
		for i := range measures {
			var v float64
			switch plan.Agg {
			case AggCount:
				v = float64(b.count)
			case AggAvg:
				v = b.sums[i] / float64(b.count)
			default:
				v = b.sums[i]
			}
			series[i].Data = append(series[i].Data, v)
			row = append(row, v)
		}
		table.Rows = append(table.Rows, row)
	}

	viz := protocol.Visualization{
		ID:     "viz-" + uuid.NewString(),
		Chart:  plan.Chart,
		Title:  plan.Title,
		Labels: order,
		Series: series,
		Options: map[string]any{
			"dimension": plan.Dimension,
			"agg":       plan.Agg,
		},
	}
	return viz, table, nil
}

func parseNumber(raw string) (float64, bool) {
	clean := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	clean = strings.TrimSuffix(clean, "%")
	clean = strings.TrimPrefix(clean, "$")
	v, err := strconv.ParseFloat(clean, 64)
	return v, err == nil
}
