package analytics

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/insight-desk/backend/internal/model/assistant"
	"github.com/zhouzirui/insight-desk/backend/internal/platform/database"
)

func TestCheckReadOnly(t *testing.T) {
	ok := []string{
		"SELECT * FROM orders",
		"  select count(*) from orders;  ",
		"WITH t AS (SELECT 1 AS x) SELECT x FROM t",
		"```sql\nSELECT name FROM customers WHERE name = 'drop table'\n```",
	}
	for _, q := range ok {
		_, err := CheckReadOnly(q)
		assert.NoError(t, err, q)
	}

	bad := []string{
		"",
		"DELETE FROM orders",
		"SELECT 1; DROP TABLE orders",
		"WITH x AS (DELETE FROM orders RETURNING *) SELECT * FROM x",
		"UPDATE orders SET amount = 0",
		"PRAGMA table_info(orders)",
	}
	for _, q := range bad {
		_, err := CheckReadOnly(q)
		assert.ErrorIs(t, err, ErrReadOnlySQL, q)
	}
}

func newDemoRunner(t *testing.T) *Runner {
	t.Helper()
	db, err := database.Open("sqlite://" + filepath.Join(t.TempDir(), "analytics.db"))
	require.NoError(t, err)
	require.NoError(t, SeedDemo(context.Background(), db))
	// second call is a no-op
	require.NoError(t, SeedDemo(context.Background(), db))
	return NewRunner(db, 10)
}

func TestRunnerViewAndQuery(t *testing.T) {
	runner := newDemoRunner(t)
	ctx := context.Background()

	res, err := runner.View(ctx, "monthly_revenue", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"month", "revenue"}, res.Columns)
	assert.Len(t, res.Rows, 6)

	res, err = runner.Query(ctx, "SELECT name FROM customers ORDER BY id")
	require.NoError(t, err)
	require.Len(t, res.Rows, 4)
	assert.Equal(t, "Acme Corp", res.Rows[0][0])

	res, err = runner.Query(ctx, "SELECT id FROM orders")
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Rows, 10)

	_, err = runner.Query(ctx, "DELETE FROM orders")
	assert.ErrorIs(t, err, ErrReadOnlySQL)

	_, err = runner.View(ctx, "orders; drop", "", 1)
	assert.Error(t, err)
}

func TestRunnerDescribeTables(t *testing.T) {
	runner := newDemoRunner(t)
	schemas, err := runner.DescribeTables(context.Background(), []string{"orders", "missing"})
	require.NoError(t, err)
	require.Len(t, schemas, 1)
	assert.Equal(t, "orders", schemas[0].Name)

	var names []string
	for _, c := range schemas[0].Columns {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "amount")
	assert.Contains(t, names, "customer_id")
}

const regional = `region,quarter,revenue,units
North,2024-Q1,100,4
South,2024-Q1,50,2
North,2024-Q2,"1,200",6
`

func TestReadCSVInfersKinds(t *testing.T) {
	ds, err := ReadCSV("regional", strings.NewReader(regional))
	require.NoError(t, err)
	assert.Equal(t, []CSVColumn{
		{Name: "region", Kind: KindText},
		{Name: "quarter", Kind: KindText},
		{Name: "revenue", Kind: KindNumber},
		{Name: "units", Kind: KindNumber},
	}, ds.Columns)

	profile := ds.Profile(2)
	assert.Equal(t, 3, profile.RowCount)
	assert.Len(t, profile.SampleRows, 2)
}

func TestHeuristicPlanAndAggregate(t *testing.T) {
	ds, err := ReadCSV("regional", strings.NewReader(regional))
	require.NoError(t, err)

	plan, err := HeuristicPlan(ds, "Show revenue by region")
	require.NoError(t, err)
	assert.Equal(t, "region", plan.Dimension)
	assert.Equal(t, []string{"revenue"}, plan.Measures)
	assert.Equal(t, "bar", plan.Chart)

	viz, table, err := Aggregate(ds, plan)
	require.NoError(t, err)
	assert.NotEmpty(t, viz.ID)
	assert.Equal(t, []string{"North", "South"}, viz.Labels)
	require.Len(t, viz.Series, 1)
	assert.Equal(t, []float64{1300, 50}, viz.Series[0].Data)
	assert.Equal(t, []string{"region", "revenue"}, table.Columns)
	assert.Len(t, table.Rows, 2)
}

func TestAggregateRejectsBadPlan(t *testing.T) {
	ds, err := ReadCSV("regional", strings.NewReader(regional))
	require.NoError(t, err)

	_, _, err = Aggregate(ds, ChartPlan{Dimension: "nope", Measures: []string{"revenue"}})
	assert.Error(t, err)
	_, _, err = Aggregate(ds, ChartPlan{Dimension: "region", Measures: []string{"quarter"}})
	assert.Error(t, err)
}

func TestCatalogDescribeCSV(t *testing.T) {
	a := &assistant.Assistant{ID: "sales", CSVFiles: []assistant.CSVFile{{Name: "regional_sales", Path: "data/regional_sales.csv"}}}
	catalog := NewCatalog(nil, filepath.Join("..", "..", ".."))

	out, err := catalog.DescribeCSV(context.Background(), a, "")
	require.NoError(t, err)
	assert.Contains(t, out, `"region"`)

	tables, err := catalog.DescribeTables(context.Background(), &assistant.Assistant{Tables: []string{"orders"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tables":["orders"]}`, tables)

	_, err = catalog.DescribeCSV(context.Background(), a, "missing")
	assert.Error(t, err)
}
