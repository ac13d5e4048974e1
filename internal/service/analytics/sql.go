// Package analytics runs read-only SQL against the analytics database and profiles CSV files.
package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// ErrReadOnlySQL is returned for statements other than a single SELECT or WITH query.
var ErrReadOnlySQL = errors.New("only a single read-only SELECT statement is allowed")

// DefaultMaxRows bounds every result set.
const DefaultMaxRows = 200

// Result is a materialized result set.
type Result struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
}

// Table converts the result into a table content block payload.
func (r *Result) Table(title string) protocol.Table {
	return protocol.Table{Title: title, Columns: r.Columns, Rows: r.Rows}
}

// Runner executes raw queries through gorm.
type Runner struct {
	db      *gorm.DB
	maxRows int
}

// NewRunner wraps db. maxRows <= 0 selects DefaultMaxRows.
func NewRunner(db *gorm.DB, maxRows int) *Runner {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &Runner{db: db, maxRows: maxRows}
}

// Query runs a read-only statement and reads at most maxRows rows.
func (r *Runner) Query(ctx context.Context, query string, args ...any) (*Result, error) {
	stmt, err := CheckReadOnly(query)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.WithContext(ctx).Raw(stmt, args...).Rows()
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	return scanRows(rows, r.maxRows)
}

// View returns up to limit rows of a certified view. query, when set, replaces the default
// SELECT * of the view.
func (r *Runner) View(ctx context.Context, name, query string, limit int) (*Result, error) {
	if !identifier.MatchString(name) {
		return nil, fmt.Errorf("invalid view name %q", name)
	}
	if strings.TrimSpace(query) == "" {
		if limit <= 0 || limit > r.maxRows {
			limit = r.maxRows
		}
		query = fmt.Sprintf("SELECT * FROM %s LIMIT %d", name, limit)
	}
	return r.Query(ctx, query)
}

// Column describes one column of a table.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableSchema describes one table.
type TableSchema struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// DescribeTables introspects the named tables. Unknown tables are skipped.
func (r *Runner) DescribeTables(ctx context.Context, names []string) ([]TableSchema, error) {
	migrator := r.db.WithContext(ctx).Migrator()
	out := make([]TableSchema, 0, len(names))
	for _, name := range names {
		if !migrator.HasTable(name) {
			continue
		}
		types, err := migrator.ColumnTypes(name)
		if err != nil {
			return nil, fmt.Errorf("describe %s: %w", name, err)
		}
		schema := TableSchema{Name: name}
		for _, ct := range types {
			schema.Columns = append(schema.Columns, Column{Name: ct.Name(), Type: strings.ToLower(ct.DatabaseTypeName())})
		}
		out = append(out, schema)
	}
	return out, nil
}

var (
	identifier   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	writeKeyword = regexp.MustCompile(`(?i)\b(insert|update|delete|merge|drop|alter|create|truncate|grant|revoke|attach|detach|pragma|vacuum|replace|copy|call|exec|execute)\b`)
	fenced       = regexp.MustCompile("(?s)```(?:sql)?\\s*(.*?)```")
)

// CheckReadOnly strips code fences and a trailing semicolon and accepts a single SELECT or WITH
// statement without write keywords.
func CheckReadOnly(query string) (string, error) {
	stmt := strings.TrimSpace(query)
	if m := fenced.FindStringSubmatch(stmt); m != nil {
		stmt = strings.TrimSpace(m[1])
	}
	stmt = strings.TrimSpace(strings.TrimSuffix(stmt, ";"))
	if stmt == "" {
		return "", ErrReadOnlySQL
	}
	if strings.Contains(stmt, ";") {
		return "", ErrReadOnlySQL
	}

	lower := strings.ToLower(stmt)
	if !strings.HasPrefix(lower, "select") && !strings.HasPrefix(lower, "with") {
		return "", ErrReadOnlySQL
	}
	if writeKeyword.MatchString(stripLiterals(stmt)) {
		return "", ErrReadOnlySQL
	}
	return stmt, nil
}

// stripLiterals blanks quoted strings so keywords inside literals are ignored.
func stripLiterals(stmt string) string {
	var b strings.Builder
	inQuote := false
	for _, r := range stmt {
		if r == '\'' {
			inQuote = !inQuote
			b.WriteRune(' ')
			continue
		}
		if inQuote {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func scanRows(rows *sql.Rows, maxRows int) (*Result, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	res := &Result{Columns: columns}
	for rows.Next() {
		if len(res.Rows) >= maxRows {
			res.Truncated = true
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range values {
			values[i] = normalizeValue(v)
		}
		res.Rows = append(res.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return res, nil
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return val
	}
}
