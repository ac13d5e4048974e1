package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/zhouzirui/insight-desk/backend/internal/model/assistant"
)

// Catalog answers schema questions about an assistant's data sources. Runner may be nil when no
// analytics database is configured.
type Catalog struct {
	Runner  *Runner
	BaseDir string

	mu       sync.Mutex
	datasets map[string]*Dataset
}

// NewCatalog resolves relative CSV paths against baseDir.
func NewCatalog(runner *Runner, baseDir string) *Catalog {
	return &Catalog{Runner: runner, BaseDir: baseDir, datasets: make(map[string]*Dataset)}
}

// DescribeViews lists the certified views as JSON.
func (c *Catalog) DescribeViews(_ context.Context, a *assistant.Assistant) (string, error) {
	return toJSON(a.Views)
}

// DescribeTables introspects the assistant's tables. Without a database the declared names are
// returned.
func (c *Catalog) DescribeTables(ctx context.Context, a *assistant.Assistant) (string, error) {
	if c.Runner == nil {
		return toJSON(map[string]any{"tables": a.Tables})
	}
	schemas, err := c.Runner.DescribeTables(ctx, a.Tables)
	if err != nil {
		return "", err
	}
	return toJSON(schemas)
}

// DescribeCSV returns the profile of a CSV file as JSON.
func (c *Catalog) DescribeCSV(ctx context.Context, a *assistant.Assistant, file string) (string, error) {
	ds, err := c.Dataset(ctx, a, file)
	if err != nil {
		return "", err
	}
	return toJSON(ds.Profile(5))
}

// Dataset loads (once) the CSV file named file, or the first file when file is empty.
func (c *Catalog) Dataset(_ context.Context, a *assistant.Assistant, file string) (*Dataset, error) {
	spec, ok := a.FindCSV(file)
	if !ok {
		return nil, fmt.Errorf("assistant %s has no csv file %q", a.ID, file)
	}

	path := spec.Path
	if !filepath.IsAbs(path) && c.BaseDir != "" {
		path = filepath.Join(c.BaseDir, path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.datasets == nil {
		c.datasets = make(map[string]*Dataset)
	}
	if ds, ok := c.datasets[path]; ok {
		return ds, nil
	}
	ds, err := LoadCSV(spec.Name, path)
	if err != nil {
		return nil, err
	}
	c.datasets[path] = ds
	return ds, nil
}

func toJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal tool result: %w", err)
	}
	return string(raw), nil
}
