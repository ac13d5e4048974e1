package assistant

import "fmt"

// Pipeline names one answer-generation family.
type Pipeline string

const (
	PipelineRAG          Pipeline = "rag"
	PipelineCertifiedSQL Pipeline = "certified_sql"
	PipelineAdhocSQL     Pipeline = "adhoc_sql"
	PipelineCSV          Pipeline = "csv"
)

// Valid reports whether p is a known pipeline.
func (p Pipeline) Valid() bool {
	switch p {
	case PipelineRAG, PipelineCertifiedSQL, PipelineAdhocSQL, PipelineCSV:
		return true
	}
	return false
}

// CertifiedView is a curated SQL view the assistant may answer from.
type CertifiedView struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Query       string `json:"-" yaml:"query"`
}

// CSVFile is a tabular file the assistant may analyze.
type CSVFile struct {
	Name        string `json:"name" yaml:"name"`
	Path        string `json:"-" yaml:"path"`
	Description string `json:"description" yaml:"description"`
}

// Document seeds the in-memory retriever when no vector index is configured.
type Document struct {
	ID       string `json:"id" yaml:"id"`
	Title    string `json:"title" yaml:"title"`
	Text     string `json:"-" yaml:"text"`
	FileName string `json:"file_name,omitempty" yaml:"file_name"`
	URL      string `json:"url,omitempty" yaml:"url"`
}

// Assistant captures what a configured assistant can answer from.
type Assistant struct {
	ID              string          `json:"id" yaml:"id"`
	Name            string          `json:"name" yaml:"name"`
	Description     string          `json:"description,omitempty" yaml:"description"`
	SystemPrompt    string          `json:"-" yaml:"system_prompt"`
	Pipelines       []Pipeline      `json:"pipelines" yaml:"pipelines"`
	DefaultPipeline Pipeline        `json:"defaultPipeline" yaml:"default_pipeline"`
	Views           []CertifiedView `json:"views,omitempty" yaml:"views"`
	Tables          []string        `json:"tables,omitempty" yaml:"tables"`
	CSVFiles        []CSVFile       `json:"csvFiles,omitempty" yaml:"csv_files"`
	Documents       []Document      `json:"documents,omitempty" yaml:"documents"`
	VectorClass     string          `json:"-" yaml:"vector_class"`
	TopK            int             `json:"-" yaml:"top_k"`
}

// Supports reports whether the assistant enables pipeline p.
func (a Assistant) Supports(p Pipeline) bool {
	for _, item := range a.Pipelines {
		if item == p {
			return true
		}
	}
	return false
}

// FindView returns the certified view named name.
func (a Assistant) FindView(name string) (CertifiedView, bool) {
	for _, v := range a.Views {
		if v.Name == name {
			return v, true
		}
	}
	return CertifiedView{}, false
}

// FindCSV returns the CSV file named name, or the first one when name is empty.
func (a Assistant) FindCSV(name string) (CSVFile, bool) {
	for _, f := range a.CSVFiles {
		if name == "" || f.Name == name {
			return f, true
		}
	}
	return CSVFile{}, false
}

// Validate fills defaults and checks pipeline consistency.
func (a *Assistant) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("assistant without id")
	}
	if len(a.Pipelines) == 0 {
		a.Pipelines = []Pipeline{PipelineRAG}
	}
	for _, p := range a.Pipelines {
		if !p.Valid() {
			return fmt.Errorf("assistant %s: unknown pipeline %q", a.ID, p)
		}
	}
	if a.DefaultPipeline == "" {
		a.DefaultPipeline = a.Pipelines[0]
	}
	if !a.Supports(a.DefaultPipeline) {
		return fmt.Errorf("assistant %s: default pipeline %q is not enabled", a.ID, a.DefaultPipeline)
	}
	if a.Supports(PipelineCertifiedSQL) && len(a.Views) == 0 {
		return fmt.Errorf("assistant %s: certified_sql requires at least one view", a.ID)
	}
	if a.Supports(PipelineCSV) && len(a.CSVFiles) == 0 {
		return fmt.Errorf("assistant %s: csv requires at least one file", a.ID)
	}
	if a.TopK <= 0 {
		a.TopK = 4
	}
	return nil
}
