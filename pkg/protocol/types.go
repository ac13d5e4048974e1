package protocol

import (
	"fmt"
	"strings"
)

// StepStatus is the lifecycle state of a step.
type StepStatus string

const (
	StatusRunning   StepStatus = "running"
	StatusCompleted StepStatus = "completed"
	StatusFailed    StepStatus = "failed"
	StatusError     StepStatus = "error"
)

// Valid reports whether s is a known status.
func (s StepStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed, StatusError:
		return true
	}
	return false
}

// Terminal reports whether the status ends a step.
func (s StepStatus) Terminal() bool { return s.Valid() && s != StatusRunning }

// Step types emitted by the server. They drive label translation only.
const (
	StepCacheLookup          = "cache_lookup"
	StepRouter               = "router"
	StepQueryRewrite         = "query_rewrite"
	StepRouterProcessing     = "router_processing"
	StepQueryExecution       = "query_execution"
	StepRouterSelection      = "router_selection"
	StepRetrieval            = "retrieval"
	StepRouterSynthesis      = "router_synthesis"
	StepCSVSchemaRetrieval   = "csv_schema_retrieval"
	StepSQLGeneration        = "sql_generation"
	StepSQLExecution         = "sql_execution"
	StepSynthesis            = "synthesis"
	StepStreaming            = "streaming"
	StepTrending             = "trending"
	StepAssistantPersistence = "assistant_persistence"
	StepCacheUpdate          = "cache_update"
	StepCompleted            = "completed"
)

// IsRetrieval reports whether a step type belongs to the retrieval class.
func IsRetrieval(stepType string) bool {
	return stepType == StepRetrieval || stepType == StepCSVSchemaRetrieval ||
		strings.HasPrefix(stepType, StepRetrieval+":")
}

// Tokens is the token accounting of a step.
type Tokens struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Add returns the sum of t and o.
func (t Tokens) Add(o Tokens) Tokens {
	return Tokens{Input: t.Input + o.Input, Output: t.Output + o.Output}
}

// IsZero reports whether no tokens were counted.
func (t Tokens) IsZero() bool { return t.Input == 0 && t.Output == 0 }

// StepEvent announces the state of one unit of work. Re-announcing the same StepID replaces
// the earlier announcement.
type StepEvent struct {
	StepID   string         `json:"step_id"`
	ParentID string         `json:"parent_id,omitempty"`
	StepType string         `json:"step_type"`
	Status   StepStatus     `json:"status"`
	Duration *float64       `json:"duration,omitempty"`
	Tokens   *Tokens        `json:"tokens,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	SubSteps []*StepEvent   `json:"sub_steps,omitempty"`

	// Label is regenerated from StepType on the client and never persisted.
	Label string `json:"-"`
}

// Validate checks the required step fields.
func (s *StepEvent) Validate() error {
	if s.StepID == "" {
		return fmt.Errorf("step without step_id")
	}
	if s.StepType == "" {
		return fmt.Errorf("step %s without step_type", s.StepID)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("step %s has invalid status %q", s.StepID, s.Status)
	}
	return nil
}

// Clone deep-copies the step and its sub steps. Payload maps are copied one level deep.
func (s *StepEvent) Clone() *StepEvent {
	if s == nil {
		return nil
	}
	out := *s
	if s.Duration != nil {
		d := *s.Duration
		out.Duration = &d
	}
	if s.Tokens != nil {
		t := *s.Tokens
		out.Tokens = &t
	}
	if s.Payload != nil {
		out.Payload = make(map[string]any, len(s.Payload))
		for k, v := range s.Payload {
			out.Payload[k] = v
		}
	}
	if s.SubSteps != nil {
		out.SubSteps = make([]*StepEvent, len(s.SubSteps))
		for i, sub := range s.SubSteps {
			out.SubSteps[i] = sub.Clone()
		}
	}
	return &out
}

// Walk visits steps depth first, stopping when fn returns false.
func Walk(steps []*StepEvent, fn func(*StepEvent) bool) bool {
	for _, step := range steps {
		if !fn(step) {
			return false
		}
		if !Walk(step.SubSteps, fn) {
			return false
		}
	}
	return true
}

// Find returns the step with id anywhere in the tree.
func Find(steps []*StepEvent, id string) *StepEvent {
	var found *StepEvent
	Walk(steps, func(s *StepEvent) bool {
		if s.StepID == id {
			found = s
			return false
		}
		return true
	})
	return found
}

// Seconds is a helper for the optional duration field.
func Seconds(v float64) *float64 { return &v }

// BlockType is the kind of a content block.
type BlockType string

const (
	BlockText      BlockType = "text"
	BlockTable     BlockType = "table"
	BlockTechSheet BlockType = "tech-sheet"
)

// ContentBlock is one renderable unit of a message.
type ContentBlock struct {
	Type BlockType `json:"type"`
	Data any       `json:"data"`
}

// Table is the data of a table content block.
type Table struct {
	Title   string   `json:"title,omitempty"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Source is one citation record.
type Source struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    *float64       `json:"score,omitempty"`

	// DisplayType is derived on the client.
	DisplayType string `json:"display_type,omitempty"`
}

// Series is one data series of a chart.
type Series struct {
	Name string    `json:"name"`
	Data []float64 `json:"data"`
}

// Visualization describes a chart to hydrate once its anchor exists.
type Visualization struct {
	ID      string         `json:"id"`
	Chart   string         `json:"chart"`
	Title   string         `json:"title,omitempty"`
	Labels  []string       `json:"labels,omitempty"`
	Series  []Series       `json:"series"`
	Options map[string]any `json:"options,omitempty"`
}

// ChartAnchor is the markup placed in the answer text where a visualization renders.
func ChartAnchor(id string) string {
	return fmt.Sprintf(`<div data-chart-id="%s"></div>`, id)
}

// StreamRequest is the body of POST /chat/stream.
type StreamRequest struct {
	Message     string `json:"message"`
	AssistantID string `json:"assistant_id"`
	SessionID   string `json:"session_id"`
	Language    string `json:"language"`
}
