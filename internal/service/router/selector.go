package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/insight-desk/backend/internal/analysis/intent"
	"github.com/zhouzirui/insight-desk/backend/internal/model/assistant"
	"github.com/zhouzirui/insight-desk/backend/internal/service/ai"
	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// Turn is the state handed to a selector for one hop.
type Turn struct {
	Assistant *assistant.Assistant
	Query     string
	Hop       int
	// Messages is the tool-calling transcript so far: system, user, then assistant/tool pairs.
	Messages []*schema.Message
	Tools    []*schema.ToolInfo
	// Used lists the lookup tools already run, in call order.
	Used []string
}

// Choice is a terminal routing answer.
type Choice struct {
	Pipeline assistant.Pipeline `json:"pipeline"`
	View     string             `json:"view,omitempty"`
	File     string             `json:"file,omitempty"`
	Reason   string             `json:"reason,omitempty"`
}

// Selection is the outcome of one hop: either lookup calls or a final choice.
type Selection struct {
	// Message is appended to the transcript when Calls are executed.
	Message *schema.Message
	Calls   []ToolCall
	Final   *Choice
	Tokens  protocol.Tokens
}

// Selector decides, hop by hop, which tools to call and finally which pipeline answers.
type Selector interface {
	Select(ctx context.Context, turn Turn) (Selection, error)
}

// LLMSelector lets the chat model pick tools through function calling.
type LLMSelector struct {
	AI *ai.Service
}

const selectorPrompt = `You route questions for the assistant "%s" (%s).
Available pipelines: %s.
Call lookup tools to learn what data exists, then call select_pipeline exactly once.
If you answer without tools, reply with JSON like {"pipeline":"rag","reason":"..."}.`

// SystemMessage builds the routing instructions for a.
func SystemMessage(a *assistant.Assistant) *schema.Message {
	names := make([]string, 0, len(a.Pipelines))
	for _, p := range a.Pipelines {
		names = append(names, string(p))
	}
	return schema.SystemMessage(fmt.Sprintf(selectorPrompt, a.Name, a.Description, strings.Join(names, ", ")))
}

func (s *LLMSelector) Select(ctx context.Context, turn Turn) (Selection, error) {
	msg, err := s.AI.GenerateWithTools(ctx, turn.Messages, turn.Tools)
	if err != nil {
		return Selection{}, err
	}
	sel := Selection{Message: msg, Tokens: ai.Usage(msg)}

	for _, tc := range msg.ToolCalls {
		call := ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
		if call.Name == ToolSelectPipeline {
			choice := Choice{}
			if err := json.Unmarshal([]byte(call.Arguments), &choice); err != nil {
				return sel, fmt.Errorf("invalid select_pipeline arguments: %w", err)
			}
			sel.Final = &choice
			sel.Calls = nil
			return sel, nil
		}
		sel.Calls = append(sel.Calls, call)
	}

	if len(sel.Calls) == 0 {
		sel.Final = parseContentChoice(msg.Content, turn.Assistant)
	}
	return sel, nil
}

// parseContentChoice reads a plain-content answer, tolerating a fenced block or prose around the JSON.
func parseContentChoice(content string, a *assistant.Assistant) *Choice {
	choice := Choice{Reason: "model answered without selecting a pipeline"}
	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		var parsed Choice
		if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err == nil && parsed.Pipeline != "" {
			choice = parsed
		}
	}
	if choice.Pipeline == "" {
		choice.Pipeline = assistant.PipelineRAG
		if !a.Supports(assistant.PipelineRAG) {
			choice.Pipeline = a.DefaultPipeline
		}
	}
	return &choice
}

// HeuristicSelector routes with keyword intents when no model is configured. The first hop looks
// up what the intent needs, the second selects.
type HeuristicSelector struct{}

func (HeuristicSelector) Select(_ context.Context, turn Turn) (Selection, error) {
	a := turn.Assistant
	decision := intent.Analyze(turn.Query)
	pipeline := pipelineFor(decision, a)

	if turn.Hop == 1 {
		var calls []ToolCall
		add := func(name string, args map[string]string) {
			raw := []byte("{}")
			if len(args) > 0 {
				raw, _ = json.Marshal(args)
			}
			calls = append(calls, ToolCall{ID: fmt.Sprintf("call_%d", len(calls)+1), Name: name, Arguments: string(raw)})
		}
		switch pipeline {
		case assistant.PipelineCertifiedSQL:
			add(ToolDescribeViews, nil)
		case assistant.PipelineAdhocSQL:
			add(ToolDescribeTables, nil)
		case assistant.PipelineCSV:
			file, _ := a.FindCSV("")
			add(ToolDescribeCSV, map[string]string{"file": file.Name})
		}
		// Ambiguous questions also look at the documents so the second hop can fall back to them.
		if a.Supports(assistant.PipelineRAG) && (pipeline == assistant.PipelineRAG || decision.Scores[intent.Documents] > 0) {
			add(ToolSearchDocuments, map[string]string{"query": turn.Query})
		}
		if len(calls) > 0 {
			return Selection{Message: toolCallMessage(calls), Calls: calls}, nil
		}
	}

	choice := &Choice{
		Pipeline: pipeline,
		Reason:   fmt.Sprintf("intent %s (score %d)", decision.Intent, decision.Score),
	}
	switch pipeline {
	case assistant.PipelineCertifiedSQL:
		choice.View = pickView(a, turn.Query)
	case assistant.PipelineCSV:
		file, _ := a.FindCSV("")
		choice.File = file.Name
	}
	return Selection{Final: choice}, nil
}

func pipelineFor(d intent.Decision, a *assistant.Assistant) assistant.Pipeline {
	var order []assistant.Pipeline
	switch d.Intent {
	case intent.Metrics:
		order = []assistant.Pipeline{assistant.PipelineCertifiedSQL, assistant.PipelineAdhocSQL}
	case intent.Exploration:
		order = []assistant.Pipeline{assistant.PipelineAdhocSQL, assistant.PipelineCertifiedSQL}
	case intent.Tabular, intent.Chart:
		order = []assistant.Pipeline{assistant.PipelineCSV, assistant.PipelineCertifiedSQL}
	case intent.Documents:
		order = []assistant.Pipeline{assistant.PipelineRAG}
	}
	for _, p := range order {
		if a.Supports(p) {
			return p
		}
	}
	return a.DefaultPipeline
}

// pickView returns the certified view whose name or description shares most words with query.
func pickView(a *assistant.Assistant, query string) string {
	if len(a.Views) == 0 {
		return ""
	}
	words := strings.Fields(strings.ToLower(query))
	best, bestScore := a.Views[0].Name, 0
	for _, v := range a.Views {
		haystack := strings.ToLower(v.Name + " " + strings.ReplaceAll(v.Name, "_", " ") + " " + v.Description)
		score := 0
		for _, w := range words {
			w = strings.Trim(w, "?？.,!")
			if len(w) > 2 && strings.Contains(haystack, w) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = v.Name, score
		}
	}
	return best
}

func toolCallMessage(calls []ToolCall) *schema.Message {
	tcs := make([]schema.ToolCall, 0, len(calls))
	for _, c := range calls {
		tcs = append(tcs, schema.ToolCall{
			ID:       c.ID,
			Type:     "function",
			Function: schema.FunctionCall{Name: c.Name, Arguments: c.Arguments},
		})
	}
	return schema.AssistantMessage("", tcs)
}
