// Package protocol holds the wire contract of the chat stream: newline-delimited JSON frames
// shared by the server encoder and the client decoder.
package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates stream frames.
type FrameType string

const (
	FrameStatus        FrameType = "status"
	FrameToken         FrameType = "token"
	FrameContentBlock  FrameType = "content_block"
	FrameTechSheet     FrameType = "tech-sheet"
	FrameStep          FrameType = "step"
	FrameSources       FrameType = "sources"
	FrameVisualization FrameType = "visualization"
	FrameError         FrameType = "error"
)

// Known reports whether t is part of the contract.
func (t FrameType) Known() bool {
	switch t {
	case FrameStatus, FrameToken, FrameContentBlock, FrameTechSheet, FrameStep,
		FrameSources, FrameVisualization, FrameError:
		return true
	}
	return false
}

// ErrorKind separates translated functional failures from technical ones.
type ErrorKind string

const (
	ErrorFunctional ErrorKind = "functional"
	ErrorTechnical  ErrorKind = "technical"
)

// Frame is one self-contained object in the stream. Only the fields relevant to Type are set;
// step frames inline the StepEvent fields at the top level.
type Frame struct {
	Type FrameType `json:"type"`

	// status / error
	Message string    `json:"message,omitempty"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Ref     string    `json:"ref,omitempty"`

	// token
	Content string `json:"content,omitempty"`

	// content_block / tech-sheet
	Block *ContentBlock `json:"block,omitempty"`

	// step
	*StepEvent

	// sources
	Data []Source `json:"data,omitempty"`

	// visualization
	Visualization *Visualization `json:"visualization,omitempty"`
}

// Validate checks the required fields for the frame type.
func (f Frame) Validate() error {
	if !f.Type.Known() {
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	switch f.Type {
	case FrameStep:
		if f.StepEvent == nil {
			return fmt.Errorf("step frame without step fields")
		}
		return f.StepEvent.Validate()
	case FrameContentBlock, FrameTechSheet:
		if f.Block == nil {
			return fmt.Errorf("%s frame without block", f.Type)
		}
	case FrameVisualization:
		if f.Visualization == nil || f.Visualization.ID == "" {
			return fmt.Errorf("visualization frame without descriptor id")
		}
	}
	return nil
}

// Encode marshals the frame as one NDJSON line including the trailing newline.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses and validates a single frame line (without the newline).
func Decode(line []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type != FrameStep {
		f.StepEvent = nil
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// StatusFrame builds a status frame.
func StatusFrame(message string) Frame { return Frame{Type: FrameStatus, Message: message} }

// TokenFrame builds a token frame.
func TokenFrame(content string) Frame { return Frame{Type: FrameToken, Content: content} }

// StepFrame wraps a step announcement.
func StepFrame(step StepEvent) Frame { return Frame{Type: FrameStep, StepEvent: &step} }

// SourcesFrame builds a sources frame.
func SourcesFrame(sources []Source) Frame { return Frame{Type: FrameSources, Data: sources} }

// BlockFrame builds a content_block frame, or a tech-sheet frame for tech-sheet blocks.
func BlockFrame(block ContentBlock) Frame {
	if block.Type == BlockTechSheet {
		return Frame{Type: FrameTechSheet, Block: &block}
	}
	return Frame{Type: FrameContentBlock, Block: &block}
}

// VisualizationFrame builds a visualization frame.
func VisualizationFrame(v Visualization) Frame {
	return Frame{Type: FrameVisualization, Visualization: &v}
}

// ErrorFrame builds a terminal error frame.
func ErrorFrame(kind ErrorKind, message, ref string) Frame {
	return Frame{Type: FrameError, Kind: kind, Message: message, Ref: ref}
}
