package task

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/GoCodeAlone/lexagent/agent"
)

// Payload is the input of a task. Each agent type has exactly one payload shape.
type Payload interface {
	Kind() agent.Type
}

// Result is the output of a completed task. Each agent type has exactly one
// result shape.
type Result interface {
	Kind() agent.Type
}

// GenerationRequest asks the generation agent to draft or revise a document.
type GenerationRequest struct {
	TemplateID   string            `json:"template_id" validate:"required"`
	Title        string            `json:"title" validate:"required,max=200"`
	Jurisdiction string            `json:"jurisdiction,omitempty" validate:"omitempty,len=2"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	DocumentID   string            `json:"document_id,omitempty"`
}

func (GenerationRequest) Kind() agent.Type { return agent.TypeGeneration }

// AnalysisRequest asks the analysis agent to review a document.
type AnalysisRequest struct {
	DocumentID string   `json:"document_id" validate:"required_without=Content"`
	Content    string   `json:"content,omitempty"`
	Focus      []string `json:"focus,omitempty" validate:"omitempty,dive,required"`
}

func (AnalysisRequest) Kind() agent.Type { return agent.TypeAnalysis }

// ClassificationRequest asks the classification agent to categorise a document.
type ClassificationRequest struct {
	DocumentID string `json:"document_id" validate:"required_without=Content"`
	Content    string `json:"content,omitempty"`
	Taxonomy   string `json:"taxonomy,omitempty"`
}

func (ClassificationRequest) Kind() agent.Type { return agent.TypeClassification }

// GenerationResult is a drafted document.
type GenerationResult struct {
	Content   string `json:"content"`
	Format    string `json:"format"`
	WordCount int    `json:"word_count"`
}

func (GenerationResult) Kind() agent.Type { return agent.TypeGeneration }

// Finding is a single issue raised by document analysis.
type Finding struct {
	Clause   string `json:"clause"`
	Severity string `json:"severity"`
	Note     string `json:"note"`
}

// AnalysisResult summarises a reviewed document.
type AnalysisResult struct {
	Summary  string    `json:"summary"`
	Score    float64   `json:"score"`
	Findings []Finding `json:"findings,omitempty"`
}

func (AnalysisResult) Kind() agent.Type { return agent.TypeAnalysis }

// ClassificationResult is the category assigned to a document.
type ClassificationResult struct {
	Category   string   `json:"category"`
	Confidence float64  `json:"confidence"`
	Labels     []string `json:"labels,omitempty"`
}

func (ClassificationResult) Kind() agent.Type { return agent.TypeClassification }

// DecodePayload decodes raw JSON into the payload shape for kind.
func DecodePayload(kind agent.Type, raw []byte) (Payload, error) {
	switch kind {
	case agent.TypeGeneration:
		var p GenerationRequest
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case agent.TypeAnalysis:
		var p AnalysisRequest
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case agent.TypeClassification:
		var p ClassificationRequest
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("no payload shape for agent type %q", kind)
}

// DecodeResult decodes raw JSON into the result shape for kind.
func DecodeResult(kind agent.Type, raw []byte) (Result, error) {
	switch kind {
	case agent.TypeGeneration:
		var r GenerationResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	case agent.TypeAnalysis:
		var r AnalysisResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	case agent.TypeClassification:
		var r ClassificationResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("no result shape for agent type %q", kind)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidatePayload checks the payload's field constraints.
func ValidatePayload(p Payload) error {
	if p == nil {
		return fmt.Errorf("payload is required")
	}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid %s payload: %w", p.Kind(), err)
	}
	return nil
}
