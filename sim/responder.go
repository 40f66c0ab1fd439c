package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/GoCodeAlone/lexagent/agent"
	"github.com/GoCodeAlone/lexagent/task"
)

// Responder produces the result of a task once its simulated work is done.
type Responder interface {
	Respond(ctx context.Context, t *task.Task) (task.Result, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, t *task.Task) (task.Result, error)

func (f ResponderFunc) Respond(ctx context.Context, t *task.Task) (task.Result, error) {
	return f(ctx, t)
}

var (
	errEmptyDocument    = errors.New("document is empty")
	errDocumentNotFound = errors.New("document not found")
)

// SampleDocuments are the documents known to the default responder.
var SampleDocuments = map[string]string{
	"doc-nda": "This Mutual Non-Disclosure Agreement governs Confidential Information exchanged between the parties. " +
		"Either party may terminate this agreement on thirty days written notice. " +
		"The receiving party shall indemnify the disclosing party against losses arising from unauthorised disclosure.",
	"doc-lease": "This Lease is made between the Landlord and the Tenant for the premises described below. " +
		"Rent is payable monthly in advance. The Tenant may not assign the lease without consent. " +
		"This Lease shall be governed by the laws of the State of New York.",
	"doc-employment": "This Employment Agreement sets out the terms on which the Employer employs the Employee. " +
		"The Employee shall receive an annual salary and is subject to a non-compete covenant for twelve months after termination.",
}

// Canned returns deterministic results derived from the task input.
type Canned struct {
	Documents map[string]string
}

func (c Canned) Respond(_ context.Context, t *task.Task) (task.Result, error) {
	switch p := t.Payload.(type) {
	case task.GenerationRequest:
		return generate(t.Action, p), nil
	case task.AnalysisRequest:
		text, err := c.document(p.DocumentID, p.Content)
		if err != nil {
			return nil, err
		}
		return analyze(t.Action, text, p.Focus), nil
	case task.ClassificationRequest:
		text, err := c.document(p.DocumentID, p.Content)
		if err != nil {
			return nil, err
		}
		return classify(text, p.Taxonomy), nil
	}
	return nil, fmt.Errorf("%w: no handler for %T", ErrInvalidPayload, t.Payload)
}

func (c Canned) document(id, content string) (string, error) {
	if strings.TrimSpace(content) != "" {
		return content, nil
	}
	if id == "" {
		return "", errEmptyDocument
	}
	text, ok := c.Documents[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", errDocumentNotFound, id)
	}
	if strings.TrimSpace(text) == "" {
		return "", errEmptyDocument
	}
	return text, nil
}

func generate(action agent.Action, p task.GenerationRequest) task.GenerationResult {
	var b strings.Builder
	heading := p.Title
	if action == agent.ActionRevise {
		heading += " (revised)"
	}
	fmt.Fprintf(&b, "# %s\n\n", heading)
	fmt.Fprintf(&b, "Drafted from template %s.", p.TemplateID)
	if p.Jurisdiction != "" {
		fmt.Fprintf(&b, " Governing jurisdiction: %s.", strings.ToUpper(p.Jurisdiction))
	}
	b.WriteString("\n")

	keys := make([]string, 0, len(p.Parameters))
	for k := range p.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		fmt.Fprintf(&b, "\n%d. %s: %s", i+1, k, p.Parameters[k])
	}

	content := b.String()
	return task.GenerationResult{
		Content:   content,
		Format:    "markdown",
		WordCount: len(strings.Fields(content)),
	}
}

type clauseRule struct {
	clause   string
	keywords []string
	severity string
	note     string
}

var clauseRules = []clauseRule{
	{"Indemnification", []string{"indemnif"}, "high", "Indemnity obligations should be capped."},
	{"Termination", []string{"terminat"}, "medium", "Check notice periods and survival of obligations."},
	{"Non-compete", []string{"non-compete", "noncompete"}, "high", "Restrictive covenants may be unenforceable in some jurisdictions."},
	{"Assignment", []string{"assign"}, "low", "Consent requirements limit transferability."},
	{"Confidentiality", []string{"confidential"}, "low", "Confirm the definition of Confidential Information."},
	{"Governing law", []string{"governed by", "governing law"}, "low", "Confirm the chosen forum."},
}

var severityWeight = map[string]float64{"high": 0.25, "medium": 0.1, "low": 0.05}

func analyze(action agent.Action, text string, focus []string) task.AnalysisResult {
	sentences := splitSentences(text)
	if action == agent.ActionSummarize {
		n := min(2, len(sentences))
		return task.AnalysisResult{
			Summary: strings.Join(sentences[:n], " "),
			Score:   1,
		}
	}

	lower := strings.ToLower(text)
	want := make(map[string]bool, len(focus))
	for _, f := range focus {
		want[strings.ToLower(f)] = true
	}

	var findings []task.Finding
	score := 1.0
	for _, rule := range clauseRules {
		if len(want) > 0 && !want[strings.ToLower(rule.clause)] {
			continue
		}
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				findings = append(findings, task.Finding{Clause: rule.clause, Severity: rule.severity, Note: rule.note})
				score -= severityWeight[rule.severity]
				break
			}
		}
	}
	score = math.Round(math.Max(score, 0)*100) / 100

	return task.AnalysisResult{
		Summary:  fmt.Sprintf("Reviewed %d sentences; %d findings.", len(sentences), len(findings)),
		Score:    score,
		Findings: findings,
	}
}

type categoryRule struct {
	category string
	keywords []string
}

var categoryRules = []categoryRule{
	{"contract.nda", []string{"non-disclosure", "confidential information"}},
	{"real_estate.lease", []string{"lease", "landlord", "tenant"}},
	{"employment", []string{"employ", "salary"}},
	{"corporate", []string{"shareholder", "board of directors", "bylaws"}},
}

func classify(text, taxonomy string) task.ClassificationResult {
	lower := strings.ToLower(text)
	best := task.ClassificationResult{Category: "general", Confidence: 0.3}
	bestHits := 0
	for _, rule := range categoryRules {
		var labels []string
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				labels = append(labels, kw)
			}
		}
		if len(labels) > bestHits {
			bestHits = len(labels)
			best = task.ClassificationResult{
				Category:   rule.category,
				Confidence: math.Round(float64(len(labels))/float64(len(labels)+1)*100) / 100,
				Labels:     labels,
			}
		}
	}
	if taxonomy != "" {
		best.Category = taxonomy + "/" + best.Category
	}
	return best
}

func splitSentences(text string) []string {
	var out []string
	for _, s := range strings.SplitAfter(text, ". ") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
