package projectbuilder

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/logger"
	"github.com/lwgray/marcus/pkg/providers"
)

// AIPRDParser implements PRDParser by prompting an AIClient for a JSON
// feature breakdown and falling back to a heuristic line/bullet split
// when the model's response cannot be parsed as JSON — an LLM is never a
// trusted parser.
type AIPRDParser struct {
	client providers.AIClient
	log    *logger.Logger
}

// NewAIPRDParser wraps an AIClient as a PRDParser.
func NewAIPRDParser(client providers.AIClient) *AIPRDParser {
	return &AIPRDParser{client: client, log: logger.Get("prdparser")}
}

type rawFeature struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Complexity     string   `json:"complexity"`
	RequiredSkills []string `json:"required_skills"`
	EstimatedHours float64  `json:"estimated_hours"`
	Priority       string   `json:"priority"`
}

// Parse sends description to the AIClient with a fixed instruction to
// return a JSON array of features, then validates and normalizes the
// result. Any parse failure degrades to the heuristic split (one feature per
// non-empty line) rather than failing create_project outright.
func (p *AIPRDParser) Parse(ctx context.Context, description string, options Options) ([]FeatureSpec, error) {
	prompt := buildPrompt(description, options.Mode)

	text, err := p.client.Complete(ctx, prompt)
	if err != nil {
		p.log.WarnF("PRD completion failed, using heuristic split", map[string]interface{}{"error": err.Error()})
		return heuristicSplit(description), nil
	}

	raw, err := extractJSONArray(text)
	if err != nil {
		p.log.WarnF("PRD response not parseable JSON, using heuristic split", map[string]interface{}{"error": err.Error()})
		return heuristicSplit(description), nil
	}

	var parsed []rawFeature
	if err := json.Unmarshal(raw, &parsed); err != nil {
		p.log.WarnF("PRD JSON decode failed, using heuristic split", map[string]interface{}{"error": err.Error()})
		return heuristicSplit(description), nil
	}
	if len(parsed) == 0 {
		return heuristicSplit(description), nil
	}

	out := make([]FeatureSpec, 0, len(parsed))
	for _, f := range parsed {
		if strings.TrimSpace(f.Name) == "" {
			continue
		}
		out = append(out, FeatureSpec{
			Name:           f.Name,
			Description:    f.Description,
			Complexity:     normalizeComplexity(f.Complexity),
			RequiredSkills: stringsToTags(f.RequiredSkills),
			EstimatedHours: f.EstimatedHours,
			Priority:       normalizePriority(f.Priority),
		})
	}
	if len(out) == 0 {
		return heuristicSplit(description), nil
	}
	return out, nil
}

func buildPrompt(description string, mode domain.ComplexityMode) string {
	return fmt.Sprintf(`Break the following project description into discrete features. Respond with ONLY a JSON array, no prose, where each element has: name, description, complexity (one of ATOMIC, SIMPLE, COORDINATED, DISTRIBUTED), required_skills (array of strings), estimated_hours (number), priority (one of LOW, MEDIUM, HIGH, URGENT). Target complexity mode: %s.

Description:
%s`, mode, description)
}

var jsonArrayPattern = regexp.MustCompile(`(?s)\[.*\]`)

// extractJSONArray pulls the span from the first '[' to the last ']' out of
// text, since
// models frequently wrap their answer in prose or a code fence despite
// instructions not to.
func extractJSONArray(text string) ([]byte, error) {
	match := jsonArrayPattern.FindString(text)
	if match == "" {
		return nil, fmt.Errorf("no JSON array found in response")
	}
	return []byte(match), nil
}

func normalizeComplexity(s string) domain.FeatureComplexity {
	switch domain.FeatureComplexity(strings.ToUpper(strings.TrimSpace(s))) {
	case domain.ComplexityAtomic:
		return domain.ComplexityAtomic
	case domain.ComplexityCoordinated:
		return domain.ComplexityCoordinated
	case domain.ComplexityDistributed:
		return domain.ComplexityDistributed
	default:
		return domain.ComplexitySimple
	}
}

func normalizePriority(s string) domain.Priority {
	switch domain.Priority(strings.ToUpper(strings.TrimSpace(s))) {
	case domain.PriorityLow:
		return domain.PriorityLow
	case domain.PriorityHigh:
		return domain.PriorityHigh
	case domain.PriorityUrgent:
		return domain.PriorityUrgent
	default:
		return domain.PriorityMedium
	}
}

func stringsToTags(ss []string) domain.Tags {
	if len(ss) == 0 {
		return nil
	}
	out := make(domain.Tags, len(ss))
	for i, s := range ss {
		out[i] = domain.Tag(s)
	}
	return out
}

// heuristicSplit is the no-AI-available degradation path: one feature per
// newline-separated, non-empty line of the description, each classified
// SIMPLE/MEDIUM. It guarantees create_project always produces at least one
// task rather than erroring when the AIClient is entirely unreachable.
func heuristicSplit(description string) []FeatureSpec {
	lines := strings.Split(description, "\n")
	var out []FeatureSpec
	for _, line := range lines {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*• \t"))
		if line == "" {
			continue
		}
		out = append(out, FeatureSpec{
			Name:           truncateName(line),
			Description:    line,
			Complexity:     domain.ComplexitySimple,
			EstimatedHours: 4,
			Priority:       domain.PriorityMedium,
		})
	}
	if len(out) == 0 {
		out = append(out, FeatureSpec{
			Name:           truncateName(description),
			Description:    description,
			Complexity:     domain.ComplexitySimple,
			EstimatedHours: 4,
			Priority:       domain.PriorityMedium,
		})
	}
	return out
}

func truncateName(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 60 {
		return s
	}
	return s[:60]
}
