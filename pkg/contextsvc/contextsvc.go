// Package contextsvc assembles the preamble handed to an agent alongside a
// newly assigned task: dependency artifacts, sibling decisions, shared
// conventions, and recent prior implementations, capped to a fixed text
// budget.
package contextsvc

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/lwgray/marcus/pkg/artifacts"
	"github.com/lwgray/marcus/pkg/decisionlog"
	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/domain/decision"
	"github.com/lwgray/marcus/pkg/domain/task"
	"github.com/lwgray/marcus/pkg/graph"
	"github.com/lwgray/marcus/pkg/kanban"
)

// MaxPreambleBytes is the hard cap on assembled preamble text.
const MaxPreambleBytes = 16 * 1024

// maxDependencyDepth bounds how far back through the dependency chain
// artifacts are collected.
const maxDependencyDepth = 2

// maxCodeRefs bounds how many prior-implementation references are surfaced.
const maxCodeRefs = 3

// Preamble is the assembled context bundle for a task assignment.
type Preamble struct {
	Artifacts     []ArtifactRef `json:"artifacts"`
	Decisions     []DecisionRef `json:"decisions"`
	Conventions   string        `json:"conventions,omitempty"`
	PriorCodeRefs []string      `json:"prior_code_refs,omitempty"`
	Text          string        `json:"text"`
	Truncated     bool          `json:"truncated"`
}

// ArtifactRef is the preamble-facing projection of an artifact.
type ArtifactRef struct {
	TaskID      domain.EntityID     `json:"task_id"`
	Filename    string              `json:"filename"`
	Type        domain.ArtifactType `json:"type"`
	Path        string              `json:"path"`
	Description string              `json:"description"`
}

// DecisionRef is the preamble-facing projection of a decision.
type DecisionRef struct {
	TaskID    domain.EntityID  `json:"task_id"`
	AgentID   domain.EntityID  `json:"agent_id"`
	What      string           `json:"what"`
	Why       string           `json:"why"`
	Impact    string           `json:"impact"`
	Timestamp domain.Timestamp `json:"timestamp"`
}

// Service builds preambles for a single project's TaskGraph.
type Service struct {
	graph     *graph.TaskGraph
	decisions *decisionlog.Store
	artifacts *artifacts.Store
	provider  kanban.Provider
}

// New wires a ContextService instance to one project's graph and stores.
func New(g *graph.TaskGraph, decisions *decisionlog.Store, arts *artifacts.Store, provider kanban.Provider) *Service {
	return &Service{graph: g, decisions: decisions, artifacts: arts, provider: provider}
}

// typeRelevance orders artifact types by relevance to a task's phase:
// IMPLEMENT work wants API/DESIGN first, TEST work wants SPECIFICATION.
func typeRelevance(phase domain.Phase) []domain.ArtifactType {
	switch phase {
	case domain.PhaseTest:
		return []domain.ArtifactType{domain.ArtifactSpecification, domain.ArtifactAPI, domain.ArtifactDesign, domain.ArtifactArchitecture, domain.ArtifactReference, domain.ArtifactOther}
	default:
		return []domain.ArtifactType{domain.ArtifactAPI, domain.ArtifactDesign, domain.ArtifactArchitecture, domain.ArtifactSpecification, domain.ArtifactReference, domain.ArtifactOther}
	}
}

// BuildPreamble assembles the preamble for t, a snapshot read against the
// DecisionLog/ArtifactStore state at call time: the preamble reflects state
// at the moment of assignment, not later mutation.
func (s *Service) BuildPreamble(ctx context.Context, t *task.Task) (*Preamble, error) {
	depIDs := s.transitiveDependencies(t.ID(), maxDependencyDepth)

	var artifactRefs []ArtifactRef
	for _, depID := range depIDs {
		items, err := s.artifacts.FindByTask(depID)
		if err != nil {
			return nil, fmt.Errorf("load artifacts for %s: %w", depID, err)
		}
		sortArtifactsByRelevance(items, typeRelevance(t.Phase))
		for _, a := range items {
			artifactRefs = append(artifactRefs, ArtifactRef{
				TaskID: depID, Filename: a.Filename, Type: a.Type, Path: a.RelativePath, Description: a.Description,
			})
		}
	}

	var decisionRefs []DecisionRef
	seen := make(map[domain.EntityID]bool)
	for _, depID := range depIDs {
		ds, err := s.decisions.FindByTask(depID)
		if err != nil {
			return nil, fmt.Errorf("load decisions for %s: %w", depID, err)
		}
		for _, d := range ds {
			if seen[d.ID()] {
				continue
			}
			seen[d.ID()] = true
			decisionRefs = append(decisionRefs, toDecisionRef(d))
		}
	}
	if !t.ParentID.IsZero() {
		affecting, err := s.decisions.FindAffecting(t.ID())
		if err == nil {
			for _, d := range affecting {
				if seen[d.ID()] {
					continue
				}
				seen[d.ID()] = true
				decisionRefs = append(decisionRefs, toDecisionRef(d))
			}
		}
	}
	// Per-task lists arrive newest first, but merging across several
	// dependency tasks interleaves them; re-sort the combined list.
	sort.SliceStable(decisionRefs, func(i, j int) bool {
		return decisionRefs[i].Timestamp.After(decisionRefs[j].Timestamp.Time)
	})

	var conventions string
	if !t.ParentID.IsZero() {
		if parent, ok := s.graph.Task(t.ParentID); ok {
			conventions = fmt.Sprintf("Inherited from parent task %q: response formats and naming follow the parent decomposition.", parent.Name)
		}
	}

	var codeRefs []string
	if bt, err := s.provider.GetTask(ctx, t.ID()); err == nil && bt != nil {
		codeRefs = bt.CodeRefs
		if len(codeRefs) > maxCodeRefs {
			codeRefs = codeRefs[:maxCodeRefs]
		}
	}

	p := &Preamble{Artifacts: artifactRefs, Decisions: decisionRefs, Conventions: conventions, PriorCodeRefs: codeRefs}
	p.Text, p.Truncated = render(p)
	return p, nil
}

// transitiveDependencies walks t's dependency edges up to maxDepth levels,
// returning a deduplicated id list (nearest dependencies first).
func (s *Service) transitiveDependencies(id domain.EntityID, maxDepth int) []domain.EntityID {
	var out []domain.EntityID
	seen := map[domain.EntityID]bool{id: true}

	frontier := []domain.EntityID{id}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []domain.EntityID
		for _, cur := range frontier {
			t, ok := s.graph.Task(cur)
			if !ok {
				continue
			}
			for _, dep := range t.Dependencies {
				if seen[dep] {
					continue
				}
				seen[dep] = true
				out = append(out, dep)
				next = append(next, dep)
			}
		}
		frontier = next
	}
	return out
}

func sortArtifactsByRelevance(items []*decisionArtifact, order []domain.ArtifactType) {
	rank := make(map[domain.ArtifactType]int, len(order))
	for i, t := range order {
		rank[t] = i
	}
	sort.SliceStable(items, func(i, j int) bool { return rank[items[i].Type] < rank[items[j].Type] })
}

// decisionArtifact is a short local alias for decision.Artifact used in this
// file's helper signatures.
type decisionArtifact = decision.Artifact

func toDecisionRef(d *decision.Decision) DecisionRef {
	return DecisionRef{TaskID: d.TaskID, AgentID: d.AgentID, What: d.What, Why: d.Why, Impact: d.Impact, Timestamp: d.Timestamp}
}

// render flattens the preamble into capped preamble text. Entries are
// appended in priority order (artifacts, then decisions, then conventions,
// then code refs) and dropped once the byte budget is exhausted — "older/
// less-relevant entries are dropped first", which for a
// priority-ordered list means dropping from the tail.
func render(p *Preamble) (string, bool) {
	var b strings.Builder
	truncated := false
	full := false

	write := func(s string) {
		if full {
			return
		}
		if b.Len()+len(s) > MaxPreambleBytes {
			truncated = true
			full = true
			return
		}
		b.WriteString(s)
	}

	write("## Dependency artifacts\n")
	for _, a := range p.Artifacts {
		write(fmt.Sprintf("- [%s] %s (%s): %s\n", a.Type, a.Filename, a.Path, a.Description))
	}
	write("\n## Relevant decisions\n")
	for _, d := range p.Decisions {
		write(fmt.Sprintf("- (%s) %s: %s — why: %s; impact: %s\n", d.TaskID, d.AgentID, d.What, d.Why, d.Impact))
	}
	if p.Conventions != "" {
		write("\n## Shared conventions\n")
		write(p.Conventions + "\n")
	}
	if len(p.PriorCodeRefs) > 0 {
		write("\n## Prior implementations\n")
		for _, ref := range p.PriorCodeRefs {
			write("- " + ref + "\n")
		}
	}

	return b.String(), truncated
}
