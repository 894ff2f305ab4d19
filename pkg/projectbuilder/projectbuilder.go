// Package projectbuilder implements ProjectBuilder: the
// entry point for natural-language project creation. It classifies a
// complexity mode, invokes the external PRDParser to obtain per-feature
// task specs, expands each feature into a task pattern, attaches
// technical-constraint labels, creates the tasks on the KanbanProvider,
// and hands the project/task ids back so the caller can rebuild its
// TaskGraph.
package projectbuilder

import (
	"context"
	"fmt"
	"strings"

	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/kanban"
	"github.com/lwgray/marcus/pkg/logger"
	"github.com/lwgray/marcus/pkg/projectregistry"
)

// FeatureSpec is one feature PRDParser extracted from a natural-language
// project description, with its inferred complexity.
type FeatureSpec struct {
	Name           string
	Description    string
	Complexity     domain.FeatureComplexity
	RequiredSkills domain.Tags
	EstimatedHours float64
	Priority       domain.Priority
}

// Options mirrors create_project's options argument: the
// requested complexity mode and the optional existing-project append path.
type Options struct {
	Mode              domain.ComplexityMode
	ExistingProjectID domain.EntityID
}

// PRDParser turns a natural-language project description into a feature
// list. It returns FeatureSpec (pre-pattern-expansion), since the per-task
// expansion itself is ProjectBuilder's own responsibility.
type PRDParser interface {
	Parse(ctx context.Context, description string, options Options) ([]FeatureSpec, error)
}

// Builder drives the ProjectBuilder use case.
type Builder struct {
	parser    PRDParser
	registry  *projectregistry.Registry
	providers *kanban.Registry
	log       *logger.Logger
}

// New wires a Builder to the PRDParser, ProjectRegistry, and the kanban
// provider factory registry. Build works on the provider passed to it and
// does not construct providers from the registry.
func New(parser PRDParser, registry *projectregistry.Registry, kanbanRegistry *kanban.Registry) *Builder {
	return &Builder{parser: parser, registry: registry, providers: kanbanRegistry, log: logger.Get("projectbuilder")}
}

// BuildArgs bundles create_project's arguments.
type BuildArgs struct {
	Description       string
	ProjectName       string
	ComplexityMode    domain.ComplexityMode
	ProviderName      string
	ProviderConfig    domain.Metadata
	ExistingProjectID domain.EntityID
}

// BuildOutcome reports what Build actually did, matching create_project's
// `action` enum.
type BuildOutcome struct {
	Action       string
	ProjectID    domain.EntityID
	TasksCreated int
}

// Build drives PRD parsing, pattern expansion, and task creation on the
// board. The caller is responsible for the closing TaskGraph rebuild once
// it has resolved a ProjectRuntime for the returned
// project id — Build itself is graph-agnostic, since for a brand-new project
// no TaskGraph exists until a KanbanProvider instance has been registered.
func (b *Builder) Build(ctx context.Context, provider kanban.Provider, args BuildArgs) (*BuildOutcome, error) {
	mode := args.ComplexityMode
	if mode == "" {
		mode = domain.ModeStandard
	}

	features, err := b.parser.Parse(ctx, args.Description, Options{Mode: mode, ExistingProjectID: args.ExistingProjectID})
	if err != nil {
		return nil, fmt.Errorf("PRD parse: %w", err)
	}

	constraints := extractConstraints(args.Description)

	action := "project_created"
	var projectID domain.EntityID

	if args.ExistingProjectID != "" {
		action = "tasks_added"
		projectID = args.ExistingProjectID
	} else {
		creator, ok := provider.(kanban.ProjectCreator)
		if !ok {
			return nil, fmt.Errorf("provider %s cannot create new projects", provider.Name())
		}
		id, err := creator.CreateProject(ctx, args.ProjectName, args.ProviderConfig)
		if err != nil {
			return nil, fmt.Errorf("create project on board: %w", err)
		}
		p, err := b.registry.Add(args.ProjectName, args.ProviderName, args.ProviderConfig)
		if err != nil {
			return nil, fmt.Errorf("register project: %w", err)
		}
		projectID = p.ID()
		_ = id // board-side id and Marcus's own project id are tracked separately
	}

	created := 0
	for _, f := range features {
		n, err := b.createFeatureTasks(ctx, provider, projectID, f, mode, constraints)
		if err != nil {
			return nil, fmt.Errorf("create tasks for feature %q: %w", f.Name, err)
		}
		created += n
	}

	b.log.InfoF("project build complete", map[string]interface{}{
		"project_id": projectID.String(), "action": action, "tasks_created": created,
	})
	return &BuildOutcome{Action: action, ProjectID: projectID, TasksCreated: created}, nil
}

// pattern returns the ordered phase sequence a feature of the given
// complexity expands into under mode. PROTOTYPE always collapses to the
// single cheapest phase;
// ENTERPRISE always adds DOCS on top of STANDARD's pattern.
func pattern(complexity domain.FeatureComplexity, mode domain.ComplexityMode) []domain.Phase {
	base := map[domain.FeatureComplexity][]domain.Phase{
		domain.ComplexityAtomic:      {domain.PhaseImplement},
		domain.ComplexitySimple:      {domain.PhaseImplement, domain.PhaseTest},
		domain.ComplexityCoordinated: {domain.PhaseDesign, domain.PhaseImplement, domain.PhaseTest},
		domain.ComplexityDistributed: {domain.PhaseDesign, domain.PhaseImplement, domain.PhaseTest, domain.PhaseDocs},
	}
	phases, ok := base[complexity]
	if !ok {
		phases = base[domain.ComplexitySimple]
	}

	switch mode {
	case domain.ModePrototype:
		return []domain.Phase{domain.PhaseImplement}
	case domain.ModeEnterprise:
		out := append([]domain.Phase{}, phases...)
		if out[len(out)-1] != domain.PhaseDocs {
			out = append(out, domain.PhaseDocs)
		}
		return out
	default:
		return phases
	}
}

// createFeatureTasks expands one feature into its pattern's tasks, wires
// phase-ordered dependencies within the feature, attaches constraint
// labels, and creates each task on the provider.
func (b *Builder) createFeatureTasks(ctx context.Context, provider kanban.Provider, projectID domain.EntityID, f FeatureSpec, mode domain.ComplexityMode, constraints domain.Tags) (int, error) {
	phases := pattern(f.Complexity, mode)
	labels := append(domain.Tags{domain.Tag(f.Name)}, constraints...)

	var prevID domain.EntityID
	for _, phase := range phases {
		spec := kanban.TaskSpec{
			Name:           fmt.Sprintf("%s: %s", phase, f.Name),
			Description:    f.Description,
			Phase:          phase,
			Priority:       f.Priority,
			RequiredSkills: f.RequiredSkills,
			EstimatedHours: estimateFor(phase, f.EstimatedHours),
			Labels:         labels,
		}
		if prevID != "" {
			spec.Dependencies = []domain.EntityID{prevID}
		}
		id, err := provider.CreateTask(ctx, projectID, spec)
		if err != nil {
			return 0, err
		}
		prevID = id
	}
	return len(phases), nil
}

// estimateFor splits a feature's total estimate across its phases.
// IMPLEMENT gets the bulk of the time; DESIGN/TEST/DOCS get a fixed share.
func estimateFor(phase domain.Phase, total float64) float64 {
	if total <= 0 {
		total = 4
	}
	switch phase {
	case domain.PhaseDesign:
		return total * 0.2
	case domain.PhaseTest:
		return total * 0.25
	case domain.PhaseDocs:
		return total * 0.1
	default:
		return total * 0.45
	}
}

// knownConstraintTokens are the technical-constraint markers matched
// case-insensitively against the description and carried verbatim as labels
// on every generated task, so prompts reaching agents include them.
var knownConstraintTokens = []string{
	"vanilla-js", "no-frameworks", "no-orm", "no-docker", "serverless", "offline-first", "no-auth",
}

func extractConstraints(description string) domain.Tags {
	lower := strings.ToLower(description)
	var out domain.Tags
	for _, tok := range knownConstraintTokens {
		if strings.Contains(lower, tok) {
			out = append(out, domain.Tag(tok))
		}
	}
	return out
}
