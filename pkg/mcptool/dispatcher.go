package mcptool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lwgray/marcus/pkg/agentsvc"
	"github.com/lwgray/marcus/pkg/apperror"
	"github.com/lwgray/marcus/pkg/artifacts"
	"github.com/lwgray/marcus/pkg/assignment"
	"github.com/lwgray/marcus/pkg/bus"
	"github.com/lwgray/marcus/pkg/decisionlog"
	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/domain/project"
	"github.com/lwgray/marcus/pkg/kanban"
	"github.com/lwgray/marcus/pkg/logger"
	"github.com/lwgray/marcus/pkg/metrics"
	"github.com/lwgray/marcus/pkg/projectbuilder"
	"github.com/lwgray/marcus/pkg/projectregistry"
	"github.com/lwgray/marcus/pkg/scheduler"
)

// Args is the loosely-typed argument bag every MCP tool call arrives with
// (the transport decodes JSON-RPC params into this before Dispatch sees it).
type Args map[string]interface{}

// Result is the structured {ok, ...} envelope every tool call returns.
// OK is always present; Error is populated only when OK is false.
type Result struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody is the structured error shape; the transport never sees a raw
// Go error string or a stack trace.
type ErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Hints   []string `json:"hints,omitempty"`
}

// Dispatcher is the ToolDispatcher: the single entry point
// every MCP tool call passes through, responsible for per-caller/per-project
// scoping and converting any failure — typed or not — into the {ok:false}
// contract so a panic in a tool handler never reaches the transport.
type Dispatcher struct {
	agents     *agentsvc.Service
	registry   *projectregistry.Registry
	runtimes   *Runtimes
	scheduler  *scheduler.Scheduler
	assignment *assignment.Store
	artifacts  *artifacts.Store
	builder    *projectbuilder.Builder
	kanbanRegs *kanban.Registry
	publisher  *bus.MessageBus
	events     domain.EventBus
	started    time.Time
	log        *logger.Logger
}

// Version is reported by the ping tool.
const Version = "1.0.0"

// New wires a Dispatcher to every service the tool surface fronts. events
// receives the domain events aggregates record during tool handling; pass
// eventbus.New() (or any domain.EventBus) — it must be non-nil.
func New(
	agents *agentsvc.Service,
	registry *projectregistry.Registry,
	runtimes *Runtimes,
	sched *scheduler.Scheduler,
	assignmentStore *assignment.Store,
	artifactStore *artifacts.Store,
	builder *projectbuilder.Builder,
	kanbanRegs *kanban.Registry,
	publisher *bus.MessageBus,
	events domain.EventBus,
) *Dispatcher {
	return &Dispatcher{
		agents: agents, registry: registry, runtimes: runtimes, scheduler: sched,
		assignment: assignmentStore, artifacts: artifactStore, builder: builder,
		kanbanRegs: kanbanRegs, publisher: publisher, events: events,
		started: time.Now(), log: logger.Get("mcptool"),
	}
}

// dispatchEvents publishes an aggregate's recorded events to the domain
// event bus, draining its pending list.
func (d *Dispatcher) dispatchEvents(agg interface{ PullEvents() []domain.Event }) {
	for _, e := range agg.PullEvents() {
		d.events.Publish(e)
	}
}

// Dispatch routes tool to its handler, recovers any panic into
// INTERNAL_ERROR, and records the tool-call metric. This is the one place
// in the repo allowed to recover a panic: every tool handler below crosses
// into agent-supplied argument territory, and that boundary must never
// crash the process.
func (d *Dispatcher) Dispatch(ctx context.Context, callerID, tool string, args Args) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			d.log.ErrorF("tool handler panicked", map[string]interface{}{"tool": tool, "panic": fmt.Sprint(r)})
			result = errResult(apperror.CodeInternalError, fmt.Sprintf("internal error: %v", r))
		}
		metrics.RecordToolCall(tool, result.OK)
	}()

	d.agents.Touch(domain.EntityID(callerID))

	handler, ok := d.handlers()[tool]
	if !ok {
		return errResult(apperror.CodeValidationError, fmt.Sprintf("unknown tool %q", tool))
	}

	data, err := handler(ctx, callerID, args)
	if err != nil {
		return errFromErr(err)
	}
	// A handler may shape its own envelope (request_next_task's no-task
	// outcome is {ok:false, retry_after_seconds, reason}, not an error).
	if r, ok := data.(*Result); ok {
		return r
	}
	return &Result{OK: true, Data: data}
}

type toolFunc func(ctx context.Context, callerID string, args Args) (interface{}, error)

func (d *Dispatcher) handlers() map[string]toolFunc {
	return map[string]toolFunc{
		"register_agent":         d.registerAgent,
		"request_next_task":      d.requestNextTask,
		"report_task_progress":   d.reportTaskProgress,
		"report_blocker":         d.reportBlocker,
		"release_task":           d.releaseTask,
		"log_decision":           d.logDecision,
		"log_artifact":           d.logArtifact,
		"get_task_context":       d.getTaskContext,
		"create_project":         d.createProject,
		"add_project":            d.addProject,
		"list_projects":          d.listProjects,
		"switch_project":         d.switchProject,
		"get_current_project":    d.getCurrentProject,
		"find_or_create_project": d.findOrCreateProject,
		"ping":                   d.ping,
	}
}

// ---------------------------------------------------------------------------
// Agent lifecycle
// ---------------------------------------------------------------------------

func (d *Dispatcher) registerAgent(ctx context.Context, callerID string, args Args) (interface{}, error) {
	id := args.str("agent_id", callerID)
	name := args.str("name", id)
	role := args.str("role", "worker")
	skills := args.tags("skills")

	a, err := d.agents.Register(domain.EntityID(id), name, role, skills)
	if err != nil {
		return nil, apperror.NewBusiness(apperror.CodeValidationError, err.Error())
	}
	d.dispatchEvents(a)
	return map[string]interface{}{"agent_id": a.ID().String(), "name": a.Name, "role": a.Role, "capacity": a.Capacity}, nil
}

// ---------------------------------------------------------------------------
// Task lifecycle
// ---------------------------------------------------------------------------

func (d *Dispatcher) requestNextTask(ctx context.Context, callerID string, args Args) (interface{}, error) {
	agentID := domain.EntityID(args.str("agent_id", callerID))
	a, err := d.agents.Get(agentID)
	if err != nil {
		return nil, apperror.NewBusiness(apperror.CodeAgentNotRegistered, "agent must register_agent before requesting work", "register_agent")
	}

	p, rt, err := d.activeRuntime(callerID)
	if err != nil {
		return nil, err
	}

	proj := &scheduler.Project{ID: p.ID(), Graph: rt.Graph, Context: rt.Context, Provider: rt.Provider}
	assignment, noTask, err := d.scheduler.RequestNextTask(ctx, proj, a)
	if err != nil {
		return nil, apperror.NewBusiness(apperror.CodeInternalError, err.Error())
	}
	if noTask != nil {
		return &Result{OK: false, Data: map[string]interface{}{
			"retry_after_seconds": noTask.RetryAfter.Seconds(), "reason": noTask.Reason,
		}}, nil
	}

	d.agents.RecordAssignment(a.ID())
	d.runtimes.NoteTaskOwners(p.ID(), []domain.EntityID{assignment.Task.ID()})
	d.dispatchEvents(assignment.Task)
	return map[string]interface{}{
		"assigned": true,
		"task": map[string]interface{}{
			"id": assignment.Task.ID().String(), "name": assignment.Task.Name, "description": assignment.Task.Description,
			"phase": assignment.Task.Phase, "priority": assignment.Task.Priority, "labels": assignment.Task.Labels.Strings(),
		},
		"preamble": assignment.Preamble,
	}, nil
}

func (d *Dispatcher) reportTaskProgress(ctx context.Context, callerID string, args Args) (interface{}, error) {
	agentID := domain.EntityID(args.str("agent_id", callerID))
	taskID := domain.EntityID(args.str("task_id", ""))
	status := args.str("status", "")
	if taskID == "" || status == "" {
		return nil, apperror.NewBusiness(apperror.CodeValidationError, "task_id and status are required")
	}

	g, provider, ok := d.runtimes.FindByTask(taskID)
	if !ok {
		return nil, apperror.NewBusiness(apperror.CodeTaskNotFound, "task is not tracked by any open project")
	}

	t, ok := g.Task(taskID)
	if !ok {
		return nil, apperror.NewBusiness(apperror.CodeTaskNotFound, "task not found in graph")
	}

	// Completing an already-DONE task is a no-op success, even when the
	// completing agent's lease is long gone.
	if status == "completed" && t.Status == domain.StatusDone {
		return map[string]interface{}{"task_id": taskID.String(), "status": status}, nil
	}

	lease, err := d.assignment.Get(taskID)
	if err != nil {
		return nil, apperror.NewBusiness(apperror.CodeInternalError, err.Error())
	}
	if lease == nil || lease.AgentID != agentID {
		return nil, apperror.NewBusiness(apperror.CodeNotTaskOwner, "agent does not hold the lease for this task")
	}

	switch status {
	case "blocked":
		t.Block()
		if err := provider.UpdateStatus(ctx, taskID, domain.StatusBlocked); err != nil {
			return nil, apperror.NewBusiness(apperror.CodeKanbanUnavailable, err.Error())
		}
		g.MarkTransition(taskID, domain.StatusBlocked, agentID)
	case "in_progress":
		t.Unblock()
		if err := provider.UpdateStatus(ctx, taskID, domain.StatusInProgress); err != nil {
			return nil, apperror.NewBusiness(apperror.CodeKanbanUnavailable, err.Error())
		}
		g.MarkTransition(taskID, domain.StatusInProgress, agentID)
	case "completed":
		t.Complete()
		if err := provider.UpdateStatus(ctx, taskID, domain.StatusDone); err != nil {
			return nil, apperror.NewBusiness(apperror.CodeKanbanUnavailable, err.Error())
		}
		if err := d.assignment.Release(taskID, assignment.ReleaseCompleted); err != nil {
			d.log.WarnF("release on completion failed", map[string]interface{}{"task_id": taskID.String(), "error": err.Error()})
		}
		g.MarkTransition(taskID, domain.StatusDone, "")
		d.agents.RecordCompletion(agentID)
		metrics.RecordCompleted(g.ProjectID().String())
		d.publisher.Publish(bus.SystemEvent{Type: string(domain.EventTaskCompleted), Source: "mcptool", Data: map[string]string{"task_id": taskID.String(), "agent_id": agentID.String()}})
	default:
		return nil, apperror.NewBusiness(apperror.CodeValidationError, fmt.Sprintf("unknown status %q", status))
	}

	d.dispatchEvents(t)
	return map[string]interface{}{"task_id": taskID.String(), "status": status}, nil
}

func (d *Dispatcher) reportBlocker(ctx context.Context, callerID string, args Args) (interface{}, error) {
	agentID := domain.EntityID(args.str("agent_id", callerID))
	taskID := domain.EntityID(args.str("task_id", ""))
	description := args.str("description", "")
	severity := domain.Severity(args.str("severity", string(domain.SeverityMedium)))
	if taskID == "" {
		return nil, apperror.NewBusiness(apperror.CodeValidationError, "task_id is required")
	}

	g, provider, ok := d.runtimes.FindByTask(taskID)
	if !ok {
		return nil, apperror.NewBusiness(apperror.CodeTaskNotFound, "task is not tracked by any open project")
	}
	lease, err := d.assignment.Get(taskID)
	if err != nil {
		return nil, apperror.NewBusiness(apperror.CodeInternalError, err.Error())
	}
	if lease == nil || lease.AgentID != agentID {
		return nil, apperror.NewBusiness(apperror.CodeNotTaskOwner, "agent does not hold the lease for this task")
	}

	t, ok := g.Task(taskID)
	if !ok {
		return nil, apperror.NewBusiness(apperror.CodeTaskNotFound, "task not found in graph")
	}
	t.Block()
	g.MarkTransition(taskID, domain.StatusBlocked, agentID)
	if err := provider.UpdateStatus(ctx, taskID, domain.StatusBlocked); err != nil {
		return nil, apperror.NewBusiness(apperror.CodeKanbanUnavailable, err.Error())
	}
	comment := fmt.Sprintf("[%s] Blocker reported by %s: %s", severity, agentID, description)
	if err := provider.AddComment(ctx, taskID, comment); err != nil {
		d.log.WarnF("blocker comment mirror failed", map[string]interface{}{"task_id": taskID.String(), "error": err.Error()})
	}
	metrics.RecordFailed(g.ProjectID().String())
	d.publisher.Publish(bus.SystemEvent{Type: string(domain.EventTaskBlocked), Source: "mcptool", Data: map[string]string{"task_id": taskID.String(), "severity": string(severity)}})
	return map[string]interface{}{
		"task_id":     taskID.String(),
		"status":      "blocked",
		"suggestions": blockerSuggestions(severity),
	}, nil
}

// blockerSuggestions returns next-step hints for a blocked agent, scaled to
// severity: low-severity blockers favor documenting and continuing, high
// ones favor giving the task back so another agent or a human can pick it
// up.
func blockerSuggestions(severity domain.Severity) []string {
	base := []string{
		"log_decision to record what was attempted and why it failed",
		"log_artifact any partial work so the next assignee starts warm",
	}
	switch severity {
	case domain.SeverityHigh, domain.SeverityCritical:
		return append(base,
			"release_task to return it to the pool for reassignment",
			"a blocker comment was posted to the kanban card for human triage",
		)
	default:
		return append(base,
			"report_task_progress with status in_progress once unblocked",
		)
	}
}

func (d *Dispatcher) releaseTask(ctx context.Context, callerID string, args Args) (interface{}, error) {
	agentID := domain.EntityID(args.str("agent_id", callerID))
	taskID := domain.EntityID(args.str("task_id", ""))
	if taskID == "" {
		return nil, apperror.NewBusiness(apperror.CodeValidationError, "task_id is required")
	}

	g, provider, ok := d.runtimes.FindByTask(taskID)
	if !ok {
		return nil, apperror.NewBusiness(apperror.CodeTaskNotFound, "task is not tracked by any open project")
	}
	lease, err := d.assignment.Get(taskID)
	if err != nil {
		return nil, apperror.NewBusiness(apperror.CodeInternalError, err.Error())
	}
	if lease == nil || lease.AgentID != agentID {
		return nil, apperror.NewBusiness(apperror.CodeNotTaskOwner, "agent does not hold the lease for this task")
	}

	if err := d.assignment.Release(taskID, assignment.ReleaseCancelled); err != nil {
		return nil, apperror.NewBusiness(apperror.CodeInternalError, err.Error())
	}
	if err := provider.UnassignTask(ctx, taskID); err != nil {
		d.log.WarnF("kanban unassign on release failed", map[string]interface{}{"task_id": taskID.String(), "error": err.Error()})
	}
	if err := provider.UpdateStatus(ctx, taskID, domain.StatusTODO); err != nil {
		d.log.WarnF("kanban status reset on release failed", map[string]interface{}{"task_id": taskID.String(), "error": err.Error()})
	}
	if t, ok := g.Task(taskID); ok {
		t.Reset(domain.EventTaskReleased)
		d.dispatchEvents(t)
	}
	g.MarkTransition(taskID, domain.StatusTODO, "")
	d.publisher.Publish(bus.SystemEvent{Type: string(domain.EventTaskReleased), Source: "mcptool", Data: map[string]string{"task_id": taskID.String(), "agent_id": agentID.String()}})
	return map[string]interface{}{"task_id": taskID.String(), "status": "released"}, nil
}

// ---------------------------------------------------------------------------
// Decision / artifact logging
// ---------------------------------------------------------------------------

func (d *Dispatcher) logDecision(ctx context.Context, callerID string, args Args) (interface{}, error) {
	p, rt, err := d.activeRuntime(callerID)
	if err != nil {
		return nil, err
	}
	agentID := domain.EntityID(args.str("agent_id", callerID))
	taskID := domain.EntityID(args.str("task_id", ""))
	what, why, impact := args.str("what", ""), args.str("why", ""), args.str("impact", "")
	affects := args.ids("affects_tasks")
	if taskID == "" || what == "" {
		return nil, apperror.NewBusiness(apperror.CodeValidationError, "task_id and what are required")
	}

	dec, err := rt.Decision.LogDecision(ctx, p.ID(), agentID, taskID, what, why, impact, affects)
	if err != nil {
		if err == decisionlog.ErrNotTaskOwner {
			return nil, apperror.NewBusiness(apperror.CodeNotTaskOwner, err.Error())
		}
		return nil, apperror.NewBusiness(apperror.CodeInternalError, err.Error())
	}
	d.dispatchEvents(dec)
	return map[string]interface{}{"decision_id": dec.ID().String()}, nil
}

func (d *Dispatcher) logArtifact(ctx context.Context, callerID string, args Args) (interface{}, error) {
	p, _, err := d.activeRuntime(callerID)
	if err != nil {
		return nil, err
	}
	agentID := domain.EntityID(args.str("agent_id", callerID))
	taskID := domain.EntityID(args.str("task_id", ""))
	filename := args.str("filename", "")
	artifactType := domain.ArtifactType(args.str("type", string(domain.ArtifactOther)))
	content := args.str("content", "")
	description := args.str("description", "")
	if taskID == "" || filename == "" {
		return nil, apperror.NewBusiness(apperror.CodeValidationError, "task_id and filename are required")
	}

	a, err := d.artifacts.LogArtifact(p.ID(), agentID, taskID, filename, artifactType, []byte(content), description)
	if err != nil {
		return nil, apperror.NewBusiness(apperror.CodeInternalError, err.Error())
	}
	d.dispatchEvents(a)
	d.publisher.Publish(bus.SystemEvent{Type: string(domain.EventArtifactLogged), Source: "mcptool", Data: map[string]string{"task_id": taskID.String(), "filename": a.Filename}})
	return map[string]interface{}{"artifact_id": a.ID().String(), "filename": a.Filename, "path": a.RelativePath}, nil
}

func (d *Dispatcher) getTaskContext(ctx context.Context, callerID string, args Args) (interface{}, error) {
	_, rt, err := d.activeRuntime(callerID)
	if err != nil {
		return nil, err
	}
	taskID := domain.EntityID(args.str("task_id", ""))
	if taskID == "" {
		return nil, apperror.NewBusiness(apperror.CodeValidationError, "task_id is required")
	}
	t, ok := rt.Graph.Task(taskID)
	if !ok {
		return nil, apperror.NewBusiness(apperror.CodeTaskNotFound, "task not found")
	}
	preamble, err := rt.Context.BuildPreamble(ctx, t)
	if err != nil {
		return nil, apperror.NewBusiness(apperror.CodeInternalError, err.Error())
	}
	return map[string]interface{}{"task_id": taskID.String(), "preamble": preamble}, nil
}

// ---------------------------------------------------------------------------
// Project lifecycle
// ---------------------------------------------------------------------------

func (d *Dispatcher) createProject(ctx context.Context, callerID string, args Args) (interface{}, error) {
	description := args.str("description", "")
	if description == "" {
		return nil, apperror.NewBusiness(apperror.CodeValidationError, "description is required")
	}
	name := args.str("project_name", args.str("name", fmt.Sprintf("project-%d", time.Now().UnixNano())))
	providerName := args.str("provider", "local")
	cfg := args.metadata("provider_config")
	complexity := domain.ComplexityMode(strings.ToUpper(args.str("complexity", string(domain.ModeStandard))))
	mode := args.str("mode", "auto")
	targetID := domain.EntityID(args.str("project_id", ""))

	// mode disambiguates what a repeated description should do: append to
	// an existing board, force a fresh one, or let name matching decide.
	switch mode {
	case "new_project":
		targetID = ""
	case "add_feature":
		if targetID == "" {
			if active, err := d.registry.GetActive(callerID); err == nil {
				targetID = active.ID()
			}
		}
		if targetID == "" {
			candidates := make([]map[string]interface{}, 0)
			for _, p := range d.registry.List() {
				candidates = append(candidates, map[string]interface{}{"project_id": p.ID().String(), "name": p.Name})
			}
			return map[string]interface{}{"action": "select_project", "projects": candidates}, nil
		}
	case "auto", "":
		if targetID == "" {
			if existing, _ := d.registry.FindByName(name); existing != nil {
				return map[string]interface{}{
					"action":     "confirm_reuse",
					"project_id": existing.ID().String(),
					"name":       existing.Name,
					"hints": []string{
						"re-call create_project with mode=add_feature and this project_id to append",
						"re-call create_project with mode=new_project to create a separate board",
					},
				}, nil
			}
		}
	default:
		return nil, apperror.NewBusiness(apperror.CodeValidationError, fmt.Sprintf("unknown mode %q (want auto, add_feature, or new_project)", mode))
	}

	// Appends target the existing project's own provider binding; only a
	// brand-new project uses the provider named in this call.
	if targetID != "" {
		p, err := d.registry.Get(targetID)
		if err != nil {
			return nil, apperror.NewBusiness(apperror.CodeValidationError, fmt.Sprintf("project %s is not registered", targetID))
		}
		providerName = p.Provider
		cfg = p.Config
	}

	provider, err := d.kanbanRegs.Build(providerName, map[string]string(cfg))
	if err != nil {
		return nil, apperror.NewBusiness(apperror.CodeValidationError, err.Error())
	}

	outcome, err := d.builder.Build(ctx, provider, projectbuilder.BuildArgs{
		Description: description, ProjectName: name, ComplexityMode: complexity,
		ProviderName: providerName, ProviderConfig: cfg, ExistingProjectID: targetID,
	})
	if err != nil {
		return nil, apperror.NewBusiness(apperror.CodeInternalError, err.Error())
	}

	if _, err := d.registry.Switch(callerID, outcome.ProjectID); err != nil {
		d.log.WarnF("auto-switch to new project failed", map[string]interface{}{"error": err.Error()})
	}
	if _, _, err := d.activeRuntime(callerID); err != nil {
		d.log.WarnF("graph rebuild after create_project failed", map[string]interface{}{"error": fmt.Sprint(err)})
	}
	return map[string]interface{}{"action": outcome.Action, "project_id": outcome.ProjectID.String(), "tasks_created": outcome.TasksCreated}, nil
}

func (d *Dispatcher) findOrCreateProject(ctx context.Context, callerID string, args Args) (interface{}, error) {
	name := args.str("project_name", args.str("name", ""))
	if name == "" {
		return nil, apperror.NewBusiness(apperror.CodeValidationError, "project_name is required")
	}

	if existing, _ := d.registry.FindByName(name); existing != nil {
		if _, err := d.registry.Switch(callerID, existing.ID()); err != nil {
			return nil, apperror.NewBusiness(apperror.CodeInternalError, err.Error())
		}
		return map[string]interface{}{"action": "found_existing", "project_id": existing.ID().String(), "name": existing.Name}, nil
	}

	if similar := d.similarProjects(name); len(similar) > 0 {
		return map[string]interface{}{"action": "found_similar", "candidates": similar}, nil
	}

	createIfMissing, _ := args["create_if_missing"].(bool)
	if !createIfMissing {
		return map[string]interface{}{"action": "not_found", "name": name}, nil
	}
	if args.str("description", "") == "" {
		// Creation needs a description for the PRD parse; point the caller
		// at create_project instead of guessing one.
		return map[string]interface{}{
			"action": "guide_creation",
			"hints":  []string{"create_project with a description and project_name=" + name},
		}, nil
	}
	return d.createProject(ctx, callerID, args)
}

// similarProjects returns names of registered projects whose name contains
// (or is contained by) the query, case-insensitively.
func (d *Dispatcher) similarProjects(name string) []string {
	query := strings.ToLower(name)
	var out []string
	for _, p := range d.registry.List() {
		candidate := strings.ToLower(p.Name)
		if strings.Contains(candidate, query) || strings.Contains(query, candidate) {
			out = append(out, p.Name)
		}
	}
	return out
}

func (d *Dispatcher) addProject(ctx context.Context, callerID string, args Args) (interface{}, error) {
	name := args.str("name", "")
	providerName := args.str("provider", "")
	cfg := args.metadata("provider_config")
	if name == "" || providerName == "" {
		return nil, apperror.NewBusiness(apperror.CodeValidationError, "name and provider are required")
	}
	if _, err := d.kanbanRegs.Build(providerName, map[string]string(cfg)); err != nil {
		return nil, apperror.NewBusiness(apperror.CodeValidationError, fmt.Sprintf("provider config rejected: %v", err))
	}
	p, err := d.registry.Add(name, providerName, cfg)
	if err != nil {
		return nil, apperror.NewBusiness(apperror.CodeValidationError, err.Error())
	}
	if _, err := d.registry.Switch(callerID, p.ID()); err != nil {
		d.log.WarnF("auto-switch on add_project failed", map[string]interface{}{"error": err.Error()})
	}
	return map[string]interface{}{"project_id": p.ID().String(), "name": p.Name}, nil
}

func (d *Dispatcher) listProjects(ctx context.Context, callerID string, args Args) (interface{}, error) {
	out := make([]map[string]interface{}, 0)
	for _, p := range d.registry.List() {
		out = append(out, map[string]interface{}{"project_id": p.ID().String(), "name": p.Name, "provider": p.Provider})
	}
	return map[string]interface{}{"projects": out}, nil
}

func (d *Dispatcher) switchProject(ctx context.Context, callerID string, args Args) (interface{}, error) {
	id := domain.EntityID(args.str("project_id", ""))
	if id == "" {
		if name := args.str("name", ""); name != "" {
			p, err := d.registry.FindByName(name)
			if err != nil || p == nil {
				return nil, apperror.NewBusiness(apperror.CodeValidationError, "no project with that name")
			}
			id = p.ID()
		} else {
			return nil, apperror.NewBusiness(apperror.CodeValidationError, "project_id or name is required")
		}
	}
	p, err := d.registry.Switch(callerID, id)
	if err != nil {
		return nil, apperror.NewBusiness(apperror.CodeValidationError, err.Error())
	}
	return map[string]interface{}{"project_id": p.ID().String(), "name": p.Name}, nil
}

func (d *Dispatcher) getCurrentProject(ctx context.Context, callerID string, args Args) (interface{}, error) {
	p, err := d.registry.GetActive(callerID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"project_id": p.ID().String(), "name": p.Name, "provider": p.Provider}, nil
}

func (d *Dispatcher) ping(ctx context.Context, callerID string, args Args) (interface{}, error) {
	return map[string]interface{}{
		"pong":           true,
		"uptime_seconds": time.Since(d.started).Seconds(),
		"version":        Version,
		"time":           time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

// activeRuntime resolves callerID's active project and its ProjectRuntime in
// one call — the common prefix of every task-scoped tool handler.
func (d *Dispatcher) activeRuntime(callerID string) (*project.Project, *ProjectRuntime, error) {
	p, err := d.registry.GetActive(callerID)
	if err != nil {
		if nap, ok := err.(*projectregistry.NoActiveProjectError); ok {
			return nil, nil, apperror.NewBusiness(apperror.CodeNoActiveProject, nap.Error(), nap.Hints...)
		}
		return nil, nil, apperror.NewBusiness(apperror.CodeInternalError, err.Error())
	}
	rt, err := d.runtimes.GetOrBuild(p)
	if err != nil {
		return nil, nil, apperror.NewBusiness(apperror.CodeKanbanUnavailable, err.Error())
	}
	if err := rt.Graph.Rebuild(context.Background()); err != nil {
		d.log.WarnF("graph rebuild on activate failed", map[string]interface{}{"project_id": p.ID().String(), "error": err.Error()})
	} else {
		ids := make([]domain.EntityID, 0)
		for _, t := range rt.Graph.AllTasks() {
			ids = append(ids, t.ID())
		}
		d.runtimes.NoteTaskOwners(p.ID(), ids)
	}
	return p, rt, nil
}

func errResult(code apperror.Code, message string) *Result {
	return &Result{OK: false, Error: &ErrorBody{Code: string(code), Message: message}}
}

func errFromErr(err error) *Result {
	switch e := err.(type) {
	case *apperror.BusinessError:
		return &Result{OK: false, Error: &ErrorBody{Code: string(e.Code), Message: e.Message, Hints: e.Hints}}
	case *apperror.IntegrationError:
		return errResult(apperror.CodeKanbanUnavailable, e.Error())
	case *apperror.ConfigError:
		return errResult(apperror.CodeValidationError, e.Error())
	case *projectregistry.NoActiveProjectError:
		return &Result{OK: false, Error: &ErrorBody{Code: string(apperror.CodeNoActiveProject), Message: e.Error(), Hints: e.Hints}}
	default:
		return errResult(apperror.CodeInternalError, err.Error())
	}
}

// ---------------------------------------------------------------------------
// Args helpers
// ---------------------------------------------------------------------------

func (a Args) str(key, def string) string {
	if v, ok := a[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

func (a Args) tags(key string) domain.Tags {
	raw, _ := a[key].([]interface{})
	out := make(domain.Tags, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, domain.Tag(s))
		}
	}
	return out
}

func (a Args) ids(key string) []domain.EntityID {
	raw, _ := a[key].([]interface{})
	out := make([]domain.EntityID, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, domain.EntityID(s))
		}
	}
	return out
}

func (a Args) metadata(key string) domain.Metadata {
	raw, _ := a[key].(map[string]interface{})
	out := make(domain.Metadata, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
