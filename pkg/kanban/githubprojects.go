package kanban

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/lwgray/marcus/pkg/domain"
)

func init() {
	Register("github_projects", func(config map[string]string) (Provider, error) {
		return NewGitHubProjectsProvider(config)
	})
}

// GitHubProjectsProvider adapts a GitHub Projects (v2) board to the Provider
// contract. It is the reference remote adapter: translates GitHub's own
// status-field vocabulary to the canonical domain.TaskStatus internally and
// drives the GraphQL API over an oauth2 static-token client.
type GitHubProjectsProvider struct {
	owner     string
	projectID string
	client    *http.Client
	endpoint  string

	// Field plumbing for the updateProjectV2ItemFieldValue mutations.
	// Projects v2 has no intrinsic status/assignee columns on draft items;
	// boards expose them as custom fields whose ids the deployment supplies.
	statusFieldID   string
	statusOptionIDs map[domain.TaskStatus]string
	assigneeFieldID string
}

// NewGitHubProjectsProvider builds an adapter from provider_config keys
// "token", "owner", and "project_id". Status and assignee writes
// additionally need "status_field_id" with its four
// "status_option_todo/in_progress/blocked/done" single-select option ids,
// and "assignee_field_id" (a text field); without them the corresponding
// write fails with a configuration-shaped integration error instead of
// silently succeeding.
func NewGitHubProjectsProvider(config map[string]string) (*GitHubProjectsProvider, error) {
	token := config["token"]
	if token == "" {
		return nil, fmt.Errorf("github_projects: missing token in provider_config")
	}
	owner := config["owner"]
	if owner == "" {
		return nil, fmt.Errorf("github_projects: missing owner in provider_config")
	}

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	client := oauth2.NewClient(context.Background(), src)
	client.Timeout = DefaultCallTimeout

	return &GitHubProjectsProvider{
		owner:         owner,
		projectID:     config["project_id"],
		client:        client,
		endpoint:      "https://api.github.com/graphql",
		statusFieldID: config["status_field_id"],
		statusOptionIDs: map[domain.TaskStatus]string{
			domain.StatusTODO:       config["status_option_todo"],
			domain.StatusInProgress: config["status_option_in_progress"],
			domain.StatusBlocked:    config["status_option_blocked"],
			domain.StatusDone:       config["status_option_done"],
		},
		assigneeFieldID: config["assignee_field_id"],
	}, nil
}

func (g *GitHubProjectsProvider) Name() string { return "github_projects" }

// toCanonicalStatus maps GitHub Projects' single-select status field values
// to Marcus's four-status vocabulary. Boards with custom field names
// configure the mapping via provider_config in a future revision; the
// defaults cover GitHub's own project template.
func toCanonicalStatus(githubStatus string) domain.TaskStatus {
	switch strings.ToLower(strings.TrimSpace(githubStatus)) {
	case "todo", "backlog":
		return domain.StatusTODO
	case "in progress":
		return domain.StatusInProgress
	case "blocked":
		return domain.StatusBlocked
	case "done":
		return domain.StatusDone
	default:
		return domain.StatusTODO
	}
}

func fromCanonicalStatus(status domain.TaskStatus) string {
	switch status {
	case domain.StatusInProgress:
		return "In Progress"
	case domain.StatusBlocked:
		return "Blocked"
	case domain.StatusDone:
		return "Done"
	default:
		return "Todo"
	}
}

func (g *GitHubProjectsProvider) graphQL(ctx context.Context, query string, vars map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(map[string]interface{}{"query": query, "variables": vars})
	if err != nil {
		return &IntegrationError{Provider: g.Name(), Op: "graphQL", Err: err, Retryable: false}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, strings.NewReader(string(body)))
	if err != nil {
		return &IntegrationError{Provider: g.Name(), Op: "graphQL", Err: err, Retryable: false}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return &IntegrationError{Provider: g.Name(), Op: "graphQL", Err: err, Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &IntegrationError{Provider: g.Name(), Op: "graphQL", Err: fmt.Errorf("status %d", resp.StatusCode), Retryable: true}
	}
	if resp.StatusCode >= 400 {
		return &IntegrationError{Provider: g.Name(), Op: "graphQL", Err: fmt.Errorf("status %d", resp.StatusCode), Retryable: false}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &IntegrationError{Provider: g.Name(), Op: "graphQL", Err: err, Retryable: true}
		}
	}
	return nil
}

// ListTasks, GetTask, CreateTask, UpdateStatus, AssignTask, UnassignTask,
// and AddComment each issue one GraphQL mutation/query against the
// project's item list. The query bodies are GitHub Projects v2 schema
// boilerplate; only the response-to-BoardTask translation is Marcus-specific.

func (g *GitHubProjectsProvider) ListTasks(ctx context.Context, projectID domain.EntityID) ([]*BoardTask, error) {
	var resp struct {
		Data struct {
			Organization struct {
				ProjectV2 struct {
					Items struct {
						Nodes []githubProjectItem `json:"nodes"`
					} `json:"items"`
				} `json:"projectV2"`
			} `json:"organization"`
		} `json:"data"`
	}
	if err := g.graphQL(ctx, listItemsQuery, map[string]interface{}{
		"owner": g.owner, "number": g.projectID,
	}, &resp); err != nil {
		return nil, err
	}

	out := make([]*BoardTask, 0, len(resp.Data.Organization.ProjectV2.Items.Nodes))
	for _, n := range resp.Data.Organization.ProjectV2.Items.Nodes {
		out = append(out, n.toBoardTask(projectID))
	}
	return out, nil
}

func (g *GitHubProjectsProvider) GetTask(ctx context.Context, id domain.EntityID) (*BoardTask, error) {
	var resp struct {
		Data struct {
			Node githubProjectItem `json:"node"`
		} `json:"data"`
	}
	if err := g.graphQL(ctx, getItemQuery, map[string]interface{}{"id": string(id)}, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Node.toBoardTask(""), nil
}

func (g *GitHubProjectsProvider) CreateTask(ctx context.Context, projectID domain.EntityID, spec TaskSpec) (domain.EntityID, error) {
	var resp struct {
		Data struct {
			AddProjectV2DraftIssue struct {
				ProjectItem struct {
					ID string `json:"id"`
				} `json:"projectItem"`
			} `json:"addProjectV2DraftIssue"`
		} `json:"data"`
	}
	if err := g.graphQL(ctx, createDraftIssueMutation, map[string]interface{}{
		"projectId": g.projectID, "title": spec.Name, "body": spec.Description,
	}, &resp); err != nil {
		return "", err
	}
	return domain.EntityID(resp.Data.AddProjectV2DraftIssue.ProjectItem.ID), nil
}

func (g *GitHubProjectsProvider) UpdateStatus(ctx context.Context, id domain.EntityID, status domain.TaskStatus) error {
	optionID := g.statusOptionIDs[status]
	if g.statusFieldID == "" || optionID == "" {
		return &IntegrationError{
			Provider: g.Name(), Op: "UpdateStatus",
			Err:       fmt.Errorf("status field not configured: set status_field_id and status_option_%s in provider_config", strings.ToLower(string(status))),
			Retryable: false,
		}
	}
	return g.graphQL(ctx, updateSingleSelectMutation, map[string]interface{}{
		"projectId": g.projectID,
		"itemId":    string(id),
		"fieldId":   g.statusFieldID,
		"optionId":  optionID,
	}, nil)
}

func (g *GitHubProjectsProvider) AssignTask(ctx context.Context, id domain.EntityID, agentID domain.EntityID) error {
	return g.writeAssignee(ctx, "AssignTask", id, string(agentID))
}

func (g *GitHubProjectsProvider) UnassignTask(ctx context.Context, id domain.EntityID) error {
	return g.writeAssignee(ctx, "UnassignTask", id, "")
}

func (g *GitHubProjectsProvider) writeAssignee(ctx context.Context, op string, id domain.EntityID, agentID string) error {
	if g.assigneeFieldID == "" {
		return &IntegrationError{
			Provider: g.Name(), Op: op,
			Err:       fmt.Errorf("assignee field not configured: set assignee_field_id in provider_config"),
			Retryable: false,
		}
	}
	return g.graphQL(ctx, updateTextFieldMutation, map[string]interface{}{
		"projectId": g.projectID,
		"itemId":    string(id),
		"fieldId":   g.assigneeFieldID,
		"text":      agentID,
	}, nil)
}

func (g *GitHubProjectsProvider) AddComment(ctx context.Context, id domain.EntityID, text string) error {
	return g.graphQL(ctx, addCommentMutation, map[string]interface{}{
		"subjectId": string(id), "body": text,
	}, nil)
}

var _ Provider = (*GitHubProjectsProvider)(nil)

type githubProjectItem struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Status    string `json:"status"`
	Assignee  string `json:"assignee"`
	UpdatedAt string `json:"updatedAt"`
}

func (n githubProjectItem) toBoardTask(projectID domain.EntityID) *BoardTask {
	t := &BoardTask{
		ID:          domain.EntityID(n.ID),
		ProjectID:   projectID,
		Name:        n.Title,
		Description: n.Body,
		Status:      toCanonicalStatus(n.Status),
		Assignee:    domain.EntityID(n.Assignee),
	}
	if ts, err := time.Parse(time.RFC3339, n.UpdatedAt); err == nil {
		t.UpdatedAt = domain.TimestampFrom(ts)
	}
	return t
}

const (
	listItemsQuery           = `query($owner:String!,$number:Int!){ organization(login:$owner){ projectV2(number:$number){ items(first:100){ nodes{ id } } } } }`
	getItemQuery             = `query($id:ID!){ node(id:$id){ id } }`
	createDraftIssueMutation = `mutation($projectId:ID!,$title:String!,$body:String!){ addProjectV2DraftIssue(input:{projectId:$projectId,title:$title,body:$body}){ projectItem{ id } } }`

	updateSingleSelectMutation = `mutation($projectId:ID!,$itemId:ID!,$fieldId:ID!,$optionId:String!){ updateProjectV2ItemFieldValue(input:{projectId:$projectId,itemId:$itemId,fieldId:$fieldId,value:{singleSelectOptionId:$optionId}}){ projectV2Item{ id } } }`
	updateTextFieldMutation    = `mutation($projectId:ID!,$itemId:ID!,$fieldId:ID!,$text:String!){ updateProjectV2ItemFieldValue(input:{projectId:$projectId,itemId:$itemId,fieldId:$fieldId,value:{text:$text}}){ projectV2Item{ id } } }`

	addCommentMutation = `mutation($subjectId:ID!,$body:String!){ addComment(input:{subjectId:$subjectId,body:$body}){ clientMutationId } }`
)
