package pipewarden

import (
	"context"
	"net/url"
	"strconv"

	"github.com/prilive-com/pipewarden/ado"
)

var deploymentStatuses = map[string]bool{
	"all":                true,
	"failed":             true,
	"inProgress":         true,
	"notDeployed":        true,
	"partiallySucceeded": true,
	"succeeded":          true,
	"undefined":          true,
}

// ListDeploymentsRequest selects which release deployments to list.
type ListDeploymentsRequest struct {
	// Project name; empty uses the configured default.
	Project string
	// DefinitionID restricts the listing to one release definition; 0 lists
	// deployments across the project.
	DefinitionID int
	// Status filters by deployment status; empty or "all" lists everything.
	Status string
	// Top caps the result count (1..50, default 20).
	Top int
}

// DeploymentSummary is a deployment shaped for tool output.
type DeploymentSummary struct {
	ID          int    `json:"id"`
	Release     string `json:"release"`
	Definition  string `json:"definition"`
	Environment string `json:"environment"`
	Status      string `json:"status"`
	RequestedBy string `json:"requested_by,omitempty"`
	Queued      string `json:"queued,omitempty"`
	Started     string `json:"started,omitempty"`
	Completed   string `json:"completed,omitempty"`
	Duration    string `json:"duration,omitempty"`
}

// ListDeploymentsResult is the output of ListDeployments.
type ListDeploymentsResult struct {
	Project     string              `json:"project"`
	Count       int                 `json:"count"`
	Deployments []DeploymentSummary `json:"deployments"`
}

// ListDeployments lists classic-release deployments. Release APIs live on the
// vsrm host; the client routes there.
func (s *Service) ListDeployments(ctx context.Context, caller Caller, req ListDeploymentsRequest) (*ListDeploymentsResult, error) {
	project, perr := s.resolveProject(req.Project)
	auditProject := project
	if perr != nil {
		auditProject = req.Project
	}

	meta := map[string]any{"top": req.Top, "status": req.Status}
	if req.DefinitionID > 0 {
		meta["definition_id"] = req.DefinitionID
	}

	var result *ListDeploymentsResult
	err := s.run(ctx, caller, ToolListDeployments, auditProject, meta, func(ctx context.Context) error {
		if perr != nil {
			return perr
		}
		top, err := validateTop(req.Top)
		if err != nil {
			return err
		}
		status, err := validateStatus("status", req.Status, deploymentStatuses)
		if err != nil {
			return err
		}

		params := url.Values{}
		params.Set("$top", strconv.Itoa(top))
		if req.DefinitionID > 0 {
			params.Set("definitionId", strconv.Itoa(req.DefinitionID))
		}
		if status != "" {
			params.Set("deploymentStatus", status)
		}

		var resp ado.ListResponse[ado.Deployment]
		if err := s.client.GetRelease(ctx, project, "_apis/release/deployments", params, &resp); err != nil {
			return err
		}

		deployments := make([]DeploymentSummary, 0, len(resp.Value))
		for _, d := range resp.Value {
			deployments = append(deployments, summarizeDeployment(d))
		}
		result = &ListDeploymentsResult{Project: project, Count: len(deployments), Deployments: deployments}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func summarizeDeployment(d ado.Deployment) DeploymentSummary {
	return DeploymentSummary{
		ID:          d.ID,
		Release:     d.Release.Name,
		Definition:  d.ReleaseDefinition.Name,
		Environment: d.ReleaseEnvironment.Name,
		Status:      d.DeploymentStatus,
		RequestedBy: d.RequestedBy.DisplayName,
		Queued:      ado.FormatTimestamp(d.QueuedOn),
		Started:     ado.FormatTimestamp(d.StartedOn),
		Completed:   ado.FormatTimestamp(d.CompletedOn),
		Duration:    ado.HumanDuration(d.StartedOn, d.CompletedOn),
	}
}
