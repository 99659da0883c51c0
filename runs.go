package pipewarden

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/prilive-com/pipewarden/ado"
)

const (
	defaultTop = 20
	maxTop     = 50

	maxBranchLength     = 500
	maxParametersLength = 10240
)

var runStatuses = map[string]bool{
	"all":        true,
	"cancelling": true,
	"completed":  true,
	"inProgress": true,
	"none":       true,
	"notStarted": true,
	"postponed":  true,
}

// ListRunsRequest selects which pipeline runs to list.
type ListRunsRequest struct {
	// Project name; empty uses the configured default.
	Project string
	// PipelineID restricts the listing to one pipeline; 0 lists recent builds
	// across the project.
	PipelineID int
	// Status filters by run status; empty or "all" lists everything.
	Status string
	// Top caps the result count (1..50, default 20).
	Top int
}

// RunSummary is a pipeline run shaped for tool output.
type RunSummary struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Pipeline string `json:"pipeline"`
	Status   string `json:"status"`
	Result   string `json:"result,omitempty"`
	Branch   string `json:"branch,omitempty"`
	Queued   string `json:"queued,omitempty"`
	Started  string `json:"started,omitempty"`
	Finished string `json:"finished,omitempty"`
	Duration string `json:"duration,omitempty"`
	URL      string `json:"url,omitempty"`
}

// ListRunsResult is the output of ListPipelineRuns.
type ListRunsResult struct {
	Project string       `json:"project"`
	Count   int          `json:"count"`
	Runs    []RunSummary `json:"runs"`
}

// ListPipelineRuns lists recent runs, either for one pipeline or across the
// whole project.
func (s *Service) ListPipelineRuns(ctx context.Context, caller Caller, req ListRunsRequest) (*ListRunsResult, error) {
	project, perr := s.resolveProject(req.Project)
	auditProject := project
	if perr != nil {
		auditProject = req.Project
	}

	meta := map[string]any{"top": req.Top, "status": req.Status}
	if req.PipelineID > 0 {
		meta["pipeline_id"] = req.PipelineID
	}

	var result *ListRunsResult
	err := s.run(ctx, caller, ToolListPipelineRuns, auditProject, meta, func(ctx context.Context) error {
		if perr != nil {
			return perr
		}
		top, err := validateTop(req.Top)
		if err != nil {
			return err
		}
		status, err := validateStatus("status", req.Status, runStatuses)
		if err != nil {
			return err
		}

		if req.PipelineID > 0 {
			result, err = s.listPipelineRuns(ctx, project, req.PipelineID, status, top)
		} else {
			result, err = s.listBuilds(ctx, project, status, top)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) listPipelineRuns(ctx context.Context, project string, pipelineID int, status string, top int) (*ListRunsResult, error) {
	var resp ado.ListResponse[ado.PipelineRun]
	path := fmt.Sprintf("_apis/pipelines/%d/runs", pipelineID)
	if err := s.client.Get(ctx, project, path, nil, &resp); err != nil {
		return nil, err
	}

	runs := make([]RunSummary, 0, top)
	for _, r := range resp.Value {
		if status != "" && r.State != status {
			continue
		}
		runs = append(runs, summarizeRun(r))
		if len(runs) == top {
			break
		}
	}
	return &ListRunsResult{Project: project, Count: len(runs), Runs: runs}, nil
}

func (s *Service) listBuilds(ctx context.Context, project, status string, top int) (*ListRunsResult, error) {
	params := url.Values{}
	params.Set("$top", strconv.Itoa(top))
	params.Set("queryOrder", "queueTimeDescending")
	if status != "" {
		params.Set("statusFilter", status)
	}

	var resp ado.ListResponse[ado.Build]
	if err := s.client.Get(ctx, project, "_apis/build/builds", params, &resp); err != nil {
		return nil, err
	}

	runs := make([]RunSummary, 0, len(resp.Value))
	for _, b := range resp.Value {
		runs = append(runs, summarizeBuild(b))
	}
	return &ListRunsResult{Project: project, Count: len(runs), Runs: runs}, nil
}

// TriggerRunRequest queues a new run of a pipeline.
type TriggerRunRequest struct {
	// Project name; empty uses the configured default.
	Project string
	// PipelineID of the pipeline to run. Required.
	PipelineID int
	// Branch to run from (bare names are normalized to refs/heads/...).
	// Empty uses the pipeline's default branch.
	Branch string
	// Parameters is a JSON object of template parameters, at most 10 KiB.
	Parameters string
}

// TriggerPipelineRun queues a new pipeline run.
func (s *Service) TriggerPipelineRun(ctx context.Context, caller Caller, req TriggerRunRequest) (*RunSummary, error) {
	project, perr := s.resolveProject(req.Project)
	auditProject := project
	if perr != nil {
		auditProject = req.Project
	}

	// Parameter values never reach the audit trail; key names are enough to
	// reconstruct what was set.
	meta := map[string]any{"pipeline_id": req.PipelineID}
	if req.Branch != "" {
		meta["branch"] = req.Branch
	}

	var result *RunSummary
	err := s.run(ctx, caller, ToolTriggerPipelineRun, auditProject, meta, func(ctx context.Context) error {
		if perr != nil {
			return perr
		}
		if req.PipelineID <= 0 {
			return ado.NewValidationError("pipeline_id", "must be a positive integer")
		}
		if len(req.Branch) > maxBranchLength {
			return ado.NewValidationError("branch", fmt.Sprintf("must be at most %d characters", maxBranchLength))
		}

		body := ado.RunRequest{Resources: ado.RunResources{
			Repositories: map[string]ado.RepositoryResource{},
		}}
		if req.Branch != "" {
			body.Resources.Repositories["self"] = ado.RepositoryResource{RefName: normalizeRef(req.Branch)}
		}
		if req.Parameters != "" {
			keys, raw, err := validateParameters(req.Parameters)
			if err != nil {
				return err
			}
			body.TemplateParameters = raw
			meta["parameter_keys"] = keys
		}

		var run ado.PipelineRun
		path := fmt.Sprintf("_apis/pipelines/%d/runs", req.PipelineID)
		if err := s.client.Post(ctx, project, path, body, &run); err != nil {
			return err
		}
		summary := summarizeRun(run)
		result = &summary
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func summarizeRun(r ado.PipelineRun) RunSummary {
	return RunSummary{
		ID:       r.ID,
		Name:     r.Name,
		Pipeline: r.Pipeline.Name,
		Status:   r.State,
		Result:   r.Result,
		Started:  ado.FormatTimestamp(r.CreatedDate),
		Finished: ado.FormatTimestamp(r.FinishedDate),
		Duration: ado.HumanDuration(r.CreatedDate, r.FinishedDate),
		URL:      r.Links.Web.Href,
	}
}

func summarizeBuild(b ado.Build) RunSummary {
	return RunSummary{
		ID:       b.ID,
		Name:     b.BuildNumber,
		Pipeline: b.Definition.Name,
		Status:   b.Status,
		Result:   b.Result,
		Branch:   b.SourceBranch,
		Queued:   ado.FormatTimestamp(b.QueueTime),
		Started:  ado.FormatTimestamp(b.StartTime),
		Finished: ado.FormatTimestamp(b.FinishTime),
		Duration: ado.HumanDuration(b.StartTime, b.FinishTime),
		URL:      b.Links.Web.Href,
	}
}

func validateTop(top int) (int, error) {
	if top == 0 {
		return defaultTop, nil
	}
	if top < 1 || top > maxTop {
		return 0, ado.NewValidationError("top", fmt.Sprintf("must be between 1 and %d", maxTop))
	}
	return top, nil
}

// validateStatus checks an enum filter value; "" and "all" mean no filter.
func validateStatus(field, status string, valid map[string]bool) (string, error) {
	if status == "" || status == "all" {
		return "", nil
	}
	if !valid[status] {
		return "", ado.NewValidationError(field, fmt.Sprintf("invalid value %q", status))
	}
	return status, nil
}

// validateParameters checks a template-parameters JSON object and returns its
// sorted key names alongside the raw payload.
func validateParameters(params string) ([]string, json.RawMessage, error) {
	if len(params) > maxParametersLength {
		return nil, nil, ado.NewValidationError("parameters", fmt.Sprintf("must be at most %d bytes", maxParametersLength))
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(params), &obj); err != nil {
		return nil, nil, ado.NewValidationError("parameters", "must be a JSON object")
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, json.RawMessage(params), nil
}

func normalizeRef(branch string) string {
	if strings.HasPrefix(branch, "refs/") {
		return branch
	}
	return "refs/heads/" + branch
}
