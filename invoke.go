package pipewarden

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prilive-com/pipewarden/ado"
)

// Tool names accepted by Invoke.
const (
	ToolListPipelineRuns   = "list_pipeline_runs"
	ToolGetRunFailureLogs  = "get_run_failure_logs"
	ToolListDeployments    = "list_deployments"
	ToolTriggerPipelineRun = "trigger_pipeline_run"
)

// Caller identifies who is invoking a tool. Rate limiting and audit records
// key on the strongest identity available.
type Caller struct {
	// ID is a stable principal identifier (e.g. an AAD object ID).
	ID string
	// Name is a human-readable principal name.
	Name string
	// IP is the remote address, used when no principal is known.
	IP string
}

// Key returns the identity used for admission and audit. Unidentified
// callers share the "anonymous" bucket.
func (c Caller) Key() string {
	switch {
	case c.ID != "":
		return c.ID
	case c.Name != "":
		return c.Name
	case c.IP != "":
		return c.IP
	}
	return "anonymous"
}

// Invoke dispatches a tool call by name with loosely-typed arguments, the
// shape a JSON tool-call payload decodes to. Numbers may arrive as float64
// or json.Number; integers are accepted either way.
func (s *Service) Invoke(ctx context.Context, caller Caller, tool string, args map[string]any) (any, error) {
	switch tool {
	case ToolListPipelineRuns:
		req := ListRunsRequest{Project: stringArg(args, "project")}
		var err error
		if req.PipelineID, err = intArg(args, "pipeline_id"); err != nil {
			return nil, err
		}
		if req.Top, err = intArg(args, "top"); err != nil {
			return nil, err
		}
		req.Status = stringArg(args, "status")
		return s.ListPipelineRuns(ctx, caller, req)

	case ToolGetRunFailureLogs:
		runID, err := intArg(args, "run_id")
		if err != nil {
			return nil, err
		}
		return s.GetRunFailureLogs(ctx, caller, FailureLogsRequest{
			Project: stringArg(args, "project"),
			RunID:   runID,
		})

	case ToolListDeployments:
		req := ListDeploymentsRequest{
			Project: stringArg(args, "project"),
			Status:  stringArg(args, "status"),
		}
		var err error
		if req.DefinitionID, err = intArg(args, "definition_id"); err != nil {
			return nil, err
		}
		if req.Top, err = intArg(args, "top"); err != nil {
			return nil, err
		}
		return s.ListDeployments(ctx, caller, req)

	case ToolTriggerPipelineRun:
		pipelineID, err := intArg(args, "pipeline_id")
		if err != nil {
			return nil, err
		}
		return s.TriggerPipelineRun(ctx, caller, TriggerRunRequest{
			Project:    stringArg(args, "project"),
			PipelineID: pipelineID,
			Branch:     stringArg(args, "branch"),
			Parameters: stringArg(args, "parameters"),
		})
	}

	return nil, ado.NewValidationError("tool", fmt.Sprintf("unknown tool %q", tool))
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// intArg extracts an optional integer argument; absent keys yield 0.
func intArg(args map[string]any, key string) (int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		if n != float64(int(n)) {
			return 0, ado.NewValidationError(key, "must be an integer")
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, ado.NewValidationError(key, "must be an integer")
		}
		return int(i), nil
	case string:
		if n == "" {
			return 0, nil
		}
		var i int
		if _, err := fmt.Sscanf(n, "%d", &i); err != nil {
			return 0, ado.NewValidationError(key, "must be an integer")
		}
		return i, nil
	}
	return 0, ado.NewValidationError(key, "must be an integer")
}
