package pipewarden

import (
	"context"
	"fmt"
	"strings"

	"github.com/prilive-com/pipewarden/ado"
)

// maxLogLines caps how much of a failed task's log is returned.
const maxLogLines = 200

// FailureLogsRequest selects a run to diagnose.
type FailureLogsRequest struct {
	// Project name; empty uses the configured default.
	Project string
	// RunID is the build/run to fetch failure details for. Required.
	RunID int
}

// FailureDetail describes one failed timeline record.
type FailureDetail struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Started    string   `json:"started,omitempty"`
	Finished   string   `json:"finished,omitempty"`
	Issues     []string `json:"issues,omitempty"`
	LogSnippet string   `json:"log_snippet,omitempty"`
}

// FailureReport is the output of GetRunFailureLogs.
type FailureReport struct {
	Project  string          `json:"project"`
	Run      RunSummary      `json:"run"`
	Failures []FailureDetail `json:"failures"`
}

// GetRunFailureLogs fetches a run's failed timeline records with their issues
// and the tail of each failed task's log.
func (s *Service) GetRunFailureLogs(ctx context.Context, caller Caller, req FailureLogsRequest) (*FailureReport, error) {
	project, perr := s.resolveProject(req.Project)
	auditProject := project
	if perr != nil {
		auditProject = req.Project
	}

	meta := map[string]any{"run_id": req.RunID}

	var report *FailureReport
	err := s.run(ctx, caller, ToolGetRunFailureLogs, auditProject, meta, func(ctx context.Context) error {
		if perr != nil {
			return perr
		}
		if req.RunID <= 0 {
			return ado.NewValidationError("run_id", "must be a positive integer")
		}

		var build ado.Build
		buildPath := fmt.Sprintf("_apis/build/builds/%d", req.RunID)
		if err := s.client.Get(ctx, project, buildPath, nil, &build); err != nil {
			return err
		}

		var timeline ado.Timeline
		if err := s.client.Get(ctx, project, buildPath+"/timeline", nil, &timeline); err != nil {
			return err
		}

		report = &FailureReport{
			Project:  project,
			Run:      summarizeBuild(build),
			Failures: s.collectFailures(ctx, project, req.RunID, timeline),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// collectFailures walks the timeline for failed tasks, jobs and phases. Log
// fetch trouble degrades to a placeholder so one unreadable log does not sink
// the whole report.
func (s *Service) collectFailures(ctx context.Context, project string, runID int, timeline ado.Timeline) []FailureDetail {
	failures := make([]FailureDetail, 0)
	for _, rec := range timeline.Records {
		if rec.Result != "failed" {
			continue
		}
		switch rec.Type {
		case "Task", "Job", "Phase":
		default:
			continue
		}

		detail := FailureDetail{
			Name:     rec.Name,
			Type:     rec.Type,
			Started:  ado.FormatTimestamp(rec.StartTime),
			Finished: ado.FormatTimestamp(rec.FinishTime),
		}
		for _, issue := range rec.Issues {
			if issue.Type == "error" && issue.Message != "" {
				detail.Issues = append(detail.Issues, issue.Message)
			}
		}
		if rec.Type == "Task" && rec.Log != nil && rec.Log.ID > 0 {
			logPath := fmt.Sprintf("_apis/build/builds/%d/logs/%d", runID, rec.Log.ID)
			text, err := s.client.GetText(ctx, project, logPath, nil)
			if err != nil {
				s.logger.Warn("failed to fetch task log",
					"run_id", runID,
					"log_id", rec.Log.ID,
					"error", err,
				)
				detail.LogSnippet = "(could not fetch log)"
			} else {
				detail.LogSnippet = tailLines(text, maxLogLines)
			}
		}
		failures = append(failures, detail)
	}
	return failures
}

// tailLines returns the last n lines of text.
func tailLines(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
