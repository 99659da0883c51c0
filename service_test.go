package pipewarden_test

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prilive-com/pipewarden"
	"github.com/prilive-com/pipewarden/ado"
	"github.com/prilive-com/pipewarden/client"
	"github.com/prilive-com/pipewarden/internal/testutil"
)

func newTestService(t *testing.T, srv *testutil.MockADOServer, mutate func(*pipewarden.Config), opts ...pipewarden.Option) *pipewarden.Service {
	t.Helper()

	cfg := pipewarden.DefaultConfig()
	cfg.Organization = testutil.TestOrg
	cfg.Projects = []string{testutil.TestProject, testutil.TestSecondProject}
	cfg.DefaultProject = testutil.TestProject
	if mutate != nil {
		mutate(&cfg)
	}

	base := []pipewarden.Option{
		pipewarden.WithClientOptions(
			client.WithBaseURL(srv.BaseURL()),
			client.WithGlobalRateLimit(1000, 100),
			client.WithSleeper(&testutil.FakeSleeper{}),
		),
	}
	svc, err := pipewarden.New(cfg,
		client.NewStaticTokenSource(ado.SecretToken(testutil.TestToken)),
		append(base, opts...)...,
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func testCaller() pipewarden.Caller {
	return pipewarden.Caller{ID: testutil.TestIdentity}
}

func TestNew_Validation(t *testing.T) {
	tokens := client.NewStaticTokenSource("tok")

	_, err := pipewarden.New(pipewarden.Config{Projects: []string{"p"}}, tokens)
	assert.ErrorIs(t, err, ado.ErrInvalidConfig)

	_, err = pipewarden.New(pipewarden.Config{Organization: "org"}, tokens)
	assert.ErrorIs(t, err, ado.ErrInvalidConfig)

	_, err = pipewarden.New(pipewarden.Config{
		Organization:   "org",
		Projects:       []string{"p"},
		DefaultProject: "other",
	}, tokens)
	assert.ErrorIs(t, err, ado.ErrInvalidConfig)
}

func TestListPipelineRuns_AcrossProject(t *testing.T) {
	srv := testutil.NewMockServer(t)
	srv.On(testutil.ProjectPath("_apis/build/builds"), func(w http.ResponseWriter, r *http.Request) {
		testutil.ReplyList(w,
			testutil.Build(102, "completed", "succeeded"),
			testutil.Build(101, "completed", "failed"),
		)
	})

	svc := newTestService(t, srv, nil)

	result, err := svc.ListPipelineRuns(context.Background(), testCaller(), pipewarden.ListRunsRequest{
		Status: "completed",
		Top:    10,
	})
	require.NoError(t, err)
	assert.Equal(t, testutil.TestProject, result.Project)
	require.Equal(t, 2, result.Count)

	run := result.Runs[0]
	assert.Equal(t, 102, run.ID)
	assert.Equal(t, "web-ci", run.Pipeline)
	assert.Equal(t, "succeeded", run.Result)
	assert.Equal(t, "refs/heads/main", run.Branch)
	assert.Equal(t, "2025-06-01 12:00:30 UTC", run.Started)
	assert.Equal(t, "5m 0s", run.Duration)

	capture := srv.LastCapture()
	require.NotNil(t, capture)
	assert.Equal(t, "10", capture.Query.Get("$top"))
	assert.Equal(t, "completed", capture.Query.Get("statusFilter"))
	assert.Equal(t, "queueTimeDescending", capture.Query.Get("queryOrder"))
}

func TestListPipelineRuns_ForOnePipeline(t *testing.T) {
	srv := testutil.NewMockServer(t)
	srv.On(testutil.ProjectPath("_apis/pipelines/7/runs"), func(w http.ResponseWriter, r *http.Request) {
		testutil.ReplyList(w,
			testutil.PipelineRun(42, "completed", "succeeded"),
			testutil.PipelineRun(41, "inProgress", ""),
			testutil.PipelineRun(40, "completed", "failed"),
		)
	})

	svc := newTestService(t, srv, nil)

	result, err := svc.ListPipelineRuns(context.Background(), testCaller(), pipewarden.ListRunsRequest{
		PipelineID: 7,
		Status:     "completed",
		Top:        1,
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Count)
	assert.Equal(t, 42, result.Runs[0].ID)
	assert.Equal(t, "web-ci", result.Runs[0].Pipeline)
}

func TestListPipelineRuns_Validation(t *testing.T) {
	srv := testutil.NewMockServer(t)
	svc := newTestService(t, srv, nil)

	_, err := svc.ListPipelineRuns(context.Background(), testCaller(), pipewarden.ListRunsRequest{Top: 51})
	require.Error(t, err)
	var valErr *ado.ValidationError
	assert.ErrorAs(t, err, &valErr)

	_, err = svc.ListPipelineRuns(context.Background(), testCaller(), pipewarden.ListRunsRequest{Status: "bogus"})
	require.Error(t, err)
	assert.ErrorAs(t, err, &valErr)

	// Validation failures never reach the network.
	assert.Equal(t, 0, srv.CaptureCount())
}

func TestProjectAllowList(t *testing.T) {
	srv := testutil.NewMockServer(t)
	svc := newTestService(t, srv, nil)

	_, err := svc.ListPipelineRuns(context.Background(), testCaller(), pipewarden.ListRunsRequest{
		Project: "shadow-project",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ado.ErrProjectNotAllowed)
	assert.Equal(t, 0, srv.CaptureCount())
}

func TestNoProjectConfigured(t *testing.T) {
	srv := testutil.NewMockServer(t)
	svc := newTestService(t, srv, func(cfg *pipewarden.Config) {
		cfg.DefaultProject = ""
	})

	// Two allowed projects, no default, none requested.
	_, err := svc.ListPipelineRuns(context.Background(), testCaller(), pipewarden.ListRunsRequest{})
	assert.ErrorIs(t, err, ado.ErrNoProject)
}

func TestSingleProjectIsImplicitDefault(t *testing.T) {
	srv := testutil.NewMockServer(t)
	svc := newTestService(t, srv, func(cfg *pipewarden.Config) {
		cfg.Projects = []string{testutil.TestProject}
		cfg.DefaultProject = ""
	})

	result, err := svc.ListPipelineRuns(context.Background(), testCaller(), pipewarden.ListRunsRequest{})
	require.NoError(t, err)
	assert.Equal(t, testutil.TestProject, result.Project)
}

func TestRateLimitDeniesBeyondMax(t *testing.T) {
	srv := testutil.NewMockServer(t)
	svc := newTestService(t, srv, func(cfg *pipewarden.Config) {
		cfg.RateLimitMaxRequests = 2
	})

	for i := 0; i < 2; i++ {
		_, err := svc.ListPipelineRuns(context.Background(), testCaller(), pipewarden.ListRunsRequest{})
		require.NoError(t, err)
	}
	srv.ResetCaptures()

	_, err := svc.ListPipelineRuns(context.Background(), testCaller(), pipewarden.ListRunsRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ado.ErrRateLimited)
	assert.Equal(t, 0, srv.CaptureCount())

	// A different identity still gets through.
	_, err = svc.ListPipelineRuns(context.Background(), pipewarden.Caller{ID: "someone-else"}, pipewarden.ListRunsRequest{})
	assert.NoError(t, err)
}

func TestTriggerPipelineRun(t *testing.T) {
	srv := testutil.NewMockServer(t)
	srv.OnPost(testutil.ProjectPath("_apis/pipelines/7/runs"), func(w http.ResponseWriter, r *http.Request) {
		testutil.ReplyJSON(w, testutil.PipelineRun(55, "inProgress", ""))
	})

	svc := newTestService(t, srv, nil)

	result, err := svc.TriggerPipelineRun(context.Background(), testCaller(), pipewarden.TriggerRunRequest{
		PipelineID: 7,
		Branch:     "feature/login",
		Parameters: `{"environment":"staging"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, 55, result.ID)
	assert.Equal(t, "inProgress", result.Status)

	capture := srv.LastCapture()
	require.NotNil(t, capture)
	body := string(capture.Body)
	assert.Contains(t, body, `"refs/heads/feature/login"`)
	assert.Contains(t, body, `"environment":"staging"`)
}

func TestTriggerPipelineRun_Validation(t *testing.T) {
	srv := testutil.NewMockServer(t)
	svc := newTestService(t, srv, nil)

	caller := testCaller()
	var valErr *ado.ValidationError

	_, err := svc.TriggerPipelineRun(context.Background(), caller, pipewarden.TriggerRunRequest{})
	assert.ErrorAs(t, err, &valErr)

	_, err = svc.TriggerPipelineRun(context.Background(), caller, pipewarden.TriggerRunRequest{
		PipelineID: 7,
		Branch:     strings.Repeat("b", 501),
	})
	assert.ErrorAs(t, err, &valErr)

	_, err = svc.TriggerPipelineRun(context.Background(), caller, pipewarden.TriggerRunRequest{
		PipelineID: 7,
		Parameters: "not-json",
	})
	assert.ErrorAs(t, err, &valErr)

	_, err = svc.TriggerPipelineRun(context.Background(), caller, pipewarden.TriggerRunRequest{
		PipelineID: 7,
		Parameters: `{"pad":"` + strings.Repeat("x", 10240) + `"}`,
	})
	assert.ErrorAs(t, err, &valErr)

	assert.Equal(t, 0, srv.CaptureCount())
}

func TestGetRunFailureLogs(t *testing.T) {
	srv := testutil.NewMockServer(t)
	srv.On(testutil.ProjectPath("_apis/build/builds/101"), func(w http.ResponseWriter, r *http.Request) {
		testutil.ReplyJSON(w, testutil.Build(101, "completed", "failed"))
	})
	srv.On(testutil.ProjectPath("_apis/build/builds/101/timeline"), func(w http.ResponseWriter, r *http.Request) {
		testutil.ReplyJSON(w, map[string]any{
			"records": []any{
				map[string]any{
					"name": "Build job", "type": "Job", "state": "completed", "result": "failed",
				},
				map[string]any{
					"name": "Run tests", "type": "Task", "state": "completed", "result": "failed",
					"issues": []any{
						map[string]any{"type": "error", "message": "3 tests failed"},
						map[string]any{"type": "warning", "message": "slow test"},
					},
					"log": map[string]any{"id": 9},
				},
				map[string]any{
					"name": "Checkout", "type": "Task", "state": "completed", "result": "succeeded",
				},
			},
		})
	})
	srv.On(testutil.ProjectPath("_apis/build/builds/101/logs/9"), func(w http.ResponseWriter, r *http.Request) {
		testutil.ReplyText(w, "starting\nassert failed\nexit 1\n")
	})

	svc := newTestService(t, srv, nil)

	report, err := svc.GetRunFailureLogs(context.Background(), testCaller(), pipewarden.FailureLogsRequest{RunID: 101})
	require.NoError(t, err)
	assert.Equal(t, 101, report.Run.ID)
	assert.Equal(t, "failed", report.Run.Result)
	require.Len(t, report.Failures, 2)

	job := report.Failures[0]
	assert.Equal(t, "Build job", job.Name)
	assert.Empty(t, job.LogSnippet)

	task := report.Failures[1]
	assert.Equal(t, "Run tests", task.Name)
	assert.Equal(t, []string{"3 tests failed"}, task.Issues)
	assert.Equal(t, "starting\nassert failed\nexit 1", task.LogSnippet)
}

func TestGetRunFailureLogs_UnreadableLogDegrades(t *testing.T) {
	srv := testutil.NewMockServer(t)
	srv.On(testutil.ProjectPath("_apis/build/builds/101"), func(w http.ResponseWriter, r *http.Request) {
		testutil.ReplyJSON(w, testutil.Build(101, "completed", "failed"))
	})
	srv.On(testutil.ProjectPath("_apis/build/builds/101/timeline"), func(w http.ResponseWriter, r *http.Request) {
		testutil.ReplyJSON(w, map[string]any{
			"records": []any{
				map[string]any{
					"name": "Run tests", "type": "Task", "state": "completed", "result": "failed",
					"log": map[string]any{"id": 9},
				},
			},
		})
	})
	srv.On(testutil.ProjectPath("_apis/build/builds/101/logs/9"), func(w http.ResponseWriter, r *http.Request) {
		testutil.ReplyError(w, http.StatusNotFound, "log expired")
	})

	svc := newTestService(t, srv, nil)

	report, err := svc.GetRunFailureLogs(context.Background(), testCaller(), pipewarden.FailureLogsRequest{RunID: 101})
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "(could not fetch log)", report.Failures[0].LogSnippet)
}

func TestListDeployments(t *testing.T) {
	srv := testutil.NewMockServer(t)
	srv.On(testutil.ProjectPath("_apis/release/deployments"), func(w http.ResponseWriter, r *http.Request) {
		testutil.ReplyList(w, testutil.Deployment(61, "succeeded"))
	})

	svc := newTestService(t, srv, nil)

	result, err := svc.ListDeployments(context.Background(), testCaller(), pipewarden.ListDeploymentsRequest{
		DefinitionID: 3,
		Status:       "succeeded",
		Top:          5,
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Count)

	dep := result.Deployments[0]
	assert.Equal(t, 61, dep.ID)
	assert.Equal(t, "Release-31", dep.Release)
	assert.Equal(t, "production", dep.Environment)
	assert.Equal(t, "5m 0s", dep.Duration)

	capture := srv.LastCapture()
	require.NotNil(t, capture)
	assert.Equal(t, "3", capture.Query.Get("definitionId"))
	assert.Equal(t, "succeeded", capture.Query.Get("deploymentStatus"))
	assert.Equal(t, "5", capture.Query.Get("$top"))
}

func TestInvoke_Dispatch(t *testing.T) {
	srv := testutil.NewMockServer(t)
	srv.On(testutil.ProjectPath("_apis/pipelines/7/runs"), func(w http.ResponseWriter, r *http.Request) {
		testutil.ReplyList(w, testutil.PipelineRun(42, "completed", "succeeded"))
	})

	svc := newTestService(t, srv, nil)

	// JSON-decoded arguments arrive as float64.
	result, err := svc.Invoke(context.Background(), testCaller(), pipewarden.ToolListPipelineRuns, map[string]any{
		"pipeline_id": float64(7),
		"top":         float64(5),
	})
	require.NoError(t, err)
	runs, ok := result.(*pipewarden.ListRunsResult)
	require.True(t, ok)
	assert.Equal(t, 1, runs.Count)
}

func TestInvoke_UnknownTool(t *testing.T) {
	srv := testutil.NewMockServer(t)
	svc := newTestService(t, srv, nil)

	_, err := svc.Invoke(context.Background(), testCaller(), "drop_all_pipelines", nil)
	require.Error(t, err)
	var valErr *ado.ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestInvoke_NonIntegerArgument(t *testing.T) {
	srv := testutil.NewMockServer(t)
	svc := newTestService(t, srv, nil)

	_, err := svc.Invoke(context.Background(), testCaller(), pipewarden.ToolListPipelineRuns, map[string]any{
		"pipeline_id": 7.5,
	})
	var valErr *ado.ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestHealth(t *testing.T) {
	srv := testutil.NewMockServer(t)
	svc := newTestService(t, srv, nil)

	h := svc.Health()
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "closed", h.BreakerState)
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.Equal(t, uint64(0), h.AuditDropped)
}

func TestCallerKey(t *testing.T) {
	assert.Equal(t, "oid-1", pipewarden.Caller{ID: "oid-1", Name: "dana", IP: "10.0.0.1"}.Key())
	assert.Equal(t, "dana", pipewarden.Caller{Name: "dana", IP: "10.0.0.1"}.Key())
	assert.Equal(t, "10.0.0.1", pipewarden.Caller{IP: "10.0.0.1"}.Key())
	assert.Equal(t, "anonymous", pipewarden.Caller{}.Key())
}
