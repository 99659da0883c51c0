// pipewarden-cli invokes pipeline tools from the command line, running them
// through the same admission, breaker and audit path a server deployment uses.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"syscall"

	"github.com/prilive-com/pipewarden"
	"github.com/prilive-com/pipewarden/ado"
	"github.com/prilive-com/pipewarden/client"
)

var (
	tool       = flag.String("tool", "", "Tool to invoke: list_pipeline_runs, get_run_failure_logs, list_deployments, trigger_pipeline_run")
	project    = flag.String("project", "", "Project name (defaults to the configured default project)")
	pipelineID = flag.Int("pipeline", 0, "Pipeline ID")
	runID      = flag.Int("run", 0, "Run/build ID (for get_run_failure_logs)")
	defID      = flag.Int("definition", 0, "Release definition ID (for list_deployments)")
	top        = flag.Int("top", 0, "Max results (1-50, default 20)")
	status     = flag.String("status", "", "Status filter")
	branch     = flag.String("branch", "", "Branch to run from (for trigger_pipeline_run)")
	params     = flag.String("parameters", "", "Template parameters as a JSON object (for trigger_pipeline_run)")
	health     = flag.Bool("health", false, "Print service health and exit")
)

func main() {
	flag.Parse()

	// Load .env file if present (doesn't override existing env vars)
	_ = loadDotEnv(".env")

	cfg, err := pipewarden.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	token := os.Getenv("AZURE_DEVOPS_TOKEN")
	if token == "" {
		logger.Error("AZURE_DEVOPS_TOKEN environment variable required")
		os.Exit(1)
	}

	svc, err := pipewarden.New(*cfg,
		client.NewStaticTokenSource(ado.SecretToken(token)),
		pipewarden.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *health {
		printJSON(svc.Health())
		return
	}
	if *tool == "" {
		flag.Usage()
		os.Exit(2)
	}

	caller := pipewarden.Caller{Name: localUser()}

	args := map[string]any{
		"project":       *project,
		"pipeline_id":   *pipelineID,
		"run_id":        *runID,
		"definition_id": *defID,
		"top":           *top,
		"status":        *status,
		"branch":        *branch,
		"parameters":    *params,
	}

	result, err := svc.Invoke(ctx, caller, *tool, args)
	if err != nil {
		logger.Error("tool invocation failed", "tool", *tool, "error", err)
		os.Exit(1)
	}
	printJSON(result)
}

func localUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return ""
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error("failed to render result", "error", err)
		os.Exit(1)
	}
	os.Stdout.Write(append(out, '\n'))
}
