// Command conductor drives the Planning/Coding/Testing/Review agent loop
// against a GitLab-compatible project, resolving open issues one at a
// time under supervisor control.
//
// Usage:
//
//	conductor run --project-id 42 --apply
//	conductor run --project-id 42 --issue 17 --resume
//	conductor serve --project-id 42 --port 8090
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/conductor/pkg/checkpoint"
	"github.com/kadirpekel/conductor/pkg/clog"
	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/domain"
	"github.com/kadirpekel/conductor/pkg/supervisor"
	"github.com/kadirpekel/conductor/pkg/toolbridge"
	"github.com/kadirpekel/conductor/pkg/tracker"
	"github.com/kadirpekel/conductor/pkg/wsbridge"
)

// Exit codes, per the run's terminal stage.
const (
	exitSuccess        = 0
	exitPartialSuccess = 1
	exitFatal          = 2
	exitCancellation   = 130
)

// CLI defines the command-line interface.
type CLI struct {
	Run   RunCmd   `cmd:"" help:"Resolve open issues for a project."`
	Serve ServeCmd `cmd:"" help:"Run with a WebSocket control/status bridge."`

	Config        string `name:"config" help:"Optional YAML file with provider/model/temperature defaults." type:"path"`
	MCPCommand    string `name:"mcp-command" help:"Tool bridge subprocess command." default:"gitlab-mcp-server"`
	MCPArgs       string `name:"mcp-args" help:"Comma-separated args passed to the tool bridge subprocess."`
	LogsDir       string `name:"logs-dir" help:"Directory for CSV exports and per-issue reports." default:"logs" type:"path"`
	CheckpointDir string `name:"checkpoint-dir" help:"Directory for run checkpoints." default:"logs/runs" type:"path"`
	LogLevel      string `name:"log-level" help:"Log level (debug, info, warn, error)." default:"info"`
	Debug         bool   `help:"Enable verbose stdout metrics export."`
}

// RunCmd resolves a project's open issues to completion and exits.
type RunCmd struct {
	ProjectID string `name:"project-id" required:"" help:"GitLab-compatible project ID."`
	Apply     bool   `help:"Apply changes (merge on Review success) instead of a dry run."`
	Issue     int64  `help:"Resolve only this issue IID."`
	Resume    bool   `help:"Resume from the last checkpoint instead of starting fresh."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	runID := runIDFor(c.ProjectID)
	sup, trk, err := buildSupervisor(cli, runID)
	if err != nil {
		return err
	}
	defer trk.Shutdown(context.Background())

	run, runErr := sup.Execute(ctx, runID, supervisor.Options{
		ProjectID:    c.ProjectID,
		Apply:        c.Apply,
		OnlyIssueIID: c.Issue,
		Resume:       c.Resume,
		OnOutput:     func(s string) { fmt.Print(s) },
	})

	os.Exit(exitCodeFor(ctx, run, runErr))
	return nil
}

// ServeCmd runs the same supervisor loop but exposes a WebSocket endpoint
// that streams agent output and accepts start_system/stop_system control
// messages instead of running exactly once to completion.
type ServeCmd struct {
	ProjectID string `name:"project-id" required:"" help:"GitLab-compatible project ID."`
	Port      int    `help:"Port to listen on." default:"8090"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	sup, trk, err := buildSupervisor(cli, runIDFor(c.ProjectID))
	if err != nil {
		return err
	}
	defer trk.Shutdown(context.Background())

	var runCancel context.CancelFunc
	hub := wsbridge.New(func(connID string, msg wsbridge.InboundMessage) {
		switch msg.Type {
		case "start_system":
			runCtx, cancelRun := context.WithCancel(ctx)
			runCancel = cancelRun
			go func() {
				run, runErr := sup.Execute(runCtx, runIDFor(c.ProjectID), supervisor.Options{
					ProjectID: c.ProjectID,
					Apply:     true,
					OnOutput: func(s string) {
						hub.Broadcast(wsbridge.OutboundMessage{Type: "agent_output", Data: s})
					},
				})
				hub.Broadcast(wsbridge.OutboundMessage{Type: "run_finished", Data: runSummary(run, runErr)})
			}()
		case "stop_system":
			if runCancel != nil {
				runCancel()
			}
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}
		hub.Accept(conn)
	})

	addr := fmt.Sprintf(":%d", c.Port)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("conductor serving", "addr", addr, "project_id", c.ProjectID)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func buildSupervisor(cli *CLI, runID string) (*supervisor.Supervisor, *tracker.Tracker, error) {
	if cli.Config != "" {
		if err := config.LoadFileDefaults(cli.Config); err != nil {
			return nil, nil, fmt.Errorf("load config file: %w", err)
		}
	}
	cfg := config.LoadFromEnv()

	bridge := toolbridge.New(toolbridge.Config{
		Command: cli.MCPCommand,
		Args:    splitNonEmpty(cli.MCPArgs),
		Timeout: time.Duration(cfg.Snapshot().ToolTimeoutSeconds) * time.Second,
	})
	if err := bridge.Connect(context.Background()); err != nil {
		return nil, nil, fmt.Errorf("connect tool bridge: %w", err)
	}

	trk, err := tracker.New(cli.LogsDir, cli.Debug)
	if err != nil {
		return nil, nil, fmt.Errorf("init tracker: %w", err)
	}

	store := checkpoint.New(cli.CheckpointDir, runID)
	sup := supervisor.New(bridge, cfg, store, trk)
	return sup, trk, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutdown requested, cancelling in-flight work")
		cancel()
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

func exitCodeFor(ctx context.Context, run *domain.RunState, runErr error) int {
	if ctx.Err() != nil {
		return exitCancellation
	}
	if run == nil {
		return exitFatal
	}
	switch run.Stage {
	case supervisor.StageCompleted:
		if len(run.FailedIssues) > 0 {
			return exitPartialSuccess
		}
		return exitSuccess
	case supervisor.StageFailed:
		return exitFatal
	default:
		if runErr != nil {
			return exitFatal
		}
		return exitSuccess
	}
}

func runSummary(run *domain.RunState, runErr error) map[string]interface{} {
	summary := map[string]interface{}{}
	if run != nil {
		summary["stage"] = run.Stage
		summary["completedIssues"] = len(run.CompletedIssues)
		summary["failedIssues"] = len(run.FailedIssues)
	}
	if runErr != nil {
		summary["error"] = runErr.Error()
	}
	return summary
}

func runIDFor(projectID string) string {
	return "run-" + projectID
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("conductor"),
		kong.Description("Agentic orchestration over Planning/Coding/Testing/Review agents."),
		kong.UsageOnError(),
	)

	clog.Init(clog.ParseLevel(cli.LogLevel), os.Stderr)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
