// Package tracker implements the Run/Issue Trackers: OpenTelemetry
// counters and histograms exported to Prometheus (always) and stdout
// (only under --debug), plus append-only CSV exporters and a per-issue
// JSON report writer for offline analysis.
package tracker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kadirpekel/conductor/pkg/domain"
)

// Tracker records run and issue metrics and mirrors them to CSV and JSON
// files under logsDir.
type Tracker struct {
	meterProvider *sdkmetric.MeterProvider

	issueCounter     metric.Int64Counter
	issueDuration    metric.Float64Histogram
	agentCallCounter metric.Int64Counter
	toolCallCounter  metric.Int64Counter

	logsDir string
	mu      sync.Mutex
}

// New builds a Tracker. When debug is true, metrics are also periodically
// dumped to stdout via stdoutmetric, in addition to always being served
// over the Prometheus exporter's /metrics registry.
func New(logsDir string, debug bool) (*Tracker, error) {
	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(promExporter)}
	if debug {
		stdoutExporter, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(stdoutExporter, sdkmetric.WithInterval(30*time.Second))))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	meter := mp.Meter("conductor")

	issueCounter, err := meter.Int64Counter("conductor.issues.total", metric.WithDescription("issues processed, labeled by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create issue counter: %w", err)
	}
	issueDuration, err := meter.Float64Histogram("conductor.issue.duration_seconds", metric.WithDescription("wall-clock seconds to resolve one issue"))
	if err != nil {
		return nil, fmt.Errorf("create issue duration histogram: %w", err)
	}
	agentCallCounter, err := meter.Int64Counter("conductor.agent_calls.total", metric.WithDescription("model invocations, labeled by role"))
	if err != nil {
		return nil, fmt.Errorf("create agent call counter: %w", err)
	}
	toolCallCounter, err := meter.Int64Counter("conductor.tool_calls.total", metric.WithDescription("tool bridge calls, labeled by tool name"))
	if err != nil {
		return nil, fmt.Errorf("create tool call counter: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(logsDir, "csv"), 0o755); err != nil {
		return nil, fmt.Errorf("create csv log dir: %w", err)
	}

	return &Tracker{
		meterProvider:    mp,
		issueCounter:     issueCounter,
		issueDuration:    issueDuration,
		agentCallCounter: agentCallCounter,
		toolCallCounter:  toolCallCounter,
		logsDir:          logsDir,
	}, nil
}

// Shutdown flushes and releases exporter resources.
func (t *Tracker) Shutdown(ctx context.Context) error {
	return t.meterProvider.Shutdown(ctx)
}

// RecordAgentCall increments the per-role agent-call counter.
func (t *Tracker) RecordAgentCall(ctx context.Context, role string) {
	t.agentCallCounter.Add(ctx, 1, metric.WithAttributes(roleAttr(role)))
}

// RecordToolCall increments the per-tool call counter.
func (t *Tracker) RecordToolCall(ctx context.Context, toolName string) {
	t.toolCallCounter.Add(ctx, 1, metric.WithAttributes(toolAttr(toolName)))
}

// RecordIssueOutcome increments the issue counter for outcome and records
// duration, then appends a row to logs/csv/issues.csv and writes a JSON
// report for the issue.
func (t *Tracker) RecordIssueOutcome(ctx context.Context, issue *domain.IssueState, outcome string) error {
	t.issueCounter.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
	t.issueDuration.Record(ctx, issue.FinishedAt.Sub(issue.StartedAt).Seconds())

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.appendIssueCSV(issue, outcome); err != nil {
		return err
	}
	return t.writeIssueReport(issue)
}

// RecordRunOutcome appends a row to logs/csv/runs.csv summarizing a
// completed (or failed) supervisor run.
func (t *Tracker) RecordRunOutcome(run *domain.RunState, outcome string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.appendRunCSV(run, outcome)
}
