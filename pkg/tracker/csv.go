package tracker

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kadirpekel/conductor/pkg/domain"
)

func roleAttr(role string) attribute.KeyValue       { return attribute.String("role", role) }
func toolAttr(tool string) attribute.KeyValue       { return attribute.String("tool", tool) }
func outcomeAttr(outcome string) attribute.KeyValue { return attribute.String("outcome", outcome) }

var issueCSVHeader = []string{"timestamp", "issue_iid", "outcome", "coding_attempts", "testing_attempts", "review_attempts", "duration_seconds"}
var runCSVHeader = []string{"timestamp", "run_id", "project_id", "outcome", "completed_issues", "failed_issues", "duration_seconds"}

func (t *Tracker) appendIssueCSV(issue *domain.IssueState, outcome string) error {
	path := filepath.Join(t.logsDir, "csv", "issues.csv")
	row := []string{
		time.Now().UTC().Format(time.RFC3339),
		fmt.Sprintf("%d", issue.IID),
		outcome,
		fmt.Sprintf("%d", attemptsCount(issue, domain.PhaseCoding)),
		fmt.Sprintf("%d", attemptsCount(issue, domain.PhaseTesting)),
		fmt.Sprintf("%d", attemptsCount(issue, domain.PhaseReview)),
		fmt.Sprintf("%.3f", issue.FinishedAt.Sub(issue.StartedAt).Seconds()),
	}
	return appendCSVRow(path, issueCSVHeader, row)
}

func (t *Tracker) appendRunCSV(run *domain.RunState, outcome string) error {
	path := filepath.Join(t.logsDir, "csv", "runs.csv")
	row := []string{
		time.Now().UTC().Format(time.RFC3339),
		run.RunID,
		run.ProjectID,
		outcome,
		fmt.Sprintf("%d", len(run.CompletedIssues)),
		fmt.Sprintf("%d", len(run.FailedIssues)),
		fmt.Sprintf("%.3f", time.Since(run.StartedAt).Seconds()),
	}
	return appendCSVRow(path, runCSVHeader, row)
}

func attemptsCount(issue *domain.IssueState, phase domain.Phase) int {
	if pa, ok := issue.Attempts[phase]; ok {
		return pa.Count
	}
	return 0
}

// appendCSVRow appends row to path, writing header first if the file is
// new, preserving a stable column ordering across writes.
func appendCSVRow(path string, header, row []string) error {
	_, statErr := os.Stat(path)
	needsHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open csv %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if needsHeader {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	w.Flush()
	return w.Error()
}

// writeIssueReport writes a standalone JSON snapshot of issue's final
// state to <logsDir>/reports/issue-<iid>.json, one file per issue,
// overwritten on every outcome change. The path carries no run ID, so a
// later run overwrites an earlier run's report for the same issue.
func (t *Tracker) writeIssueReport(issue *domain.IssueState) error {
	dir := filepath.Join(t.logsDir, "reports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create reports dir: %w", err)
	}

	data, err := json.MarshalIndent(issue, "", "  ")
	if err != nil {
		return fmt.Errorf("encode issue report: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("issue-%d.json", issue.IID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write issue report: %w", err)
	}
	return nil
}
