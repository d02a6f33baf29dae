// Package issues implements the Issue Manager: it fetches open issues from
// the remote tool bridge, derives each issue's deterministic feature
// branch name, checks whether that branch already has a merged MR (so a
// resumed run skips it), and tracks which issues this run has completed or
// failed so far.
package issues

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/kadirpekel/conductor/pkg/domain"
)

// Bridge is the subset of toolbridge.Bridge the manager depends on.
type Bridge interface {
	RunTool(ctx context.Context, name string, args map[string]interface{}) (string, error)
}

// Manager tracks per-run issue completion state. Safe for concurrent use,
// though the supervisor drives issues strictly one at a time.
type Manager struct {
	bridge Bridge

	mu        sync.Mutex
	completed map[int64]struct{}
	failed    map[int64]struct{}
}

// New creates a Manager bound to bridge.
func New(bridge Bridge) *Manager {
	return &Manager{
		bridge:    bridge,
		completed: make(map[int64]struct{}),
		failed:    make(map[int64]struct{}),
	}
}

type rawIssue struct {
	IID         int64    `json:"iid"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	State       string   `json:"state"`
	Labels      []string `json:"labels"`
}

// FetchOpenIssues lists every open issue in the project via the
// "list_issues" tool.
func (m *Manager) FetchOpenIssues(ctx context.Context) ([]domain.Issue, error) {
	result, err := m.bridge.RunTool(ctx, "list_issues", map[string]interface{}{"state": "opened"})
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}

	var raw []rawIssue
	if err := json.Unmarshal([]byte(result), &raw); err != nil {
		return nil, fmt.Errorf("parse issue list: %w", err)
	}

	issues := make([]domain.Issue, 0, len(raw))
	for _, r := range raw {
		labels := make(map[string]struct{}, len(r.Labels))
		for _, l := range r.Labels {
			labels[l] = struct{}{}
		}
		state := domain.IssueOpen
		if r.State == "closed" {
			state = domain.IssueClosed
		}
		issues = append(issues, domain.Issue{
			IID:         r.IID,
			Title:       r.Title,
			Description: r.Description,
			State:       state,
			Labels:      labels,
		})
	}
	return issues, nil
}

var slugInvalidRunes = regexp.MustCompile(`[^a-z0-9]+`)

// FeatureBranch derives the deterministic branch name an agent must work
// on for issue, of the form "feature/issue-<iid>-<slugified-title>".
func FeatureBranch(issue domain.Issue) string {
	slug := strings.ToLower(issue.Title)
	slug = slugInvalidRunes.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	if slug == "" {
		return fmt.Sprintf("feature/issue-%d", issue.IID)
	}
	return fmt.Sprintf("feature/issue-%d-%s", issue.IID, slug)
}

type rawMergeRequest struct {
	SourceBranch string `json:"source_branch"`
	State        string `json:"state"`
}

// IsCompleted reports whether branch already has a merged MR, meaning a
// resumed run can skip every phase for this issue.
func (m *Manager) IsCompleted(ctx context.Context, branch string) (bool, error) {
	result, err := m.bridge.RunTool(ctx, "list_merge_requests", map[string]interface{}{"source_branch": branch})
	if err != nil {
		return false, fmt.Errorf("list merge requests: %w", err)
	}

	var raw []rawMergeRequest
	if err := json.Unmarshal([]byte(result), &raw); err != nil {
		return false, fmt.Errorf("parse merge request list: %w", err)
	}

	for _, mr := range raw {
		if mr.SourceBranch == branch && mr.State == "merged" {
			return true, nil
		}
	}
	return false, nil
}

// TrackCompleted records iid as completed for this run.
func (m *Manager) TrackCompleted(iid int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[iid] = struct{}{}
	delete(m.failed, iid)
}

// TrackFailed records iid as failed for this run.
func (m *Manager) TrackFailed(iid int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[iid] = struct{}{}
}

// Completed returns the set of issue IIDs completed so far this run.
func (m *Manager) Completed() map[int64]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]struct{}, len(m.completed))
	for k := range m.completed {
		out[k] = struct{}{}
	}
	return out
}

// Failed returns the set of issue IIDs failed so far this run.
func (m *Manager) Failed() map[int64]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]struct{}, len(m.failed))
	for k := range m.failed {
		out[k] = struct{}{}
	}
	return out
}
