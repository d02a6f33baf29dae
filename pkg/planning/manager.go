// Package planning implements the Planning Manager: it runs the Planning
// agent (with retry), loads and validates the plan document once it has
// been promoted to the default branch, and applies it to order the issue
// queue - falling back to a deterministic dependency/priority sort when no
// plan is available.
package planning

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/kadirpekel/conductor/pkg/domain"
	"github.com/kadirpekel/conductor/pkg/markers"
)

const planDocPath = "docs/ORCH_PLAN.json"

var retryDelays = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// Bridge is the subset of toolbridge.Bridge the manager depends on.
type Bridge interface {
	RunTool(ctx context.Context, name string, args map[string]interface{}) (string, error)
}

// AgentRunner runs one agent turn: agentrt.Runtime.Run with the model and
// bridge already bound, narrowed for testability.
type AgentRunner func(ctx context.Context, systemPrompt, userInstruction string, onOutput func(string)) (string, error)

// Manager drives the Planning phase.
type Manager struct {
	bridge Bridge
}

// New creates a Manager bound to bridge.
func New(bridge Bridge) *Manager {
	return &Manager{bridge: bridge}
}

// ExecuteWithRetry runs the Planning agent via runAgent, retrying up to
// len(retryDelays) additional times (5s/10s/20s) whenever the completion
// marker classifies the attempt as failed. It does not itself load the
// plan document: the Planning agent writes docs/ORCH_PLAN.json to a
// planning-structure branch, and that document is only authoritative
// once the supervisor's planning-merge Review has promoted it to the
// default branch, which is a separate, later step (see LoadPlanFromRepo).
func (m *Manager) ExecuteWithRetry(ctx context.Context, runAgent AgentRunner, systemPrompt, userInstruction string, onOutput func(string)) error {
	var lastErr error

	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelays[attempt-1]):
			}
		}

		finalText, err := runAgent(ctx, systemPrompt, userInstruction, onOutput)
		if err != nil {
			lastErr = err
			continue
		}

		result := markers.Check(markers.RolePlanning, finalText)
		if !result.OK {
			lastErr = fmt.Errorf("planning attempt %d rejected: %s", attempt+1, result.Reason)
			continue
		}
		return nil
	}

	return fmt.Errorf("planning exhausted %d attempts: %w", len(retryDelays)+1, lastErr)
}

// LoadPlanFromRepo fetches and parses the plan document from ref (normally
// the default branch, after the planning-merge Review has promoted it
// there), failing if it is missing or violates any of the Plan invariants:
// no duplicate issueIDs, dependencies form a DAG, and implementationOrder
// is a valid topological sort of that DAG.
func (m *Manager) LoadPlanFromRepo(ctx context.Context, ref string) (*domain.Plan, error) {
	raw, err := m.bridge.RunTool(ctx, "get_file_contents", map[string]interface{}{"path": planDocPath, "ref": ref})
	if err != nil {
		return nil, fmt.Errorf("get file contents for %s@%s: %w", planDocPath, ref, err)
	}

	var plan domain.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("parse %s: %w", planDocPath, err)
	}
	if len(plan.ImplementationOrder) == 0 {
		return nil, fmt.Errorf("%s has an empty implementation order", planDocPath)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("%s failed validation: %w", planDocPath, err)
	}
	return &plan, nil
}

// ApplyPrioritization orders issues according to plan's implementation
// order; issues the plan doesn't mention follow, in IID order. When plan is
// nil or has an empty order, all issues go through a deterministic
// dependency-aware sort instead.
func ApplyPrioritization(plan *domain.Plan, issues []domain.Issue) []domain.Issue {
	if plan == nil || len(plan.ImplementationOrder) == 0 {
		return fallbackSort(issues)
	}

	order := make(map[int64]int, len(plan.ImplementationOrder))
	for i, entry := range plan.ImplementationOrder {
		order[entry.IssueID] = i
	}

	out := make([]domain.Issue, len(issues))
	copy(out, issues)
	sort.SliceStable(out, func(i, j int) bool {
		oi, iok := order[out[i].IID]
		oj, jok := order[out[j].IID]
		switch {
		case iok && jok:
			return oi < oj
		case iok:
			return true
		case jok:
			return false
		default:
			return out[i].IID < out[j].IID
		}
	})
	return out
}

var priorityRank = map[string]int{
	"priority::high":   0,
	"priority::medium": 1,
	"priority::low":    2,
}

// dependsOnPattern matches the "Depends on #N" / "Requires #N" convention
// issue descriptions use to declare a dependency on another issue.
var dependsOnPattern = regexp.MustCompile(`(?i)(?:depends on|requires)\s+#(\d+)`)

func issueDependencies(issue domain.Issue) []int64 {
	matches := dependsOnPattern.FindAllStringSubmatch(issue.Description, -1)
	deps := make([]int64, 0, len(matches))
	for _, m := range matches {
		var id int64
		if _, err := fmt.Sscanf(m[1], "%d", &id); err == nil {
			deps = append(deps, id)
		}
	}
	return deps
}

func issueRank(issue domain.Issue) int {
	best := 3
	for label, rank := range priorityRank {
		if issue.HasLabel(label) && rank < best {
			best = rank
		}
	}
	return best
}

// fallbackSort orders issues with no plan available by parsing "depends
// on #N"/"requires #N" references out of each issue's description into a
// dependency graph, then running a priority-weighted topological sort
// (Kahn's algorithm, selecting the lowest (priorityRank, IID) among
// currently-available nodes at each step). Issues outside this batch that
// a dependency references are ignored. A cycle falls back to plain
// (priorityRank, IID) ordering for the nodes involved.
func fallbackSort(issues []domain.Issue) []domain.Issue {
	byID := make(map[int64]domain.Issue, len(issues))
	for _, issue := range issues {
		byID[issue.IID] = issue
	}

	indegree := make(map[int64]int, len(issues))
	dependents := make(map[int64][]int64, len(issues))
	for _, issue := range issues {
		if _, ok := indegree[issue.IID]; !ok {
			indegree[issue.IID] = 0
		}
		for _, dep := range issueDependencies(issue) {
			if _, known := byID[dep]; !known {
				continue
			}
			indegree[issue.IID]++
			dependents[dep] = append(dependents[dep], issue.IID)
		}
	}

	available := make([]int64, 0, len(issues))
	for iid, deg := range indegree {
		if deg == 0 {
			available = append(available, iid)
		}
	}

	less := func(a, b int64) bool {
		ra, rb := issueRank(byID[a]), issueRank(byID[b])
		if ra != rb {
			return ra < rb
		}
		return a < b
	}

	out := make([]domain.Issue, 0, len(issues))
	for len(available) > 0 {
		sort.Slice(available, func(i, j int) bool { return less(available[i], available[j]) })
		next := available[0]
		available = available[1:]
		out = append(out, byID[next])

		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				available = append(available, dependent)
			}
		}
	}

	if len(out) != len(issues) {
		// A cycle left some issues stranded; append whatever remains in
		// plain priority/IID order rather than dropping them.
		placed := make(map[int64]struct{}, len(out))
		for _, issue := range out {
			placed[issue.IID] = struct{}{}
		}
		var remaining []domain.Issue
		for _, issue := range issues {
			if _, ok := placed[issue.IID]; !ok {
				remaining = append(remaining, issue)
			}
		}
		sort.SliceStable(remaining, func(i, j int) bool { return less(remaining[i].IID, remaining[j].IID) })
		out = append(out, remaining...)
	}
	return out
}
