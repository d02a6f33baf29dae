// Package domain holds the data model shared across the orchestration
// core: issues, plans, feature branches, pipeline attempts, and the
// checkpointed run/issue state.
package domain

import (
	"fmt"
	"time"
)

// IssueLifecycle describes the lifecycle of an external issue as tracked by
// the Issue Manager. The issue's own State is advisory only; isCompleted
// against merged MRs is authoritative.
type IssueLifecycle string

const (
	IssueOpen   IssueLifecycle = "open"
	IssueClosed IssueLifecycle = "closed"
)

// Issue is the external record keyed by integer IID (project-local).
type Issue struct {
	IID         int64
	Title       string
	Description string
	State       IssueLifecycle
	Labels      map[string]struct{}
	CreatedAt   time.Time
}

// HasLabel reports whether the issue carries the given label.
func (i Issue) HasLabel(label string) bool {
	_, ok := i.Labels[label]
	return ok
}

// PlanEntry is one node of Plan.ImplementationOrder.
type PlanEntry struct {
	IssueID      int64
	Priority     int
	Dependencies map[int64]struct{}
}

// TechStack is free-form metadata the Planning agent records about the
// chosen stack; fields are opaque strings forwarded to prompts.
type TechStack struct {
	Backend  string `json:"backend"`
	Frontend string `json:"frontend"`
	Database string `json:"database"`
	Testing  string `json:"testing"`
}

// Plan is the structured document the Planning agent writes to
// docs/ORCH_PLAN.json and the Review agent promotes to the default branch.
type Plan struct {
	ImplementationOrder []PlanEntry            `json:"-"`
	TechStack           TechStack              `json:"techStack"`
	Architecture        map[string]interface{} `json:"architecture,omitempty"`
}

// Validate checks the three invariants the Plan document must satisfy:
// every issueID appears at most once, Dependencies form a DAG, and
// ImplementationOrder is a valid topological sort of that DAG (every
// entry's dependencies appear earlier in the order).
func (p Plan) Validate() error {
	seen := make(map[int64]int, len(p.ImplementationOrder))
	for i, e := range p.ImplementationOrder {
		if _, dup := seen[e.IssueID]; dup {
			return fmt.Errorf("issueID %d appears more than once in implementationOrder", e.IssueID)
		}
		seen[e.IssueID] = i
	}

	for _, e := range p.ImplementationOrder {
		pos, ok := seen[e.IssueID]
		for dep := range e.Dependencies {
			depPos, known := seen[dep]
			if !known {
				return fmt.Errorf("issue %d depends on %d, which is not in implementationOrder", e.IssueID, dep)
			}
			if depPos >= pos && ok {
				return fmt.Errorf("issue %d depends on %d, which does not precede it in implementationOrder", e.IssueID, dep)
			}
		}
	}

	if cyclic(p.ImplementationOrder) {
		return fmt.Errorf("dependencies contain a cycle")
	}
	return nil
}

// cyclic reports whether the dependency graph described by entries
// contains a cycle, via Kahn's algorithm.
func cyclic(entries []PlanEntry) bool {
	indegree := make(map[int64]int, len(entries))
	dependents := make(map[int64][]int64, len(entries))
	for _, e := range entries {
		if _, ok := indegree[e.IssueID]; !ok {
			indegree[e.IssueID] = 0
		}
		for dep := range e.Dependencies {
			indegree[e.IssueID]++
			dependents[dep] = append(dependents[dep], e.IssueID)
		}
	}

	queue := make([]int64, 0, len(indegree))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return visited != len(indegree)
}

// planEntryJSON is the wire shape for PlanEntry (sets don't marshal well).
type planEntryJSON struct {
	IssueID      int64   `json:"issueID"`
	Priority     int     `json:"priority"`
	Dependencies []int64 `json:"dependencies"`
}

// PipelineStatus is the terminal or transient state of a CI pipeline.
type PipelineStatus string

const (
	PipelinePending  PipelineStatus = "pending"
	PipelineRunning  PipelineStatus = "running"
	PipelineSuccess  PipelineStatus = "success"
	PipelineFailed   PipelineStatus = "failed"
	PipelineCanceled PipelineStatus = "canceled"
	PipelineSkipped  PipelineStatus = "skipped"
	PipelineManual   PipelineStatus = "manual"
	PipelineUnknown  PipelineStatus = "unknown"
)

// JobStatus is the status of one job within a pipeline.
type JobStatus struct {
	Name   string
	Status string
}

// PipelineAttempt records one observed CI pipeline for a branch.
type PipelineAttempt struct {
	PipelineID int64
	Branch     string
	CreatedAt  time.Time
	Status     PipelineStatus
	Jobs       []JobStatus
}

// Phase identifies one of the three per-issue agent phases.
type Phase string

const (
	PhaseCoding  Phase = "coding"
	PhaseTesting Phase = "testing"
	PhaseReview  Phase = "review"
)

// PhaseAttempts tracks attempt counters for one phase within one issue.
type PhaseAttempts struct {
	Count      int
	Successes  int
	Failures   int
	Durations  []time.Duration
}

// IssueStatus is the terminal classification of an issue's run.
type IssueStatus string

const (
	IssueInProgress IssueStatus = "in_progress"
	IssueCompleted  IssueStatus = "completed"
	IssueFailed     IssueStatus = "failed"
	IssueSkipped    IssueStatus = "skipped"
)

// IssueState is the per-issue tracker.
type IssueState struct {
	IID              int64
	StartedAt        time.Time
	FinishedAt       time.Time
	Attempts         map[Phase]*PhaseAttempts
	PipelineAttempts []PipelineAttempt
	Errors           []string
	Status           IssueStatus
}

// NewIssueState creates a fresh per-issue tracker with zeroed phase counters.
func NewIssueState(iid int64) *IssueState {
	return &IssueState{
		IID:       iid,
		StartedAt: time.Now(),
		Attempts: map[Phase]*PhaseAttempts{
			PhaseCoding:  {},
			PhaseTesting: {},
			PhaseReview:  {},
		},
		Status: IssueInProgress,
	}
}

// RecordAttempt increments the attempt counter for a phase and records
// success/failure and duration.
func (s *IssueState) RecordAttempt(phase Phase, ok bool, d time.Duration) {
	pa, exists := s.Attempts[phase]
	if !exists {
		pa = &PhaseAttempts{}
		s.Attempts[phase] = pa
	}
	pa.Count++
	if ok {
		pa.Successes++
	} else {
		pa.Failures++
	}
	pa.Durations = append(pa.Durations, d)
}

// RunMetrics counts run-level aggregate activity.
type RunMetrics struct {
	Successes  int64
	Errors     int64
	AgentCalls int64
	ToolCalls  int64
}

// RunState is the checkpointed supervisor state.
type RunState struct {
	RunID           string
	ProjectID       string
	StartedAt       time.Time
	CompletedIssues map[int64]struct{}
	FailedIssues    map[int64]struct{}
	Plan            *Plan
	Stage           string
	Metrics         RunMetrics
}

// NewRunState creates an empty RunState for a fresh run.
func NewRunState(runID, projectID string) *RunState {
	return &RunState{
		RunID:           runID,
		ProjectID:       projectID,
		StartedAt:       time.Now(),
		CompletedIssues: make(map[int64]struct{}),
		FailedIssues:    make(map[int64]struct{}),
		Stage:           "initializing",
	}
}

// CompletedIssuesSuperset reports whether s's completed set is a superset
// of prev's, used to check the monotonic-growth invariant.
func (s *RunState) CompletedIssuesSuperset(prev *RunState) bool {
	if prev == nil {
		return true
	}
	for iid := range prev.CompletedIssues {
		if _, ok := s.CompletedIssues[iid]; !ok {
			return false
		}
	}
	return true
}

// ConnectionInfo describes one live WebSocket client.
type ConnectionInfo struct {
	ConnectionID   string
	AcceptedAt     time.Time
	LastPingSentAt time.Time
	LastActivityAt time.Time
}
