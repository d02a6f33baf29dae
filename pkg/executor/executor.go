// Package executor implements the Agent Executor: it drives each of the
// four per-issue phases (Planning, Coding, Testing, Review) through the
// generic ReAct runtime with role-specific system prompts, timeouts, and
// completion-marker classification, enforces the pipeline-ID gate between
// Testing and Review, and gates all phases behind a weighted semaphore so
// at most one is ever in flight.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kadirpekel/conductor/pkg/agentrt"
	"github.com/kadirpekel/conductor/pkg/domain"
	"github.com/kadirpekel/conductor/pkg/llmprovider"
	"github.com/kadirpekel/conductor/pkg/markers"
	"github.com/kadirpekel/conductor/pkg/orcherr"
)

// Per-role phase timeouts.
const (
	PlanningTimeout = 10 * time.Minute
	CodingTimeout   = 20 * time.Minute
	TestingTimeout  = 20 * time.Minute
	ReviewTimeout   = 15 * time.Minute
)

// PhaseResult is the outcome of one role invocation.
type PhaseResult struct {
	OK         bool
	Confidence float64
	FinalText  string
}

// Executor drives the four agent phases for one issue at a time. It holds
// the cross-phase state a single issue's run needs: the active plan (read
// by Coding for context) and the pipeline ID Testing last observed, which
// Review must validate against before it is allowed to merge.
type Executor struct {
	runtime *agentrt.Runtime
	bridge  agentrt.Bridge

	// inFlight enforces the at-most-one-in-flight discipline across the
	// three heterogeneous long-running operations (Coding, Testing,
	// Review) an issue goes through: only one may hold the model/tool
	// bridge at a time.
	inFlight *semaphore.Weighted

	mu                sync.Mutex
	currentPlan       *domain.Plan
	testingPipelineID int64
}

// New creates an Executor bound to runtime and bridge.
func New(runtime *agentrt.Runtime, bridge agentrt.Bridge) *Executor {
	return &Executor{runtime: runtime, bridge: bridge, inFlight: semaphore.NewWeighted(1)}
}

// SetPlan records the plan the Coding phase should use for context on
// every subsequent issue.
func (e *Executor) SetPlan(plan *domain.Plan) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentPlan = plan
}

func (e *Executor) runPhase(ctx context.Context, timeout time.Duration, model llmprovider.Provider, role markers.Role, systemPrompt, userInstruction string, onOutput agentrt.OutputFunc) (PhaseResult, error) {
	if err := e.inFlight.Acquire(ctx, 1); err != nil {
		return PhaseResult{}, err
	}
	defer e.inFlight.Release(1)

	phaseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	finalText, err := e.runtime.Run(phaseCtx, model, e.bridge, systemPrompt, userInstruction, onOutput)
	if err != nil {
		if phaseCtx.Err() != nil {
			return PhaseResult{}, orcherr.ErrAgentTimeout
		}
		return PhaseResult{}, err
	}

	result := markers.Check(role, finalText)
	return PhaseResult{OK: result.OK, Confidence: result.Confidence, FinalText: finalText}, nil
}

// ExecutePlanning runs the Planning agent.
func (e *Executor) ExecutePlanning(ctx context.Context, model llmprovider.Provider, systemPrompt, userInstruction string, onOutput agentrt.OutputFunc) (PhaseResult, error) {
	return e.runPhase(ctx, PlanningTimeout, model, markers.RolePlanning, systemPrompt, userInstruction, onOutput)
}

// ExecutePlanMergeReview runs the Review agent over the plan document
// itself (promoting docs/ORCH_PLAN.json to the default branch). Unlike
// ExecuteReview it performs no pipeline-ID gate: there is no preceding
// Testing phase for the plan document to have observed a pipeline against.
func (e *Executor) ExecutePlanMergeReview(ctx context.Context, model llmprovider.Provider, systemPrompt, userInstruction string, onOutput agentrt.OutputFunc) (PhaseResult, error) {
	return e.runPhase(ctx, ReviewTimeout, model, markers.RoleReview, systemPrompt, userInstruction, onOutput)
}

// ExecuteCoding runs the Coding agent against issue's feature branch. When
// a plan has been set, its JSON is appended to userInstruction as context.
func (e *Executor) ExecuteCoding(ctx context.Context, model llmprovider.Provider, systemPrompt, userInstruction string, onOutput agentrt.OutputFunc) (PhaseResult, error) {
	e.mu.Lock()
	plan := e.currentPlan
	e.mu.Unlock()
	if plan != nil {
		if data, err := json.Marshal(plan); err == nil {
			userInstruction += "\n\nImplementation plan:\n" + string(data)
		}
	}
	return e.runPhase(ctx, CodingTimeout, model, markers.RoleCoding, systemPrompt, userInstruction, onOutput)
}

// ExecuteTesting runs the Testing agent, then extracts the first pipeline
// ID the agent itself mentions in its final text and records it so Review
// can be gated against it. The core never re-queries CI independently:
// the agent's own report of which pipeline it validated is authoritative.
func (e *Executor) ExecuteTesting(ctx context.Context, model llmprovider.Provider, branch string, systemPrompt, userInstruction string, onOutput agentrt.OutputFunc) (PhaseResult, error) {
	result, err := e.runPhase(ctx, TestingTimeout, model, markers.RoleTesting, systemPrompt, userInstruction, onOutput)
	if err != nil {
		return result, err
	}

	if id, ok := markers.ExtractPipelineID(result.FinalText); ok {
		e.mu.Lock()
		e.testingPipelineID = id
		e.mu.Unlock()
	}

	return result, nil
}

// ExecuteReview runs the Review agent, then validates that the pipeline ID
// it claims to have validated matches the one Testing last reported. A
// mismatch means CI moved on (a new commit landed) between Testing and
// Review, and the merge must not proceed on stale signal.
func (e *Executor) ExecuteReview(ctx context.Context, model llmprovider.Provider, issueIID int64, branch string, systemPrompt, userInstruction string, onOutput agentrt.OutputFunc) (PhaseResult, error) {
	result, err := e.runPhase(ctx, ReviewTimeout, model, markers.RoleReview, systemPrompt, userInstruction, onOutput)
	if err != nil {
		return result, err
	}
	if !result.OK {
		return result, nil
	}

	reviewID, ok := markers.ExtractPipelineID(result.FinalText)
	if !ok {
		return result, nil
	}

	e.mu.Lock()
	expected := e.testingPipelineID
	e.mu.Unlock()

	if expected != 0 && reviewID != expected {
		return PhaseResult{OK: false, Confidence: result.Confidence, FinalText: result.FinalText},
			&orcherr.PipelineIDMismatchError{
				TestingPipelineID: expected,
				ReviewPipelineID:  reviewID,
				IssueIID:          fmt.Sprintf("%d", issueIID),
			}
	}
	return result, nil
}
