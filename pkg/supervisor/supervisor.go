// Package supervisor implements the top-level orchestration state machine:
// Initializing -> Planning -> Planning Merge -> Preparation -> Implementing
// -> Completed/Failed. It drives one issue at a time, checkpoints at every
// phase boundary, and propagates cooperative cancellation from ctx into
// the in-flight agent call.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/conductor/pkg/agentrt"
	"github.com/kadirpekel/conductor/pkg/checkpoint"
	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/domain"
	"github.com/kadirpekel/conductor/pkg/executor"
	"github.com/kadirpekel/conductor/pkg/issues"
	"github.com/kadirpekel/conductor/pkg/llmprovider"
	"github.com/kadirpekel/conductor/pkg/orcherr"
	"github.com/kadirpekel/conductor/pkg/planning"
	"github.com/kadirpekel/conductor/pkg/tracker"
)

// planningStructureBranchPrefix is the branch name the Planning agent
// writes docs/ORCH_PLAN.json to, before the planning-merge Review
// promotes it to the default branch.
const planningStructureBranchPrefix = "planning-structure"

// defaultBranchRef is the ref the plan document is promoted to and read
// back from. The tool bridge contract (spec §6.5) has no "get default
// branch" call, so this follows the common GitLab/GitHub convention
// rather than discovering it per-project.
const defaultBranchRef = "main"

// Stage names recorded into domain.RunState.Stage and used for resume
// decisions.
const (
	StageInitializing = "initializing"
	StagePlanning     = "planning"
	StagePreparation  = "preparation"
	StageImplementing = "implementing"
	StageCompleted    = "completed"
	StageFailed       = "failed"
)

// issueBaseDelay is the backoff unit between per-issue retry attempts
// within the Implementation phase: attempt N waits issueBaseDelay*N before
// retrying.
const issueBaseDelay = 10 * time.Second

// maxIssueAttempts is the total number of attempts (including the first)
// made per issue before it is recorded as failed.
const maxIssueAttempts = 3

// Options configures one supervisor run.
type Options struct {
	ProjectID    string
	Apply        bool
	OnlyIssueIID int64
	Resume       bool
	OnOutput     agentrt.OutputFunc
}

// Supervisor owns one end-to-end run of the orchestration loop.
type Supervisor struct {
	bridge       agentrt.Bridge
	cfg          *config.Config
	checkpt      *checkpoint.Store
	tracker      *tracker.Tracker
	issueMgr     *issues.Manager
	planMgr      *planning.Manager
	exec         *executor.Executor
	modelFactory func(*config.Config) (llmprovider.Provider, config.Snapshot, error)
}

// New wires a Supervisor from its component dependencies.
func New(bridge agentrt.Bridge, cfg *config.Config, checkpt *checkpoint.Store, trk *tracker.Tracker) *Supervisor {
	rt := agentrt.New(cfg.Snapshot().AgentRecursionLimit)
	return &Supervisor{
		bridge:       bridge,
		cfg:          cfg,
		checkpt:      checkpt,
		tracker:      trk,
		issueMgr:     issues.New(bridge),
		planMgr:      planning.New(bridge),
		exec:         executor.New(rt, bridge),
		modelFactory: llmprovider.MakeModel,
	}
}

// Execute runs the full state machine and returns the final RunState. A
// non-nil error means the run ended in StageFailed; callers use this to
// pick the process exit code.
func (s *Supervisor) Execute(ctx context.Context, runID string, opts Options) (*domain.RunState, error) {
	run, err := s.loadOrSeedRunState(runID, opts)
	if err != nil {
		return nil, err
	}

	model, _, err := s.modelFactory(s.cfg)
	if err != nil {
		return run, s.fail(run, err)
	}

	if run.Plan == nil {
		// PHASE 1 — Planning.
		run.Stage = StagePlanning
		s.checkpointOrLog(run)

		if err := s.planMgr.ExecuteWithRetry(ctx, s.runAgentAdapter(model), planningSystemPrompt, planningUserInstruction(opts.ProjectID), opts.OnOutput); err != nil {
			return run, s.fail(run, fmt.Errorf("planning phase: %w", err))
		}
		s.checkpointOrLog(run)

		if !opts.Apply {
			run.Stage = StageCompleted
			s.finalizeRun(run, StageCompleted)
			return run, nil
		}

		// PHASE 1.5 — Planning Merge. Non-fatal: any failure here logs a
		// warning and falls through to fallback prioritization in PHASE 2.
		s.runPlanningMerge(ctx, model, run, opts.OnOutput)
	} else {
		s.exec.SetPlan(run.Plan)
	}

	run.Stage = StagePreparation
	s.checkpointOrLog(run)

	allIssues, err := s.issueMgr.FetchOpenIssues(ctx)
	if err != nil {
		return run, s.fail(run, fmt.Errorf("fetch open issues: %w", err))
	}
	ordered := planning.ApplyPrioritization(run.Plan, allIssues)
	if opts.OnlyIssueIID != 0 {
		ordered = filterIssue(ordered, opts.OnlyIssueIID)
	}

	run.Stage = StageImplementing
	s.checkpointOrLog(run)

	for _, issue := range ordered {
		if err := ctx.Err(); err != nil {
			return run, s.fail(run, orcherr.ErrCancellationRequested)
		}
		if _, done := run.CompletedIssues[issue.IID]; done {
			continue
		}

		if err := s.runIssue(ctx, model, run, issue, opts.OnOutput); err != nil {
			run.FailedIssues[issue.IID] = struct{}{}
			s.issueMgr.TrackFailed(issue.IID)
			slog.Warn("issue failed", "issue", issue.IID, "error", err)
		} else {
			run.CompletedIssues[issue.IID] = struct{}{}
			s.issueMgr.TrackCompleted(issue.IID)
		}
		s.checkpointOrLog(run)
	}

	run.Stage = StageCompleted
	s.finalizeRun(run, StageCompleted)
	return run, nil
}

// finalizeRun persists the checkpoint and records the run outcome
// concurrently: the two writes are independent (different files, no
// shared state) so there's no reason to serialize them.
func (s *Supervisor) finalizeRun(run *domain.RunState, outcome string) {
	g := new(errgroup.Group)
	g.Go(func() error {
		s.checkpointOrLog(run)
		return nil
	})
	if s.tracker != nil {
		g.Go(func() error {
			if err := s.tracker.RecordRunOutcome(run, outcome); err != nil {
				slog.Warn("record run outcome failed", "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

func (s *Supervisor) runIssue(ctx context.Context, model llmprovider.Provider, run *domain.RunState, issue domain.Issue, onOutput agentrt.OutputFunc) error {
	branch := issues.FeatureBranch(issue)

	alreadyDone, err := s.issueMgr.IsCompleted(ctx, branch)
	if err != nil {
		slog.Warn("is-completed check failed, proceeding anyway", "issue", issue.IID, "error", err)
	} else if alreadyDone {
		return nil
	}

	state := domain.NewIssueState(issue.IID)

	var lastErr error
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(issueBaseDelay * time.Duration(attempt)):
			}
		}

		lastErr = s.runIssuePhases(ctx, model, issue, branch, state, onOutput)
		if lastErr == nil {
			state.Status = domain.IssueCompleted
			state.FinishedAt = time.Now()
			s.recordIssue(ctx, state, "completed")
			return nil
		}
		state.Errors = append(state.Errors, lastErr.Error())
	}

	state.Status = domain.IssueFailed
	state.FinishedAt = time.Now()
	s.recordIssue(ctx, state, "failed")
	return lastErr
}

func (s *Supervisor) runIssuePhases(ctx context.Context, model llmprovider.Provider, issue domain.Issue, branch string, state *domain.IssueState, onOutput agentrt.OutputFunc) error {
	codingStart := time.Now()
	codingResult, err := s.exec.ExecuteCoding(ctx, model, codingSystemPrompt, codingUserInstruction(issue, branch), onOutput)
	state.RecordAttempt(domain.PhaseCoding, err == nil && codingResult.OK, time.Since(codingStart))
	if err != nil {
		return fmt.Errorf("coding: %w", err)
	}
	if !codingResult.OK {
		return fmt.Errorf("coding: %w", orcherr.ErrCompletionMarkerNegative)
	}

	testingStart := time.Now()
	testingResult, err := s.exec.ExecuteTesting(ctx, model, branch, testingSystemPrompt, testingUserInstruction(branch), onOutput)
	state.RecordAttempt(domain.PhaseTesting, err == nil && testingResult.OK, time.Since(testingStart))
	if err != nil {
		return fmt.Errorf("testing: %w", err)
	}
	if !testingResult.OK {
		return fmt.Errorf("testing: %w", orcherr.ErrCompletionMarkerNegative)
	}

	reviewStart := time.Now()
	reviewResult, err := s.exec.ExecuteReview(ctx, model, issue.IID, branch, reviewSystemPrompt, reviewUserInstruction(branch), onOutput)
	state.RecordAttempt(domain.PhaseReview, err == nil && reviewResult.OK, time.Since(reviewStart))
	if err != nil {
		return fmt.Errorf("review: %w", err)
	}
	if !reviewResult.OK {
		return fmt.Errorf("review: %w", orcherr.ErrCompletionMarkerNegative)
	}
	return nil
}

func (s *Supervisor) recordIssue(ctx context.Context, state *domain.IssueState, outcome string) {
	if s.tracker == nil {
		return
	}
	if err := s.tracker.RecordIssueOutcome(ctx, state, outcome); err != nil {
		slog.Warn("record issue outcome failed", "issue", state.IID, "error", err)
	}
}

// rawBranch is the shape of one entry in the tool bridge's list_branches
// result.
type rawBranch struct {
	Name string `json:"name"`
}

// runPlanningMerge looks for a planning-structure branch and, if one
// exists, runs the Review agent over it to promote docs/ORCH_PLAN.json to
// the default branch, then loads the promoted plan. The whole sequence is
// best-effort: any failure (no branch found, review rejected, load/parse
// error) is logged and the run proceeds to PHASE 2 with run.Plan left nil,
// where ApplyPrioritization falls back to dependency/priority ordering.
func (s *Supervisor) runPlanningMerge(ctx context.Context, model llmprovider.Provider, run *domain.RunState, onOutput agentrt.OutputFunc) {
	raw, err := s.bridge.RunTool(ctx, "list_branches", map[string]interface{}{})
	if err != nil {
		slog.Warn("list branches failed, skipping planning merge", "error", err)
		return
	}

	var branches []rawBranch
	if err := json.Unmarshal([]byte(raw), &branches); err != nil {
		slog.Warn("parse list_branches result failed, skipping planning merge", "error", err)
		return
	}

	var planBranch string
	for _, b := range branches {
		if strings.HasPrefix(b.Name, planningStructureBranchPrefix) {
			planBranch = b.Name
			break
		}
	}
	if planBranch == "" {
		slog.Warn("no planning-structure branch found, falling back to dependency/priority prioritization")
		return
	}

	mergeResult, err := s.exec.ExecutePlanMergeReview(ctx, model, reviewSystemPrompt, planMergeReviewInstruction(planBranch), onOutput)
	if err != nil || !mergeResult.OK {
		slog.Warn("planning merge review failed, falling back to dependency/priority prioritization",
			"branch", planBranch, "error", firstNonNil(err, orcherr.ErrCompletionMarkerNegative))
		return
	}

	plan, err := s.planMgr.LoadPlanFromRepo(ctx, defaultBranchRef)
	if err != nil {
		slog.Warn("load plan from repo failed, falling back to dependency/priority prioritization", "error", err)
		return
	}

	run.Plan = plan
	s.exec.SetPlan(plan)
}

func (s *Supervisor) runAgentAdapter(model llmprovider.Provider) planning.AgentRunner {
	return func(ctx context.Context, systemPrompt, userInstruction string, onOutput func(string)) (string, error) {
		rt := agentrt.New(s.cfg.Snapshot().AgentRecursionLimit)
		ctx, cancel := context.WithTimeout(ctx, executor.PlanningTimeout)
		defer cancel()
		return rt.Run(ctx, model, s.bridge, systemPrompt, userInstruction, onOutput)
	}
}

func (s *Supervisor) loadOrSeedRunState(runID string, opts Options) (*domain.RunState, error) {
	if opts.Resume {
		prev, err := s.checkpt.Load()
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		if prev != nil {
			return prev, nil
		}
	}
	return domain.NewRunState(runID, opts.ProjectID), nil
}

func (s *Supervisor) checkpointOrLog(run *domain.RunState) {
	if err := s.checkpt.Save(run); err != nil {
		slog.Error("checkpoint write failed", "error", err)
	}
}

func (s *Supervisor) fail(run *domain.RunState, cause error) error {
	run.Stage = StageFailed
	s.finalizeRun(run, StageFailed)
	return cause
}

func filterIssue(all []domain.Issue, iid int64) []domain.Issue {
	for _, issue := range all {
		if issue.IID == iid {
			return []domain.Issue{issue}
		}
	}
	return nil
}

func firstNonNil(err error, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
