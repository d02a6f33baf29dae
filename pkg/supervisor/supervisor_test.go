package supervisor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/checkpoint"
	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/domain"
	"github.com/kadirpekel/conductor/pkg/llmprovider"
	"github.com/kadirpekel/conductor/pkg/toolbridge"
	"github.com/kadirpekel/conductor/pkg/tracker"
)

func seededRunState(t *testing.T, runID, projectID string, plan *domain.Plan) *domain.RunState {
	t.Helper()
	run := domain.NewRunState(runID, projectID)
	run.Plan = plan
	run.Stage = StageImplementing
	run.CompletedIssues[1] = struct{}{}
	return run
}

// fakeProvider always completes whatever role is implied by the next
// expected marker in sequence.
type fakeProvider struct {
	markers []string
	call    int
}

func (f *fakeProvider) Stream(ctx context.Context, req llmprovider.Request) (<-chan llmprovider.Chunk, error) {
	text := f.markers[f.call%len(f.markers)]
	f.call++
	out := make(chan llmprovider.Chunk, 2)
	out <- llmprovider.Chunk{Kind: llmprovider.ChunkText, Text: text}
	out <- llmprovider.Chunk{Kind: llmprovider.ChunkEnd}
	close(out)
	return out, nil
}

type fakeBridge struct {
	files     map[string]string
	issuesOut string
	mrsOut    string
	branches  string
}

func (f *fakeBridge) ListTools() []toolbridge.ToolDescriptor { return nil }

func (f *fakeBridge) RunTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	switch name {
	case "get_file_contents":
		path := args["path"].(string)
		if content, ok := f.files[path]; ok {
			return content, nil
		}
		return "", fmt.Errorf("not found: %s", path)
	case "list_issues":
		return f.issuesOut, nil
	case "list_merge_requests":
		return f.mrsOut, nil
	case "list_branches":
		return f.branches, nil
	default:
		return "", nil
	}
}

func newTestSupervisor(t *testing.T, bridge *fakeBridge, model llmprovider.Provider) *Supervisor {
	t.Helper()
	cfg := config.Default()
	store := checkpoint.New(t.TempDir(), "run-test")
	trk, err := tracker.New(t.TempDir(), false)
	require.NoError(t, err)
	t.Cleanup(func() { trk.Shutdown(context.Background()) })

	sup := New(bridge, cfg, store, trk)
	sup.modelFactory = func(*config.Config) (llmprovider.Provider, config.Snapshot, error) {
		return model, cfg.Snapshot(), nil
	}
	return sup
}

func TestExecuteCompletesSingleIssueHappyPath(t *testing.T) {
	plan := `{"implementationOrder":[{"issueID":1,"priority":1,"dependencies":[]}],"techStack":{"backend":"go"}}`
	bridge := &fakeBridge{
		files:     map[string]string{"docs/ORCH_PLAN.json": plan},
		issuesOut: `[{"iid":1,"title":"Fix bug","state":"opened","labels":[]}]`,
		mrsOut:    `[]`,
		branches:  `[{"name":"planning-structure-42"}]`,
	}
	model := &fakeProvider{markers: []string{
		"PLANNING_PHASE_COMPLETE",
		"REVIEW_PHASE_COMPLETE", // planning-merge review
		"CODING_PHASE_COMPLETE",
		"Validated against pipeline #1.\nTESTING_PHASE_COMPLETE",
		"Merged on top of pipeline #1.\nREVIEW_PHASE_COMPLETE",
	}}
	sup := newTestSupervisor(t, bridge, model)

	run, err := sup.Execute(context.Background(), "run-test", Options{ProjectID: "42", Apply: true})
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, run.Stage)
	_, ok := run.CompletedIssues[1]
	assert.True(t, ok)
	assert.Empty(t, run.FailedIssues)
	require.NotNil(t, run.Plan)
	assert.Equal(t, "go", run.Plan.TechStack.Backend)
}

func TestExecuteAnalyzeOnlyStopsAfterPlanningWithoutApply(t *testing.T) {
	bridge := &fakeBridge{}
	model := &fakeProvider{markers: []string{"PLANNING_PHASE_COMPLETE"}}
	sup := newTestSupervisor(t, bridge, model)

	run, err := sup.Execute(context.Background(), "run-test", Options{ProjectID: "42"})
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, run.Stage)
	assert.Nil(t, run.Plan)
	assert.Equal(t, 1, model.call, "analyze-only mode must stop after planning, never reach merge review or implementation")
}

func TestExecutePlanningMergeReviewFailureFallsBackNonFatally(t *testing.T) {
	bridge := &fakeBridge{
		issuesOut: `[{"iid":1,"title":"Fix bug","state":"opened","labels":[]}]`,
		mrsOut:    `[]`,
		branches:  `[{"name":"planning-structure-42"}]`,
	}
	model := &fakeProvider{markers: []string{
		"PLANNING_PHASE_COMPLETE",
		"MERGE_BLOCKED: conflicts",
		"CODING_PHASE_COMPLETE",
		"TESTING_PHASE_COMPLETE",
		"REVIEW_PHASE_COMPLETE",
	}}
	sup := newTestSupervisor(t, bridge, model)

	run, err := sup.Execute(context.Background(), "run-test", Options{ProjectID: "42", Apply: true})
	require.NoError(t, err, "a rejected planning-merge review must not fail the run")
	assert.Equal(t, StageCompleted, run.Stage)
	assert.Nil(t, run.Plan, "plan stays unset so prioritization falls back to dependency/priority ordering")
	_, ok := run.CompletedIssues[1]
	assert.True(t, ok)
}

func TestExecuteNoPlanningStructureBranchFallsBackNonFatally(t *testing.T) {
	bridge := &fakeBridge{
		issuesOut: `[{"iid":1,"title":"Fix bug","state":"opened","labels":[]}]`,
		mrsOut:    `[]`,
		branches:  `[{"name":"main"}]`,
	}
	model := &fakeProvider{markers: []string{
		"PLANNING_PHASE_COMPLETE",
		"CODING_PHASE_COMPLETE",
		"TESTING_PHASE_COMPLETE",
		"REVIEW_PHASE_COMPLETE",
	}}
	sup := newTestSupervisor(t, bridge, model)

	run, err := sup.Execute(context.Background(), "run-test", Options{ProjectID: "42", Apply: true})
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, run.Stage)
	assert.Nil(t, run.Plan)
}

func TestExecuteSkipsAlreadyMergedIssue(t *testing.T) {
	plan := `{"implementationOrder":[{"issueID":1,"priority":1,"dependencies":[]}]}`
	bridge := &fakeBridge{
		files:     map[string]string{"docs/ORCH_PLAN.json": plan},
		issuesOut: `[{"iid":1,"title":"Fix bug","state":"opened","labels":[]}]`,
		mrsOut:    `[{"source_branch":"feature/issue-1-fix-bug","state":"merged"}]`,
		branches:  `[{"name":"planning-structure-42"}]`,
	}
	model := &fakeProvider{markers: []string{
		"PLANNING_PHASE_COMPLETE",
		"REVIEW_PHASE_COMPLETE",
	}}
	sup := newTestSupervisor(t, bridge, model)

	run, err := sup.Execute(context.Background(), "run-test", Options{ProjectID: "42", Apply: true})
	require.NoError(t, err)
	_, ok := run.CompletedIssues[1]
	assert.True(t, ok)
	assert.Equal(t, 2, model.call)
}

func TestExecuteResumesFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	store := checkpoint.New(dir, "run-resume")

	prevPlanRaw := `{"implementationOrder":[{"issueID":1,"priority":1,"dependencies":[]}]}`

	cfg := config.Default()
	trk, err := tracker.New(t.TempDir(), false)
	require.NoError(t, err)
	t.Cleanup(func() { trk.Shutdown(context.Background()) })

	bridge := &fakeBridge{
		files:     map[string]string{"docs/ORCH_PLAN.json": prevPlanRaw},
		issuesOut: `[{"iid":1,"title":"Fix bug","state":"opened","labels":[]},{"iid":2,"title":"Other bug","state":"opened","labels":[]}]`,
		mrsOut:    `[]`,
	}
	model := &fakeProvider{markers: []string{"CODING_PHASE_COMPLETE", "TESTING_PHASE_COMPLETE", "REVIEW_PHASE_COMPLETE"}}

	sup := New(bridge, cfg, store, trk)
	sup.modelFactory = func(*config.Config) (llmprovider.Provider, config.Snapshot, error) {
		return model, cfg.Snapshot(), nil
	}

	seeded, err := sup.planMgr.LoadPlanFromRepo(context.Background(), defaultBranchRef)
	require.NoError(t, err)
	seed := seededRunState(t, "run-resume", "42", seeded)
	require.NoError(t, store.Save(seed))

	run, err := sup.Execute(context.Background(), "run-resume", Options{ProjectID: "42", Resume: true, Apply: true})
	require.NoError(t, err)
	_, issue1Done := run.CompletedIssues[1]
	_, issue2Done := run.CompletedIssues[2]
	assert.True(t, issue1Done, "issue 1 was already completed before resume")
	assert.True(t, issue2Done, "issue 2 should be processed after resume")
}
