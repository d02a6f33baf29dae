package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanRoundTripsThroughJSON(t *testing.T) {
	p := Plan{
		ImplementationOrder: []PlanEntry{
			{IssueID: 1, Priority: 10, Dependencies: map[int64]struct{}{}},
			{IssueID: 2, Priority: 5, Dependencies: map[int64]struct{}{1: {}}},
		},
		TechStack: TechStack{Backend: "go", Database: "postgres"},
	}

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded Plan
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, p.TechStack, decoded.TechStack)
	require.Len(t, decoded.ImplementationOrder, 2)
	assert.Equal(t, int64(1), decoded.ImplementationOrder[0].IssueID)
	_, hasDep := decoded.ImplementationOrder[1].Dependencies[1]
	assert.True(t, hasDep)
}

func TestIssueStateRecordAttempt(t *testing.T) {
	s := NewIssueState(42)
	s.RecordAttempt(PhaseCoding, true, 2*time.Second)
	s.RecordAttempt(PhaseReview, false, time.Second)
	s.RecordAttempt(PhaseReview, true, time.Second)

	assert.Equal(t, 1, s.Attempts[PhaseCoding].Successes)
	assert.Equal(t, 2, s.Attempts[PhaseReview].Count)
	assert.Equal(t, 1, s.Attempts[PhaseReview].Failures)
	assert.Equal(t, 1, s.Attempts[PhaseReview].Successes)
}

func TestCompletedIssuesSuperset(t *testing.T) {
	prev := NewRunState("r1", "p1")
	prev.CompletedIssues[1] = struct{}{}

	cur := NewRunState("r1", "p1")
	cur.CompletedIssues[1] = struct{}{}
	cur.CompletedIssues[2] = struct{}{}
	assert.True(t, cur.CompletedIssuesSuperset(prev))

	regressed := NewRunState("r1", "p1")
	assert.False(t, regressed.CompletedIssuesSuperset(prev))
}

func TestPlanValidateAcceptsValidTopoOrder(t *testing.T) {
	p := Plan{ImplementationOrder: []PlanEntry{
		{IssueID: 7},
		{IssueID: 5, Dependencies: map[int64]struct{}{7: {}}},
		{IssueID: 3, Dependencies: map[int64]struct{}{5: {}}},
	}}
	assert.NoError(t, p.Validate())
}

func TestPlanValidateRejectsDuplicateIssueID(t *testing.T) {
	p := Plan{ImplementationOrder: []PlanEntry{{IssueID: 1}, {IssueID: 1}}}
	assert.Error(t, p.Validate())
}

func TestPlanValidateRejectsDependencyOutOfOrder(t *testing.T) {
	p := Plan{ImplementationOrder: []PlanEntry{
		{IssueID: 3, Dependencies: map[int64]struct{}{5: {}}},
		{IssueID: 5},
	}}
	assert.Error(t, p.Validate())
}

func TestPlanValidateRejectsUnknownDependency(t *testing.T) {
	p := Plan{ImplementationOrder: []PlanEntry{{IssueID: 1, Dependencies: map[int64]struct{}{99: {}}}}}
	assert.Error(t, p.Validate())
}

func TestIssueHasLabel(t *testing.T) {
	i := Issue{Labels: map[string]struct{}{"priority::high": {}}}
	assert.True(t, i.HasLabel("priority::high"))
	assert.False(t, i.HasLabel("priority::low"))
}
