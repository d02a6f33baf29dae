package issues

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/domain"
)

type fakeBridge struct {
	responses map[string]string
	calls     []string
}

func (f *fakeBridge) RunTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	f.calls = append(f.calls, name)
	return f.responses[name], nil
}

func TestFetchOpenIssuesParsesLabels(t *testing.T) {
	bridge := &fakeBridge{responses: map[string]string{
		"list_issues": `[{"iid":1,"title":"Fix login bug","state":"opened","labels":["priority::high","bug"]}]`,
	}}
	m := New(bridge)

	result, err := m.FetchOpenIssues(context.Background())
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, int64(1), result[0].IID)
	assert.True(t, result[0].HasLabel("priority::high"))
	assert.Equal(t, domain.IssueOpen, result[0].State)
}

func TestFeatureBranchSlugifiesTitle(t *testing.T) {
	issue := domain.Issue{IID: 42, Title: "Fix Login Bug!!"}
	assert.Equal(t, "feature/issue-42-fix-login-bug", FeatureBranch(issue))
}

func TestFeatureBranchFallsBackWhenTitleEmpty(t *testing.T) {
	issue := domain.Issue{IID: 7, Title: "???"}
	assert.Equal(t, "feature/issue-7", FeatureBranch(issue))
}

func TestIsCompletedTrueOnlyForMergedMatchingBranch(t *testing.T) {
	bridge := &fakeBridge{responses: map[string]string{
		"list_merge_requests": `[{"source_branch":"feature/issue-1-fix","state":"merged"}]`,
	}}
	m := New(bridge)

	ok, err := m.IsCompleted(context.Background(), "feature/issue-1-fix")
	require.NoError(t, err)
	assert.True(t, ok)

	ok2, err := m.IsCompleted(context.Background(), "feature/issue-2-other")
	require.NoError(t, err)
	assert.False(t, ok2)
}

func TestTrackCompletedClearsFailed(t *testing.T) {
	m := New(&fakeBridge{})
	m.TrackFailed(5)
	m.TrackCompleted(5)

	_, stillFailed := m.Failed()[5]
	_, isCompleted := m.Completed()[5]
	assert.False(t, stillFailed)
	assert.True(t, isCompleted)
}
