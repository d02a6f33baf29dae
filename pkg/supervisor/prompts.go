package supervisor

import (
	"fmt"

	"github.com/kadirpekel/conductor/pkg/domain"
)

const planningSystemPrompt = `You are the Planning agent. Inspect the repository, choose a tech stack ` +
	`and an implementation order for the open issues, and write the result to docs/ORCH_PLAN.json. ` +
	`Finish with PLANNING_PHASE_COMPLETE on success, or PLANNING_FAILED with a reason on failure.`

const codingSystemPrompt = `You are the Coding agent. Implement the requested issue on its feature branch, ` +
	`committing working code. Finish with CODING_PHASE_COMPLETE on success, or COMPILATION_FAILED with a ` +
	`reason on failure.`

const testingSystemPrompt = `You are the Testing agent. Run the project's test suite against the feature ` +
	`branch and fix failing tests where reasonable. Finish with TESTING_PHASE_COMPLETE on success, ` +
	`TESTS_FAILED with a reason, or PIPELINE_FAILED if CI itself could not run.`

const reviewSystemPrompt = `You are the Review agent. Review the changes on the feature branch, validate ` +
	`the latest pipeline succeeded, and merge when ready. Finish with REVIEW_PHASE_COMPLETE on success, ` +
	`MERGE_BLOCKED with a reason, or PIPELINE_FAILED if CI itself could not run.`

func planningUserInstruction(projectID string) string {
	return fmt.Sprintf("Plan the implementation order for project %s.", projectID)
}

func planMergeReviewInstruction(branch string) string {
	return fmt.Sprintf("Review and merge docs/ORCH_PLAN.json from branch %s to the default branch.", branch)
}

func codingUserInstruction(issue domain.Issue, branch string) string {
	return fmt.Sprintf("Implement issue #%d (%q) on branch %s.\n\n%s", issue.IID, issue.Title, branch, issue.Description)
}

func testingUserInstruction(branch string) string {
	return fmt.Sprintf("Run and, if needed, fix the test suite on branch %s.", branch)
}

func reviewUserInstruction(branch string) string {
	return fmt.Sprintf("Review and merge branch %s.", branch)
}
