package markers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckCoding(t *testing.T) {
	cases := []struct {
		name string
		text string
		ok   bool
		conf float64
	}{
		{"success", "all done\nCODING_PHASE_COMPLETE\n", true, 1.0},
		{"compile failure", "oops\nCOMPILATION_FAILED\n", false, 1.0},
		{"ambiguous both", "CODING_PHASE_COMPLETE but COMPILATION_FAILED", false, 0.5},
		{"neither", "still working", false, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := Check(RoleCoding, tc.text)
			assert.Equal(t, tc.ok, r.OK)
			assert.Equal(t, tc.conf, r.Confidence)
		})
	}
}

func TestCheckTestingPipelineFailure(t *testing.T) {
	r := Check(RoleTesting, "TESTING_PHASE_COMPLETE\nPIPELINE_FAILED")
	assert.False(t, r.OK)
	assert.Equal(t, 0.5, r.Confidence)

	r2 := Check(RoleTesting, "TESTS_FAILED: 3 failing")
	assert.False(t, r2.OK)
	assert.Equal(t, 1.0, r2.Confidence)
}

func TestCheckReviewMergeBlocked(t *testing.T) {
	r := Check(RoleReview, "REVIEW_PHASE_COMPLETE")
	assert.True(t, r.OK)

	r2 := Check(RoleReview, "MERGE_BLOCKED: conflicts present")
	assert.False(t, r2.OK)
}

func TestExtractPipelineIDFindsFirstMention(t *testing.T) {
	id, ok := ExtractPipelineID("Validated against pipeline #4263, see also pipeline #9999 for context.\nTESTING_PHASE_COMPLETE")
	assert.True(t, ok)
	assert.Equal(t, int64(4263), id)

	id2, ok2 := ExtractPipelineID("Pipeline ID: 555 passed all jobs.")
	assert.True(t, ok2)
	assert.Equal(t, int64(555), id2)

	_, ok3 := ExtractPipelineID("no mention of any CI run here")
	assert.False(t, ok3)
}

func TestCheckUnknownRole(t *testing.T) {
	r := Check(Role("bogus"), "anything")
	assert.False(t, r.OK)
	assert.Equal(t, float64(0), r.Confidence)
}
