// Package markers implements the pure completion-marker classifier. It is
// the only place the core inspects an agent's final text; everything else
// about an agent's reasoning is opaque.
package markers

import (
	"regexp"
	"strconv"
	"strings"
)

// Role identifies which of the four agent roles produced the text.
type Role string

const (
	RolePlanning Role = "planning"
	RoleCoding   Role = "coding"
	RoleTesting  Role = "testing"
	RoleReview   Role = "review"
)

const (
	markerPlanningComplete = "PLANNING_PHASE_COMPLETE"
	markerPlanningFailed   = "PLANNING_FAILED"

	markerCodingComplete  = "CODING_PHASE_COMPLETE"
	markerCompilationFail = "COMPILATION_FAILED"

	markerTestingComplete = "TESTING_PHASE_COMPLETE"
	markerTestsFailed     = "TESTS_FAILED"

	markerReviewComplete = "REVIEW_PHASE_COMPLETE"
	markerMergeBlocked   = "MERGE_BLOCKED"

	// Shared across testing and review.
	markerPipelineFailed = "PIPELINE_FAILED"
)

// Result is the outcome of classifying an agent's final text.
type Result struct {
	OK         bool
	Confidence float64
	Reason     string
}

// Check classifies finalText for the given role against its completion
// markers: the positive marker must be present AND no failure marker for
// the role may be present for ok=true; any failure marker forces ok=false.
func Check(role Role, finalText string) Result {
	switch role {
	case RolePlanning:
		return checkTwoMarker(finalText, markerPlanningComplete, markerPlanningFailed)
	case RoleCoding:
		return checkTwoMarker(finalText, markerCodingComplete, markerCompilationFail)
	case RoleTesting:
		return checkMultiFailure(finalText, markerTestingComplete, markerTestsFailed, markerPipelineFailed)
	case RoleReview:
		return checkMultiFailure(finalText, markerReviewComplete, markerMergeBlocked, markerPipelineFailed)
	default:
		return Result{OK: false, Confidence: 0, Reason: "unknown role: " + string(role)}
	}
}

var pipelineIDPattern = regexp.MustCompile(`(?i)pipeline(?:\s*id)?\s*[:#]?\s*(\d+)`)

// ExtractPipelineID returns the first pipeline ID mentioned in text, as
// the agent itself surfaces it (e.g. "pipeline #4263", "pipeline ID:
// 4263"). The core never independently re-queries CI for this value; the
// agent's own report is authoritative, per the pipeline-ID gate.
func ExtractPipelineID(text string) (int64, bool) {
	m := pipelineIDPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func checkTwoMarker(text, positive, negative string) Result {
	hasPositive := strings.Contains(text, positive)
	hasNegative := strings.Contains(text, negative)

	switch {
	case hasNegative && hasPositive:
		return Result{OK: false, Confidence: 0.5, Reason: "both " + positive + " and " + negative + " present"}
	case hasNegative:
		return Result{OK: false, Confidence: 1.0, Reason: negative + " present"}
	case hasPositive:
		return Result{OK: true, Confidence: 1.0, Reason: positive + " present"}
	default:
		return Result{OK: false, Confidence: 0, Reason: "no completion marker found"}
	}
}

func checkMultiFailure(text, positive string, negatives ...string) Result {
	hasPositive := strings.Contains(text, positive)
	var hitNegative string
	for _, n := range negatives {
		if strings.Contains(text, n) {
			hitNegative = n
			break
		}
	}

	switch {
	case hitNegative != "" && hasPositive:
		return Result{OK: false, Confidence: 0.5, Reason: "both " + positive + " and " + hitNegative + " present"}
	case hitNegative != "":
		return Result{OK: false, Confidence: 1.0, Reason: hitNegative + " present"}
	case hasPositive:
		return Result{OK: true, Confidence: 1.0, Reason: positive + " present"}
	default:
		return Result{OK: false, Confidence: 0, Reason: "no completion marker found"}
	}
}
