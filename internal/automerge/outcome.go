package automerge

import (
	"context"
	"errors"

	"github.com/simplesurance/automerger/internal/buildpipeline"
	"github.com/simplesurance/automerger/internal/verify"
)

// Kind is the class of the result of a cycle.
type Kind int

const (
	KindSuccess Kind = iota
	KindDependencyUnmet
	KindBuildFailure
	KindMergeConflict
	KindVerificationFailure
	KindTimeout
	KindUnclassified
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindDependencyUnmet:
		return "dependency_unmet"
	case KindBuildFailure:
		return "build_failure"
	case KindMergeConflict:
		return "merge_conflict"
	case KindVerificationFailure:
		return "verification_failure"
	case KindTimeout:
		return "timeout"
	case KindUnclassified:
		return "unclassified"
	default:
		return "unknown"
	}
}

// classify returns the Kind of an error returned by a cycle operation.
func classify(err error) Kind {
	var depErr *DependencyError
	var conflictErr *ConflictError
	var mismatchErr *verify.MismatchError
	var stepErr *buildpipeline.StepError

	switch {
	case err == nil:
		return KindSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &depErr):
		return KindDependencyUnmet
	case errors.As(err, &conflictErr):
		return KindMergeConflict
	case errors.As(err, &mismatchErr):
		return KindVerificationFailure
	case errors.As(err, &stepErr):
		return KindBuildFailure
	default:
		return KindUnclassified
	}
}

// Outcome is the result of processing a candidate.
type Outcome struct {
	Kind Kind
	Err  error

	Rebuilt bool
	Merged  bool
	// Verification is nil if no verification was done.
	Verification *verify.Result
	// Notes are additional lines for the report, e.g. failures of best
	// effort operations.
	Notes []string
}

func newOutcome(err error) *Outcome {
	return &Outcome{Kind: classify(err), Err: err}
}
