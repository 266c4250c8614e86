package automerge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/automerger/internal/logfields"
)

// Evaluation is the result of evaluating a pull request.
type Evaluation struct {
	PR *PullRequest
	// BaseHead is the head commit of the target branch at evaluation
	// time.
	BaseHead string
	// Pair is the current reference pair of the pull request.
	Pair RefPair
	// LastAttempt is the most recent report of a processing attempt,
	// nil if the pull request was never processed.
	LastAttempt *Report
	// LastReport is the most recent report, including notices.
	LastReport *Report

	// RebuildRequired is true if the pull request was never processed or
	// its reference pair differs from the one of the last attempt.
	RebuildRequired bool
	// PreviouslySucceeded is true if the last attempt succeeded.
	PreviouslySucceeded bool
	Approved            bool
	// DependencyErr is non-nil when the dependencies are not satisfied.
	DependencyErr error
}

// Primary returns true if the pull request is eligible to be merged.
func (e *Evaluation) Primary() bool {
	return e.DependencyErr == nil && e.Approved && (e.PreviouslySucceeded || e.RebuildRequired)
}

// Fallback returns true if the pull request changed but is not approved, it
// can only be rebuilt.
func (e *Evaluation) Fallback() bool {
	return e.DependencyErr == nil && !e.Approved && e.RebuildRequired
}

// Blocked returns true if the pull request would be a candidate but its
// dependencies are not satisfied.
func (e *Evaluation) Blocked() bool {
	return e.DependencyErr != nil && (e.Approved || e.RebuildRequired)
}

// NoticeReport returns the report that is posted about unmet dependencies.
func (e *Evaluation) NoticeReport() *Report {
	return &Report{
		Pair:    e.Pair,
		Marker:  MarkerDependenciesUnmet,
		Message: singleLine(e.DependencyErr.Error()),
	}
}

// NeedsNotice returns true if the pull request is blocked and the unmet
// dependencies were not already reported for its current reference pair.
func (e *Evaluation) NeedsNotice() bool {
	if !e.Blocked() {
		return false
	}

	return !e.NoticeReport().Equal(e.LastReport)
}

func (e *Evaluation) LogFields() []zap.Field {
	fields := []zap.Field{
		logfields.BaseCommit(e.BaseHead),
		zap.Bool("rebuild_required", e.RebuildRequired),
		zap.Bool("previously_succeeded", e.PreviouslySucceeded),
		zap.Bool("approved", e.Approved),
	}

	if e.DependencyErr != nil {
		fields = append(fields, zap.NamedError("dependency_error", e.DependencyErr))
	}

	return fields
}

// Evaluator evaluates pull requests.
type Evaluator struct {
	botLogin string
	approval *ApprovalMatcher
	deps     *DependencyChecker
	logger   *zap.Logger
}

func NewEvaluator(botLogin string, approval *ApprovalMatcher, deps *DependencyChecker) *Evaluator {
	return &Evaluator{
		botLogin: botLogin,
		approval: approval,
		deps:     deps,
		logger:   zap.L().Named(loggerName).Named("evaluator"),
	}
}

// Evaluate computes the Evaluation of pr from its comments.
// An error is only returned if the head of the target branch can not be
// retrieved or ctx is done. Failed dependency checks are recorded in the
// Evaluation.
func (e *Evaluator) Evaluate(
	ctx context.Context,
	pr *PullRequest,
	comments []*Comment,
	principals *Principals,
	refs *RefCache,
) (*Evaluation, error) {
	baseHead, err := refs.Head(ctx, &pr.Base)
	if err != nil {
		return nil, fmt.Errorf("retrieving head of %s failed: %w", pr.Base.String(), err)
	}

	reports := botReports(e.botLogin, comments)

	result := Evaluation{
		PR:       pr,
		BaseHead: baseHead,
		Pair: RefPair{
			PR:     pr.Ref(),
			Branch: pr.Base.Ref(baseHead),
		},
		LastAttempt: lastAttempt(reports),
		LastReport:  lastReport(reports),
		Approved:    e.approval.Approved(comments, principals),
	}

	if result.LastAttempt == nil {
		result.RebuildRequired = true
	} else {
		result.RebuildRequired = result.LastAttempt.Pair != result.Pair
		result.PreviouslySucceeded = result.LastAttempt.Succeeded()
	}

	// dependencies are irrelevant for pull requests that are not
	// candidates, checking them would only cost API requests
	if result.Approved || result.RebuildRequired {
		if err := e.deps.Check(ctx, pr); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			result.DependencyErr = err
		}
	}

	e.logger.Debug(
		"pull request evaluated",
		append(append([]zap.Field{logfields.Event("pull_request_evaluated")}, pr.LogFields...), result.LogFields()...)...,
	)

	return &result, nil
}
