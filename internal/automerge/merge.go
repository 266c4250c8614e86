package automerge

import (
	"context"
	"fmt"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/automerger/internal/buildpipeline"
	"github.com/simplesurance/automerger/internal/logfields"
)

// ConflictError is returned when the pull request or its target branch
// changed after the pull request was evaluated, or pushing the merge
// failed.
type ConflictError struct {
	// What names the object that changed.
	What     string
	Expected string
	Actual   string
	Err      error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.What, e.Err)
	}

	return fmt.Sprintf("%s changed since evaluation, expected %s, is now %s", e.What, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// MergeResult describes a successful merge.
type MergeResult struct {
	// CloseErr is set when the pull request was merged but closing it
	// failed.
	CloseErr error
}

// MergeExecutor pushes the merged target branch after ensuring that neither
// the target branch nor the pull request changed since the evaluation.
// The check and the push are not atomic, a concurrent change between both
// is not detected by the MergeExecutor but by the remote rejecting the
// push.
type MergeExecutor struct {
	clt      GithubClient
	retryer  Retryer
	pipeline *buildpipeline.Pipeline
	logger   *zap.Logger
}

func NewMergeExecutor(clt GithubClient, retryer Retryer, pipeline *buildpipeline.Pipeline) *MergeExecutor {
	return &MergeExecutor{
		clt:      clt,
		retryer:  retryer,
		pipeline: pipeline,
		logger:   zap.L().Named(loggerName).Named("merge_executor"),
	}
}

// validate fetches the current state of the target branch and pull request
// and returns a *ConflictError if it differs from the state in eval.
func (m *MergeExecutor) validate(ctx context.Context, eval *Evaluation) error {
	pr := eval.PR

	var branchHead string
	err := m.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		branchHead, err = m.clt.BranchHead(ctx, pr.Base.RepositoryOwner, pr.Base.Repository, pr.Base.Branch)
		return err
	}, pr.LogFields)
	if err != nil {
		return fmt.Errorf("retrieving head of %s failed: %w", pr.Base.String(), err)
	}

	if branchHead != eval.BaseHead {
		return &ConflictError{
			What:     fmt.Sprintf("target branch %s/%s:%s", pr.Base.RepositoryOwner, pr.Base.Repository, pr.Base.Branch),
			Expected: eval.BaseHead,
			Actual:   branchHead,
		}
	}

	var fresh *github.PullRequest
	err = m.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		fresh, err = m.clt.GetPullRequest(ctx, pr.Base.RepositoryOwner, pr.Base.Repository, pr.Number)
		return err
	}, pr.LogFields)
	if err != nil {
		return fmt.Errorf("retrieving pull request failed: %w", err)
	}

	if fresh.GetState() != "open" {
		return &ConflictError{
			What:     fmt.Sprintf("state of pull request %s", pr),
			Expected: "open",
			Actual:   fresh.GetState(),
		}
	}

	if freshHead := fresh.GetHead().GetSHA(); freshHead != pr.HeadSHA {
		return &ConflictError{
			What:     fmt.Sprintf("head of pull request %s", pr),
			Expected: pr.HeadSHA,
			Actual:   freshHead,
		}
	}

	return nil
}

// Merge validates that eval is still up to date, runs the push step and
// closes the pull request.
// If the validation fails a *ConflictError is returned and push is not run.
func (m *MergeExecutor) Merge(ctx context.Context, eval *Evaluation, push *buildpipeline.Step) (*MergeResult, error) {
	pr := eval.PR
	logger := m.logger.With(pr.LogFields...).With(logfields.BaseCommit(eval.BaseHead))

	if err := m.validate(ctx, eval); err != nil {
		logger.Info(
			"merge aborted, revalidation failed",
			logfields.Event("merge_revalidation_failed"),
			zap.Error(err),
		)

		return nil, err
	}

	if err := m.pipeline.Execute(ctx, []*buildpipeline.Step{push}, pr.LogFields...); err != nil {
		return nil, &ConflictError{What: "pushing merged branch", Err: err}
	}

	logger.Info("merged pull request", logfields.Event("pull_request_merged"))

	var result MergeResult

	err := m.retryer.Run(ctx, func(ctx context.Context) error {
		return m.clt.ClosePullRequest(ctx, pr.Base.RepositoryOwner, pr.Base.Repository, pr.Number)
	}, pr.LogFields)
	if err != nil {
		logger.Warn(
			"closing merged pull request failed",
			logfields.Event("pull_request_closing_failed"),
			zap.Error(err),
		)

		result.CloseErr = err
	}

	return &result, nil
}
