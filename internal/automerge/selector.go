package automerge

import (
	"context"
	"time"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/automerger/internal/logfields"
)

// Candidate is the pull request that is processed in a cycle.
type Candidate struct {
	*Evaluation
	// Merge is true if the pull request is merged after a successful
	// build.
	Merge bool
	// Rebuild is false if the pull request already was built
	// successfully in its current state.
	Rebuild bool
}

// Selection is the result of scanning all open pull requests.
type Selection struct {
	// Candidate is nil if no pull request needs to be processed.
	Candidate *Candidate
	// Blocked are the pull requests that would be candidates but have
	// unmet dependencies.
	Blocked []*Evaluation
}

// Selector picks a pull request to process.
type Selector struct {
	clt          GithubClient
	retryer      Retryer
	evaluator    *Evaluator
	org          string
	repositories []string
	logger       *zap.Logger
}

func NewSelector(clt GithubClient, retryer Retryer, evaluator *Evaluator, org string, repositories []string) *Selector {
	return &Selector{
		clt:          clt,
		retryer:      retryer,
		evaluator:    evaluator,
		org:          org,
		repositories: repositories,
		logger:       zap.L().Named(loggerName).Named("selector"),
	}
}

// Select scans the open pull requests of trusted authors of all
// repositories, in the configured repository order and ascending pull
// request creation order.
// The first primary candidate is returned. If none exists the last fallback
// candidate is returned, it is only rebuilt and not merged.
// Pull requests that can not be evaluated are logged and skipped.
func (s *Selector) Select(ctx context.Context, principals *Principals, refs *RefCache) (*Selection, error) {
	stats := selectionStat{StartTime: time.Now()}
	var result Selection
	var fallback *Evaluation

	defer func() {
		stats.EndTime = time.Now()
		s.logger.Debug(
			"pull request selection finished",
			append([]zap.Field{logfields.Event("pr_selection_finished")}, stats.LogFields()...)...,
		)
	}()

	for _, repo := range s.repositories {
		logger := s.logger.With(logfields.RepositoryOwner(s.org), logfields.Repository(repo))
		it := s.clt.ListPullRequests(ctx, s.org, repo, "open", "created", "asc")

		for {
			var ghPR *github.PullRequest

			err := s.retryer.Run(ctx, func(context.Context) error {
				var err error
				ghPR, err = it.Next()
				return err
			}, []zap.Field{logfields.RepositoryOwner(s.org), logfields.Repository(repo)})
			if err != nil {
				return nil, err
			}

			if ghPR == nil {
				break
			}

			stats.Seen++

			pr, err := NewPullRequest(s.org, ghPR)
			if err != nil {
				stats.Failures++
				logger.Warn(
					"ignoring pull request, converting github object failed",
					logfields.Event("pull_request_invalid"),
					logfields.PullRequest(ghPR.GetNumber()),
					zap.Error(err),
				)
				continue
			}

			if !principals.IsTrustedAuthor(pr.Author) {
				stats.Untrusted++
				continue
			}

			eval, err := s.evaluate(ctx, pr, principals, refs)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}

				stats.Failures++
				logger.Warn(
					"ignoring pull request, evaluation failed",
					append(pr.LogFields, logfields.Event("pull_request_evaluation_failed"), zap.Error(err))...,
				)
				continue
			}

			switch {
			case eval.Primary():
				stats.Primary++
				result.Candidate = &Candidate{
					Evaluation: eval,
					Merge:      true,
					Rebuild:    eval.RebuildRequired,
				}
				return &result, nil

			case eval.Fallback():
				stats.Fallback++
				fallback = eval

			case eval.Blocked():
				stats.Blocked++
				result.Blocked = append(result.Blocked, eval)
			}
		}
	}

	if fallback != nil {
		result.Candidate = &Candidate{
			Evaluation: fallback,
			Rebuild:    true,
		}
	}

	return &result, nil
}

func (s *Selector) evaluate(ctx context.Context, pr *PullRequest, principals *Principals, refs *RefCache) (*Evaluation, error) {
	var ghComments []*github.IssueComment

	err := s.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		ghComments, err = s.clt.ListIssueComments(ctx, pr.Base.RepositoryOwner, pr.Base.Repository, pr.Number)
		return err
	}, pr.LogFields)
	if err != nil {
		return nil, err
	}

	return s.evaluator.Evaluate(ctx, pr, toComments(ghComments), principals, refs)
}
