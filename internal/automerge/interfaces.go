package automerge

import (
	"context"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/automerger/internal/githubclt"
	"github.com/simplesurance/automerger/internal/verify"
)

//go:generate mockgen -package mocks -source interfaces.go -destination mocks/interfaces.go

// GithubClient defines the methods of a GithubAPI Client that are used by the
// automerge implementation.
type GithubClient interface {
	ListPullRequests(ctx context.Context, owner, repo, state, sort, sortDirection string) githubclt.PRIterator
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error)
	BranchHead(ctx context.Context, owner, repo, branch string) (string, error)
	ListIssueComments(ctx context.Context, owner, repo string, issueOrPRNr int) ([]*github.IssueComment, error)
	CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error
	ClosePullRequest(ctx context.Context, owner, repo string, number int) error
	ListTeams(ctx context.Context, org string) ([]*githubclt.Team, error)
	ListTeamMembers(ctx context.Context, org, teamSlug string) ([]string, error)
	PullRequestMerged(ctx context.Context, owner, repo string, number int) (*githubclt.PullRequestState, error)
}

// Retryer is an interface used for running GithubClient methods repeatedly if
// they fail with a temporary error.
type Retryer interface {
	Run(context.Context, func(context.Context) error, []zap.Field) error
}

// TicketService resolves tickets of an issue tracker.
type TicketService interface {
	AddComment(ctx context.Context, key, comment string) error
	Resolve(ctx context.Context, key string) error
}

// Verifier checks commits of a change in a local git repository.
type Verifier interface {
	Verify(ctx context.Context, dir, base, head string) (*verify.Result, error)
}
