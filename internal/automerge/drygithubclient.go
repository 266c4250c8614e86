package automerge

import (
	"context"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/automerger/internal/githubclt"
)

// DryGithubClient is a github-client that does not do any changes on github.
// All operations that could cause a change are simulated and always succeed.
// All all other operations are forwarded to a wrapped GithubClient.
type DryGithubClient struct {
	clt    GithubClient
	logger *zap.Logger
}

func NewDryGithubClient(clt GithubClient, logger *zap.Logger) *DryGithubClient {
	return &DryGithubClient{
		clt:    clt,
		logger: logger.Named("dry_github_client"),
	}
}

func (c *DryGithubClient) CreateIssueComment(_ context.Context, owner, repo string, issueOrPRNr int, comment string) error {
	c.logger.Info(
		"simulated creating of github issue comment, no comment created on github",
		zap.String("github.repository_owner", owner),
		zap.String("git.repository", repo),
		zap.Int("github.pull_request", issueOrPRNr),
		zap.String("comment", comment),
	)
	return nil
}

func (c *DryGithubClient) ClosePullRequest(_ context.Context, owner, repo string, number int) error {
	c.logger.Info(
		"simulated closing of pull request",
		zap.String("github.repository_owner", owner),
		zap.String("git.repository", repo),
		zap.Int("github.pull_request", number),
	)
	return nil
}

func (c *DryGithubClient) ListPullRequests(ctx context.Context, owner, repo, state, sort, sortDirection string) githubclt.PRIterator {
	return c.clt.ListPullRequests(ctx, owner, repo, state, sort, sortDirection)
}

func (c *DryGithubClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error) {
	return c.clt.GetPullRequest(ctx, owner, repo, number)
}

func (c *DryGithubClient) BranchHead(ctx context.Context, owner, repo, branch string) (string, error) {
	return c.clt.BranchHead(ctx, owner, repo, branch)
}

func (c *DryGithubClient) ListIssueComments(ctx context.Context, owner, repo string, issueOrPRNr int) ([]*github.IssueComment, error) {
	return c.clt.ListIssueComments(ctx, owner, repo, issueOrPRNr)
}

func (c *DryGithubClient) ListTeams(ctx context.Context, org string) ([]*githubclt.Team, error) {
	return c.clt.ListTeams(ctx, org)
}

func (c *DryGithubClient) ListTeamMembers(ctx context.Context, org, teamSlug string) ([]string, error) {
	return c.clt.ListTeamMembers(ctx, org, teamSlug)
}

func (c *DryGithubClient) PullRequestMerged(ctx context.Context, owner, repo string, number int) (*githubclt.PullRequestState, error) {
	return c.clt.PullRequestMerged(ctx, owner, repo, number)
}
