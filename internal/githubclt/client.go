// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	github_ratelimit "github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/automerger/internal/amerr"
	"github.com/simplesurance/automerger/internal/logfields"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

const perPage = 100

// New returns a new github api client.
func New(oauthAPItoken string) *Client {
	httpClient := newHTTPClient(oauthAPItoken)
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
	}
}

// newHTTPClient returns a client that authenticates with apiToken if it is
// not empty and that waits for secondary rate limits to expire.
func newHTTPClient(apiToken string) *http.Client {
	var transport http.RoundTripper = http.DefaultTransport

	if apiToken != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiToken}),
			Base:   transport,
		}
	}

	clt := github_ratelimit.NewClient(transport)
	clt.Timeout = DefaultHTTPClientTimeout

	return clt
}

// Client is an github API client.
// All methods return a amerr.RetryableError when an operation can be retried.
// This can be e.g. the case when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

// GetPullRequest returns the current state of a pull request.
func (clt *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error) {
	pr, _, err := clt.restClt.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	if pr.GetHead().GetSHA() == "" {
		return nil, errors.New("got pull request object with empty head sha")
	}

	return pr, nil
}

// BranchHead returns the SHA of the commit the branch points to.
func (clt *Client) BranchHead(ctx context.Context, owner, repo, branch string) (string, error) {
	ref, _, err := clt.restClt.Git.GetRef(ctx, owner, repo, "heads/"+branch)
	if err != nil {
		return "", clt.wrapRetryableErrors(err)
	}

	sha := ref.GetObject().GetSHA()
	if sha == "" {
		return "", fmt.Errorf("github returned an empty sha for ref %q", ref.GetRef())
	}

	return sha, nil
}

// ListIssueComments returns all comments of an issue or pull request, ordered
// by their creation time.
func (clt *Client) ListIssueComments(ctx context.Context, owner, repo string, issueOrPRNr int) ([]*github.IssueComment, error) {
	var result []*github.IssueComment

	opts := github.IssueListCommentsOptions{
		Sort:        github.String("created"),
		Direction:   github.String("asc"),
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	for {
		comments, resp, err := clt.restClt.Issues.ListComments(ctx, owner, repo, issueOrPRNr, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		result = append(result, comments...)

		if resp.NextPage == 0 {
			return result, nil
		}

		opts.Page = resp.NextPage
	}
}

// CreateIssueComment creates a comment in a issue or pull request
func (clt *Client) CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error {
	_, _, err := clt.restClt.Issues.CreateComment(ctx, owner, repo, issueOrPRNr, &github.IssueComment{Body: &comment})
	return clt.wrapRetryableErrors(err)
}

// ClosePullRequest sets the state of a pull request to closed.
func (clt *Client) ClosePullRequest(ctx context.Context, owner, repo string, number int) error {
	_, _, err := clt.restClt.PullRequests.Edit(ctx, owner, repo, number, &github.PullRequest{State: github.String("closed")})
	return clt.wrapRetryableErrors(err)
}

// Team is a github organization team.
type Team struct {
	Slug       string
	Name       string
	Permission string
}

// ListTeams returns all teams of an organization.
func (clt *Client) ListTeams(ctx context.Context, org string) ([]*Team, error) {
	var result []*Team

	opts := github.ListOptions{PerPage: perPage}

	for {
		teams, resp, err := clt.restClt.Teams.ListTeams(ctx, org, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, t := range teams {
			result = append(result, &Team{
				Slug:       t.GetSlug(),
				Name:       t.GetName(),
				Permission: t.GetPermission(),
			})
		}

		if resp.NextPage == 0 {
			return result, nil
		}

		opts.Page = resp.NextPage
	}
}

// ListTeamMembers returns the logins of all members of the team with the
// given slug.
func (clt *Client) ListTeamMembers(ctx context.Context, org, teamSlug string) ([]string, error) {
	var result []string

	opts := github.TeamListTeamMembersOptions{
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	for {
		users, resp, err := clt.restClt.Teams.ListTeamMembersBySlug(ctx, org, teamSlug, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, u := range users {
			result = append(result, u.GetLogin())
		}

		if resp.NextPage == 0 {
			return result, nil
		}

		opts.Page = resp.NextPage
	}
}

// PullRequestState is the merge state of a pull request.
type PullRequestState struct {
	Merged bool
	Closed bool
}

// PullRequestMerged returns the merge state of a pull request.
func (clt *Client) PullRequestMerged(ctx context.Context, owner, repo string, number int) (*PullRequestState, error) {
	var q struct {
		Repository struct {
			PullRequest struct {
				Merged githubv4.Boolean
				Closed githubv4.Boolean
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	vars := map[string]any{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"number": githubv4.Int(number),
	}

	if err := clt.graphQLClt.Query(ctx, &q, vars); err != nil {
		return nil, clt.wrapGraphQLRetryableErrors(err)
	}

	return &PullRequestState{
		Merged: bool(q.Repository.PullRequest.Merged),
		Closed: bool(q.Repository.PullRequest.Closed),
	}, nil
}

type PRIterator interface {
	Next() (*github.PullRequest, error)
}

type PRIter struct {
	clt *Client

	ctx   context.Context
	owner string
	repo  string

	filterState   string
	sortOrder     string
	sortDirection string

	unseen []*github.PullRequest

	nextPage int
	finished bool
}

// Next returns the next pullRequest.
// When the last result was returned a nil PullRequest is returned.
func (it *PRIter) Next() (*github.PullRequest, error) {
	if len(it.unseen) > 0 {
		result := it.unseen[0]
		it.unseen = it.unseen[1:]

		return result, nil
	}

	if it.finished {
		return nil, nil
	}

	prs, resp, err := it.clt.restClt.PullRequests.List(it.ctx, it.owner, it.repo, &github.PullRequestListOptions{
		State:     it.filterState,
		Sort:      it.sortOrder,
		Direction: it.sortDirection,
		ListOptions: github.ListOptions{
			Page:    it.nextPage,
			PerPage: perPage,
		},
	})
	if err != nil {
		return nil, it.clt.wrapRetryableErrors(err)
	}

	if resp.NextPage == 0 || len(prs) == 0 {
		it.finished = true
	} else {
		it.nextPage = resp.NextPage
	}

	it.unseen = prs

	return it.Next()
}

// ListPullRequests returns an iterator for receiving all pull requests.
// The parameters state, sort, sortDirection expect the same values then their
// pendants in the struct github.PullRequestListOptions.
func (clt *Client) ListPullRequests(ctx context.Context, owner, repo, state, sort, sortDirection string) PRIterator { // interface is returned to make the method mockable
	return &PRIter{
		clt:           clt,
		ctx:           ctx,
		owner:         owner,
		repo:          repo,
		sortOrder:     sort,
		sortDirection: sortDirection,
		filterState:   state,
		nextPage:      1,
	}
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return amerr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.AbuseRateLimitError:
		if v.RetryAfter != nil {
			return amerr.NewRetryableError(err, time.Now().Add(*v.RetryAfter))
		}

		return amerr.NewRetryableAnytimeError(err)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return amerr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return amerr.NewRetryableAnytimeError(err)
	}

	return err
}
