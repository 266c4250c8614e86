package automerge

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-github/v59/github"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/automerger/internal/buildpipeline"
)

const (
	org        = "xenorg"
	repo       = "xen"
	otherRepo  = "qemu-xen"
	baseBranch = "main"
	botLogin   = "xen-git"
	addrToken  = "@xen-git"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func initLogger(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
}

// noRetryer runs the function once.
type noRetryer struct{}

func (noRetryer) Run(ctx context.Context, fn func(context.Context) error, _ []zap.Field) error {
	return fn(ctx)
}

// prSliceIter iterates over a fixed list of pull requests.
type prSliceIter struct {
	prs []*github.PullRequest
}

func (it *prSliceIter) Next() (*github.PullRequest, error) {
	if len(it.prs) == 0 {
		return nil, nil
	}

	pr := it.prs[0]
	it.prs = it.prs[1:]

	return pr, nil
}

func newGithubPR(repository string, nr int, author, headSHA string) *github.PullRequest {
	return &github.PullRequest{
		Number:  github.Int(nr),
		State:   github.String("open"),
		Title:   github.String(fmt.Sprintf("change %d", nr)),
		HTMLURL: github.String(fmt.Sprintf("https://github.com/%s/%s/pull/%d", org, repository, nr)),
		User:    &github.User{Login: github.String(author)},
		Head: &github.PullRequestBranch{
			SHA: github.String(headSHA),
			Ref: github.String("feature"),
			Repo: &github.Repository{
				CloneURL: github.String(fmt.Sprintf("https://github.com/%s/%s.git", author, repository)),
			},
		},
		Base: &github.PullRequestBranch{
			Ref:  github.String(baseBranch),
			Repo: &github.Repository{Name: github.String(repository)},
		},
	}
}

func newTestPR(t *testing.T, ghPR *github.PullRequest) *PullRequest {
	t.Helper()

	pr, err := NewPullRequest(org, ghPR)
	require.NoError(t, err)

	return pr
}

func newComment(author, body string) *github.IssueComment {
	return &github.IssueComment{
		User: &github.User{Login: github.String(author)},
		Body: github.String(body),
	}
}

func approvalComment() *github.IssueComment {
	return newComment("carol", addrToken+": ok to merge.")
}

func reportComment(pr *github.PullRequest, baseSHA string, marker Marker) *github.IssueComment {
	r := Report{
		Pair: RefPair{
			PR:     fmt.Sprintf("%s/%s@%s", pr.GetUser().GetLogin(), pr.GetBase().GetRepo().GetName(), pr.GetHead().GetSHA()),
			Branch: fmt.Sprintf("%s/%s@%s", org, pr.GetBase().GetRepo().GetName(), baseSHA),
		},
		Marker: marker,
	}

	return newComment(botLogin, r.String())
}

func testPrincipals() *Principals {
	return &Principals{
		Authors:   toStrSet([]string{"alice", "bob"}),
		Approvers: toStrSet([]string{"carol"}),
	}
}

func newTestApprovalMatcher(t *testing.T) *ApprovalMatcher {
	t.Helper()

	m, err := NewApprovalMatcher(addrToken, []string{"ok to merge", "merge it", "go ahead"})
	require.NoError(t, err)

	return m
}

func newTestEvaluator(t *testing.T, clt GithubClient) *Evaluator {
	t.Helper()

	return NewEvaluator(
		botLogin,
		newTestApprovalMatcher(t),
		NewDependencyChecker(clt, noRetryer{}, org, []string{repo, otherRepo}),
	)
}

var errStepFailed = errors.New("exit status 2")

// recordingRunner records the names of executed steps.
// The step named failOn returns a *buildpipeline.StepError.
type recordingRunner struct {
	steps  []*buildpipeline.Step
	failOn string
}

func (r *recordingRunner) Run(_ context.Context, step *buildpipeline.Step) error {
	r.steps = append(r.steps, step)

	if step.Name == r.failOn {
		return &buildpipeline.StepError{
			Step: step,
			Tail: []string{"compiling xen.c", "error: boom"},
			Err:  errStepFailed,
		}
	}

	return nil
}

func (r *recordingRunner) stepNames() []string {
	result := make([]string, 0, len(r.steps))
	for _, s := range r.steps {
		result = append(result, s.Name)
	}

	return result
}
