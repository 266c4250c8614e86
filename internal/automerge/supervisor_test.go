package automerge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/simplesurance/automerger/internal/automerge/mocks"
	"github.com/simplesurance/automerger/internal/buildpipeline"
	"github.com/simplesurance/automerger/internal/githubclt"
	"github.com/simplesurance/automerger/internal/verify"
)

const (
	testShortDelay = time.Minute
	testLongDelay  = time.Hour
)

type supervisorTestEnv struct {
	clt        *mocks.MockGithubClient
	runner     *recordingRunner
	status     *Status
	supervisor *Supervisor
	reports    []string
}

func newSupervisorTestEnv(t *testing.T, cycleTimeout time.Duration) *supervisorTestEnv {
	t.Helper()
	initLogger(t)

	clt := mocks.NewMockGithubClient(gomock.NewController(t))
	runner := &recordingRunner{}
	pipeline := buildpipeline.NewPipeline(runner)
	status := NewStatus(false, []string{repo})

	env := supervisorTestEnv{
		clt:    clt,
		runner: runner,
		status: status,
		supervisor: NewSupervisor(
			SupervisorConfig{
				ShortDelay:   testShortDelay,
				LongDelay:    testLongDelay,
				CycleTimeout: cycleTimeout,
			},
			clt,
			noRetryer{},
			newTestPrivilegeResolver(clt, 10),
			NewSelector(clt, noRetryer{}, newTestEvaluator(t, clt), org, []string{repo}),
			NewProcessor(newTestProcessorConfig(t), pipeline, NewMergeExecutor(clt, noRetryer{}, pipeline)),
			status,
		),
	}

	clt.EXPECT().BranchHead(gomock.Any(), org, repo, baseBranch).Return(baseSHA, nil).AnyTimes()
	clt.EXPECT().
		CreateIssueComment(gomock.Any(), org, repo, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, _ int, body string) error {
			env.reports = append(env.reports, body)
			return nil
		}).
		AnyTimes()

	return &env
}

func (e *supervisorTestEnv) expectPrivileges() {
	e.clt.EXPECT().ListTeams(gomock.Any(), org).Return(testTeams, nil).AnyTimes()
	expectTeamMembers(e.clt)
}

func (e *supervisorTestEnv) openPRs(prs ...*github.PullRequest) {
	e.clt.EXPECT().
		ListPullRequests(gomock.Any(), org, repo, "open", "created", "asc").
		Return(&prSliceIter{prs: prs})
}

// approvedPR returns a pull request of bob that was approved by carol.
func (e *supervisorTestEnv) approvedPR() *github.PullRequest {
	pr := newGithubPR(repo, 1, "bob", "head1")
	e.clt.EXPECT().ListIssueComments(gomock.Any(), org, repo, 1).Return([]*github.IssueComment{approvalComment()}, nil)

	return pr
}

func TestCycleMergesApprovedPR(t *testing.T) {
	env := newSupervisorTestEnv(t, time.Minute)
	env.expectPrivileges()

	pr := env.approvedPR()
	env.openPRs(pr)
	env.clt.EXPECT().GetPullRequest(gomock.Any(), org, repo, 1).Return(pr, nil)
	env.clt.EXPECT().ClosePullRequest(gomock.Any(), org, repo, 1).Return(nil)

	kind, delay := env.supervisor.RunCycle(context.Background())

	assert.Equal(t, KindSuccess, kind)
	assert.Zero(t, delay)
	assert.Contains(t, env.runner.stepNames(), "push")
	require.Len(t, env.reports, 1)
	assert.Equal(t, "### bob/xen@head1 ⇒ xenorg/xen@base1: Build succeeded. Merged.", env.reports[0])
}

func TestCycleReportsBuildFailure(t *testing.T) {
	env := newSupervisorTestEnv(t, time.Minute)
	env.expectPrivileges()
	env.runner.failOn = "build_xen"

	env.openPRs(env.approvedPR())

	kind, delay := env.supervisor.RunCycle(context.Background())

	assert.Equal(t, KindBuildFailure, kind)
	assert.Zero(t, delay)
	assert.NotContains(t, env.runner.stepNames(), "push")

	require.Len(t, env.reports, 1)
	assert.Equal(t,
		"### bob/xen@head1 ⇒ xenorg/xen@base1: Build failed.\n\n"+
			"Failed when executing:\n"+
			"    make xen-build\n"+
			"Error log:\n"+
			"    compiling xen.c\n"+
			"    error: boom",
		env.reports[0],
	)

	r, err := ParseReport(env.reports[0])
	require.NoError(t, err)
	assert.Equal(t, MarkerBuildFailed, r.Marker)
}

func TestDryRunCycleWaitsShortDelay(t *testing.T) {
	env := newSupervisorTestEnv(t, time.Minute)
	env.supervisor.cfg.DryRun = true
	env.expectPrivileges()
	env.runner.failOn = "build_xen"

	env.openPRs(env.approvedPR())

	kind, delay := env.supervisor.RunCycle(context.Background())

	assert.Equal(t, KindBuildFailure, kind)
	assert.Equal(t, testShortDelay, delay)
}

func TestCycleWithoutCandidateWaitsShortDelay(t *testing.T) {
	env := newSupervisorTestEnv(t, time.Minute)
	env.expectPrivileges()
	env.openPRs()

	kind, delay := env.supervisor.RunCycle(context.Background())

	assert.Equal(t, KindSuccess, kind)
	assert.Equal(t, testShortDelay, delay)
	assert.Empty(t, env.runner.steps)
	assert.Empty(t, env.reports)
}

func TestCyclePostsDependencyNotice(t *testing.T) {
	env := newSupervisorTestEnv(t, time.Minute)
	env.expectPrivileges()

	pr := env.approvedPR()
	pr.Body = github.String("Depends-On: #3")
	env.openPRs(pr)
	env.clt.EXPECT().PullRequestMerged(gomock.Any(), org, repo, 3).Return(&githubclt.PullRequestState{}, nil)

	kind, delay := env.supervisor.RunCycle(context.Background())

	assert.Equal(t, KindSuccess, kind)
	assert.Equal(t, testShortDelay, delay)
	assert.Empty(t, env.runner.steps)

	require.Len(t, env.reports, 1)
	assert.Equal(t,
		"### bob/xen@head1 ⇒ xenorg/xen@base1: Dependencies unmet. dependency xen#3: pull request is not merged",
		env.reports[0],
	)
}

func TestFailedPrivilegeRefreshDelaysNextCycle(t *testing.T) {
	env := newSupervisorTestEnv(t, time.Minute)
	env.clt.EXPECT().ListTeams(gomock.Any(), org).Return(nil, errors.New("bad credentials"))

	kind, delay := env.supervisor.RunCycle(context.Background())

	assert.Equal(t, KindUnclassified, kind)
	assert.Equal(t, testLongDelay, delay)
	assert.Empty(t, env.reports)
}

func TestCyclePanicIsRecovered(t *testing.T) {
	env := newSupervisorTestEnv(t, time.Minute)
	env.clt.EXPECT().ListTeams(gomock.Any(), org).DoAndReturn(func(context.Context, string) ([]*githubclt.Team, error) {
		panic("nil map")
	})

	kind, delay := env.supervisor.RunCycle(context.Background())

	assert.Equal(t, KindUnclassified, kind)
	assert.Equal(t, testLongDelay, delay)
}

func TestTimedOutProcessingIsReported(t *testing.T) {
	env := newSupervisorTestEnv(t, 0)
	env.expectPrivileges()
	env.openPRs(env.approvedPR())

	kind, delay := env.supervisor.RunCycle(context.Background())

	assert.Equal(t, KindTimeout, kind)
	assert.Equal(t, testLongDelay, delay)
	assert.Empty(t, env.runner.steps)

	require.Len(t, env.reports, 1)
	assert.True(t,
		strings.HasPrefix(env.reports[0], "### bob/xen@head1 ⇒ xenorg/xen@base1: Processing failed. Timed out: "),
		env.reports[0],
	)
}

func TestRunTerminatesWhenContextIsCancelled(t *testing.T) {
	env := newSupervisorTestEnv(t, time.Minute)
	env.expectPrivileges()
	env.openPRs()

	ctx, cancelFn := context.WithCancel(context.Background())
	cancelFn()

	env.supervisor.Run(ctx)
}

func TestBuildReportOfFallbackCandidate(t *testing.T) {
	cand := newTestCandidate(t, repo, false, true)

	r := buildReport(cand, &Outcome{
		Kind:         KindSuccess,
		Rebuilt:      true,
		Verification: &verify.Result{TaggedCommits: 2, VerifiedFiles: []string{"a.c", "b.c", "c.h"}},
	})

	assert.Equal(t, MarkerBuildSucceeded, r.Marker)
	assert.Equal(t, "Can be merged after approval.", r.Message)
	assert.Equal(t, "Verified 2 whitespace-only commit(s), the normalized content of 3 file(s) is unchanged.", r.Details)
	assert.Equal(t, cand.Pair, r.Pair)
}

func TestBuildReportOfMergeWithoutRebuild(t *testing.T) {
	cand := newTestCandidate(t, repo, true, false)

	r := buildReport(cand, &Outcome{
		Kind:   KindSuccess,
		Merged: true,
		Notes:  []string{"Resolved ticket XEN-1."},
	})

	assert.Equal(t, MarkerMerged, r.Marker)
	assert.Empty(t, r.Message)
	assert.Equal(t, "Build was skipped, it succeeded before for the same state.\n\nResolved ticket XEN-1.", r.Details)
}

func TestBuildReportMessageIsSingleLine(t *testing.T) {
	cand := newTestCandidate(t, repo, true, true)

	r := buildReport(cand, &Outcome{
		Kind: KindUnclassified,
		Err:  errors.New("unexpected response:\n  502 bad gateway"),
	})

	assert.Equal(t, MarkerProcessingFailed, r.Marker)
	assert.Equal(t, "unexpected response: 502 bad gateway", r.Message)

	parsed, err := ParseReport(r.String())
	require.NoError(t, err)
	assert.Equal(t, r.Message, parsed.Message)
}
