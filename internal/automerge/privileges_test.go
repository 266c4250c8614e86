package automerge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/simplesurance/automerger/internal/automerge/mocks"
	"github.com/simplesurance/automerger/internal/githubclt"
)

var testTeams = []*githubclt.Team{
	{Slug: "admins", Name: "Admins", Permission: "admin"},
	{Slug: "committers", Name: "Committers", Permission: "push"},
	{Slug: "reviewers", Name: "Reviewers", Permission: "pull"},
	{Slug: "docs", Name: "Docs", Permission: "pull"},
}

func expectTeamMembers(clt *mocks.MockGithubClient) {
	clt.EXPECT().ListTeamMembers(gomock.Any(), org, "admins").Return([]string{"alice"}, nil).AnyTimes()
	clt.EXPECT().ListTeamMembers(gomock.Any(), org, "committers").Return([]string{"bob"}, nil).AnyTimes()
	clt.EXPECT().ListTeamMembers(gomock.Any(), org, "reviewers").Return([]string{"carol", "alice"}, nil).AnyTimes()
}

func newTestPrivilegeResolver(clt GithubClient, refreshEvery uint) *PrivilegeResolver {
	return NewPrivilegeResolver(clt, noRetryer{}, &PrivilegeResolverConfig{
		Organization:             org,
		TrustedAuthorPermissions: []string{"admin"},
		TrustedAuthorTeams:       []string{"Committers"},
		ApproverTeams:            []string{"reviewers"},
		RefreshEvery:             refreshEvery,
	})
}

func TestPrivilegeRefresh(t *testing.T) {
	initLogger(t)

	clt := mocks.NewMockGithubClient(gomock.NewController(t))
	clt.EXPECT().ListTeams(gomock.Any(), org).Return(testTeams, nil)
	expectTeamMembers(clt)

	p, err := newTestPrivilegeResolver(clt, 1).Refresh(context.Background())
	require.NoError(t, err)

	assert.True(t, p.IsTrustedAuthor("alice"))
	assert.True(t, p.IsTrustedAuthor("bob"))
	assert.False(t, p.IsTrustedAuthor("carol"))

	assert.True(t, p.IsApprover("carol"))
	assert.True(t, p.IsApprover("alice"))
	assert.False(t, p.IsApprover("bob"))
}

func TestPrivilegesAreRefreshedPeriodically(t *testing.T) {
	initLogger(t)

	clt := mocks.NewMockGithubClient(gomock.NewController(t))
	clt.EXPECT().ListTeams(gomock.Any(), org).Return(testTeams, nil).Times(2)
	expectTeamMembers(clt)

	resolver := newTestPrivilegeResolver(clt, 2)

	for i := 0; i < 3; i++ {
		p, err := resolver.Get(context.Background())
		require.NoError(t, err)
		assert.True(t, p.IsTrustedAuthor("alice"))
	}
}

func TestFailedPrivilegeRefreshDoesNotReturnStaleData(t *testing.T) {
	initLogger(t)

	listErr := errors.New("bad credentials")

	clt := mocks.NewMockGithubClient(gomock.NewController(t))
	gomock.InOrder(
		clt.EXPECT().ListTeams(gomock.Any(), org).Return(testTeams, nil),
		clt.EXPECT().ListTeams(gomock.Any(), org).Return(nil, listErr),
	)
	expectTeamMembers(clt)

	resolver := newTestPrivilegeResolver(clt, 1)

	_, err := resolver.Get(context.Background())
	require.NoError(t, err)

	p, err := resolver.Get(context.Background())
	require.ErrorIs(t, err, listErr)
	assert.Nil(t, p)
}
