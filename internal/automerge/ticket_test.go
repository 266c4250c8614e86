package automerge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/simplesurance/automerger/internal/automerge/mocks"
)

const testTicketKeyPattern = `^\s*([A-Z][A-Z0-9]+-[0-9]+)\b`

func TestTicketKey(t *testing.T) {
	closer, err := NewTicketCloser(nil, noRetryer{}, testTicketKeyPattern)
	require.NoError(t, err)

	assert.Equal(t, "XEN-123", closer.TicketKey("XEN-123: fix credit scheduler"))
	assert.Equal(t, "XEN2-7", closer.TicketKey("  XEN2-7 tools: drop python2"))
	assert.Empty(t, closer.TicketKey("fix credit scheduler, XEN-123"))
	assert.Empty(t, closer.TicketKey("xen-123: lowercase"))
}

func TestTicketCloseWithoutKeyDoesNothing(t *testing.T) {
	initLogger(t)

	svc := mocks.NewMockTicketService(gomock.NewController(t))
	closer, err := NewTicketCloser(svc, noRetryer{}, testTicketKeyPattern)
	require.NoError(t, err)

	pr := newTestPR(t, newGithubPR(repo, 1, "alice", "head1"))
	assert.Empty(t, closer.Close(context.Background(), pr, RefPair{}))
}

func TestTicketCloseResolvesAndComments(t *testing.T) {
	initLogger(t)

	svc := mocks.NewMockTicketService(gomock.NewController(t))
	closer, err := NewTicketCloser(svc, noRetryer{}, testTicketKeyPattern)
	require.NoError(t, err)

	pr := newTestPR(t, newGithubPR(repo, 1, "alice", "head1"))
	pr.Title = "XEN-9: fix"
	pair := RefPair{PR: pr.Ref(), Branch: "xenorg/xen@base1"}

	gomock.InOrder(
		svc.EXPECT().Resolve(gomock.Any(), "XEN-9").Return(nil),
		svc.EXPECT().
			AddComment(gomock.Any(), "XEN-9", "Merged alice/xen@head1 into xenorg/xen@base1: https://github.com/xenorg/xen/pull/1").
			Return(nil),
	)

	assert.Equal(t, "Resolved ticket XEN-9.", closer.Close(context.Background(), pr, pair))
}

func TestTicketCloseFailureIsReturnedAsNote(t *testing.T) {
	initLogger(t)

	svc := mocks.NewMockTicketService(gomock.NewController(t))
	closer, err := NewTicketCloser(svc, noRetryer{}, testTicketKeyPattern)
	require.NoError(t, err)

	pr := newTestPR(t, newGithubPR(repo, 1, "alice", "head1"))
	pr.Title = "XEN-9: fix"

	svc.EXPECT().Resolve(gomock.Any(), "XEN-9").Return(errors.New("no transition to status Resolved"))

	note := closer.Close(context.Background(), pr, RefPair{})
	assert.Contains(t, note, "Resolving ticket XEN-9 failed")
	assert.Contains(t, note, "no transition")
}

func TestNewTicketCloserFailsOnInvalidPattern(t *testing.T) {
	_, err := NewTicketCloser(nil, noRetryer{}, "([A-Z")
	require.Error(t, err)
}
