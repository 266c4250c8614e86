package automerge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDirective(t *testing.T) {
	m := newTestApprovalMatcher(t)

	tcs := []struct {
		body     string
		expected bool
	}{
		{"@xen-git: ok to merge", true},
		{"@xen-git ok to merge.", true},
		{"@XEN-GIT, Merge it!", true},
		{"@xen-git: thanks for the fix. Go ahead.", true},
		{"  @xen-git:\nlooks fine\nok to merge\n", true},
		{"@xen-git: ok to merge later", false},
		{"@xen-git: not ok to merge", false},
		{"ok to merge", false},
		{"please @xen-git: ok to merge", false},
		{"@xen-git", false},
		{"", false},
	}

	for _, tc := range tcs {
		t.Run(tc.body, func(t *testing.T) {
			assert.Equal(t, tc.expected, m.IsDirective(tc.body))
		})
	}
}

func TestApprovedIgnoresNonApprovers(t *testing.T) {
	m := newTestApprovalMatcher(t)
	principals := testPrincipals()

	comments := []*Comment{
		{Author: "alice", Body: "@xen-git: ok to merge"},
		{Author: "mallory", Body: "@xen-git: ok to merge"},
	}
	assert.False(t, m.Approved(comments, principals))

	comments = append(comments, &Comment{Author: "carol", Body: "@xen-git: ok to merge"})
	assert.True(t, m.Approved(comments, principals))
}

func TestApprovalIsNotRevokedByLaterComments(t *testing.T) {
	m := newTestApprovalMatcher(t)

	comments := []*Comment{
		{Author: "carol", Body: "@xen-git: ok to merge"},
		{Author: botLogin, Body: "### alice/xen@a ⇒ xenorg/xen@b: Build failed."},
		{Author: "carol", Body: "hm, this needs another look"},
	}

	assert.True(t, m.Approved(comments, testPrincipals()))
}

func TestNewApprovalMatcherFailsOnInvalidInput(t *testing.T) {
	_, err := NewApprovalMatcher("", []string{"ok"})
	require.Error(t, err)

	_, err = NewApprovalMatcher(addrToken, nil)
	require.Error(t, err)

	_, err = NewApprovalMatcher(addrToken, []string{"ok ("})
	require.Error(t, err)
}
