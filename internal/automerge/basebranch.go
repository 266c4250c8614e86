package automerge

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/automerger/internal/logfields"
)

// BranchID identifies a github branch uniquely
type BranchID struct {
	RepositoryOwner string
	Repository      string
	Branch          string
}

func NewBranchID(owner, repo, branch string) (*BranchID, error) {
	if owner == "" {
		return nil, errors.New("repositoryOwner is empty")
	}

	if repo == "" {
		return nil, errors.New("repository is empty")
	}

	if branch == "" {
		return nil, errors.New("branch is empty")
	}

	return &BranchID{
		RepositoryOwner: owner,
		Repository:      repo,
		Branch:          branch,
	}, nil
}

func (b *BranchID) String() string {
	return fmt.Sprintf("%s/%s branch: %s", b.RepositoryOwner, b.Repository, b.Branch)
}

// Ref returns the reference string of the branch pointing to sha, in the form
// owner/repository@sha.
func (b *BranchID) Ref(sha string) string {
	return fmt.Sprintf("%s/%s@%s", b.RepositoryOwner, b.Repository, sha)
}

func (b *BranchID) LogFields() []zap.Field {
	return []zap.Field{
		logfields.RepositoryOwner(b.RepositoryOwner),
		logfields.Repository(b.Repository),
		logfields.BaseBranch(b.Branch),
	}
}
