package automerge

import (
	"context"

	"go.uber.org/zap"
)

// RefCache resolves the head commits of branches.
// Results are cached for the lifetime of the RefCache.
// A new RefCache must be created for every cycle, branches move.
// RefCache is not safe for concurrent use.
type RefCache struct {
	clt     GithubClient
	retryer Retryer
	heads   map[BranchID]string
}

func NewRefCache(clt GithubClient, retryer Retryer) *RefCache {
	return &RefCache{
		clt:     clt,
		retryer: retryer,
		heads:   map[BranchID]string{},
	}
}

// Head returns the commit the branch points to.
func (c *RefCache) Head(ctx context.Context, branch *BranchID) (string, error) {
	if sha, exists := c.heads[*branch]; exists {
		return sha, nil
	}

	var sha string

	err := c.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		sha, err = c.clt.BranchHead(ctx, branch.RepositoryOwner, branch.Repository, branch.Branch)
		return err
	}, append(branch.LogFields(), zap.String("operation", "branch_head")))
	if err != nil {
		return "", err
	}

	c.heads[*branch] = sha

	return sha, nil
}
