package automerge

import (
	"errors"
	"fmt"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/automerger/internal/logfields"
)

// PullRequest is an open pull request of a configured repository.
type PullRequest struct {
	Number int
	Author string
	Title  string
	Body   string
	URL    string

	// Base is the target branch.
	Base BranchID

	HeadSHA    string
	HeadBranch string
	// HeadCloneURL is the clone URL of the repository containing the
	// head branch, usually the fork of the author.
	HeadCloneURL string

	LogFields []zap.Field
}

// Comment is a comment of a pull request.
type Comment struct {
	Author string
	Body   string
}

func NewPullRequest(owner string, pr *github.PullRequest) (*PullRequest, error) {
	if pr.GetNumber() <= 0 {
		return nil, fmt.Errorf("number is %d, must be >0", pr.GetNumber())
	}

	author := pr.GetUser().GetLogin()
	if author == "" {
		return nil, errors.New("author is empty")
	}

	headSHA := pr.GetHead().GetSHA()
	if headSHA == "" {
		return nil, errors.New("head sha is empty")
	}

	base, err := NewBranchID(owner, pr.GetBase().GetRepo().GetName(), pr.GetBase().GetRef())
	if err != nil {
		return nil, fmt.Errorf("base branch: %w", err)
	}

	headCloneURL := pr.GetHead().GetRepo().GetCloneURL()
	if headCloneURL == "" {
		return nil, errors.New("clone url of head repository is empty")
	}

	logF := append(
		base.LogFields(),
		logfields.PullRequest(pr.GetNumber()),
		logfields.Author(author),
		logfields.Branch(pr.GetHead().GetRef()),
		logfields.Commit(headSHA),
	)

	return &PullRequest{
		Number:       pr.GetNumber(),
		Author:       author,
		Title:        pr.GetTitle(),
		Body:         pr.GetBody(),
		URL:          pr.GetHTMLURL(),
		Base:         *base,
		HeadSHA:      headSHA,
		HeadBranch:   pr.GetHead().GetRef(),
		HeadCloneURL: headCloneURL,
		// capacity is clipped, appending to LogFields always copies
		LogFields: logF[:len(logF):len(logF)],
	}, nil
}

// Ref returns the reference string of the pull request head, in the form
// author/repository@sha.
func (p *PullRequest) Ref() string {
	return fmt.Sprintf("%s/%s@%s", p.Author, p.Base.Repository, p.HeadSHA)
}

func (p *PullRequest) String() string {
	return fmt.Sprintf("%s/%s#%d", p.Base.RepositoryOwner, p.Base.Repository, p.Number)
}

func toComments(in []*github.IssueComment) []*Comment {
	result := make([]*Comment, 0, len(in))

	for _, c := range in {
		result = append(result, &Comment{
			Author: c.GetUser().GetLogin(),
			Body:   c.GetBody(),
		})
	}

	return result
}
