package automerge

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/automerger/internal/githubclt"
)

// Dependency is a pull request that must be merged before the pull request
// declaring it can be processed.
type Dependency struct {
	Repository string
	Number     int
}

func (d *Dependency) String() string {
	return fmt.Sprintf("%s#%d", d.Repository, d.Number)
}

// DependencyError is returned when a dependency is not satisfied or can not
// be evaluated.
type DependencyError struct {
	// Dependency is the declaration the error is about, it is the raw
	// text for malformed declarations.
	Dependency string
	Reason     string
	Err        error
}

func (e *DependencyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dependency %s: %s: %s", e.Dependency, e.Reason, e.Err)
	}

	return fmt.Sprintf("dependency %s: %s", e.Dependency, e.Reason)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

var (
	dependsOnLineRe = regexp.MustCompile(`(?im)^[ \t]*depends-on[ \t]*:(.*)$`)
	dependencyRe    = regexp.MustCompile(`^([A-Za-z0-9_.-]+)?#([0-9]+)$`)
)

// ParseDependencies returns the dependencies declared in a pull request
// body.
// Dependencies are declared in lines of the form:
//
//	Depends-On: #12, other-repo#34
//
// A declaration without repository refers to defaultRepo.
// A *DependencyError is returned for malformed declarations.
func ParseDependencies(body, defaultRepo string) ([]*Dependency, error) {
	var result []*Dependency

	for _, m := range dependsOnLineRe.FindAllStringSubmatch(body, -1) {
		entries := strings.FieldsFunc(m[1], func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\r'
		})

		if len(entries) == 0 {
			return nil, &DependencyError{
				Dependency: strings.TrimSpace(m[0]),
				Reason:     "declaration is empty",
			}
		}

		for _, e := range entries {
			parts := dependencyRe.FindStringSubmatch(e)
			if parts == nil {
				return nil, &DependencyError{
					Dependency: e,
					Reason:     "malformed declaration, expected #<number> or <repository>#<number>",
				}
			}

			nr, err := strconv.Atoi(parts[2])
			if err != nil || nr <= 0 {
				return nil, &DependencyError{
					Dependency: e,
					Reason:     "invalid pull request number",
					Err:        err,
				}
			}

			repo := parts[1]
			if repo == "" {
				repo = defaultRepo
			}

			result = append(result, &Dependency{Repository: repo, Number: nr})
		}
	}

	return result, nil
}

// DependencyChecker checks if the dependencies of a pull request are merged.
// Dependencies are only checked one level deep, the dependencies of
// dependencies are not evaluated.
type DependencyChecker struct {
	clt          GithubClient
	retryer      Retryer
	org          string
	repositories map[string]struct{}
}

func NewDependencyChecker(clt GithubClient, retryer Retryer, org string, repositories []string) *DependencyChecker {
	return &DependencyChecker{
		clt:          clt,
		retryer:      retryer,
		org:          org,
		repositories: toStrSet(repositories),
	}
}

// Check returns nil if all dependencies declared in the body of pr are
// merged.
// Otherwise a *DependencyError is returned. This is the case when a
// declaration is malformed, refers to a repository that is not configured,
// the dependency can not be fetched or is not merged.
// If ctx is done, the context error is returned.
func (d *DependencyChecker) Check(ctx context.Context, pr *PullRequest) error {
	deps, err := ParseDependencies(pr.Body, pr.Base.Repository)
	if err != nil {
		return err
	}

	for _, dep := range deps {
		if _, exists := d.repositories[dep.Repository]; !exists {
			return &DependencyError{
				Dependency: dep.String(),
				Reason:     "repository is not configured",
			}
		}

		var state *githubclt.PullRequestState

		err := d.retryer.Run(ctx, func(ctx context.Context) error {
			var err error
			state, err = d.clt.PullRequestMerged(ctx, d.org, dep.Repository, dep.Number)
			return err
		}, append(pr.LogFields, zap.Stringer("dependency", dep)))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return &DependencyError{
				Dependency: dep.String(),
				Reason:     "fetching pull request failed",
				Err:        err,
			}
		}

		if state.Closed && !state.Merged {
			return &DependencyError{
				Dependency: dep.String(),
				Reason:     "pull request was closed without being merged",
			}
		}

		if !state.Merged {
			return &DependencyError{
				Dependency: dep.String(),
				Reason:     "pull request is not merged",
			}
		}
	}

	return nil
}
