package automerge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/automerger/internal/githubclt"
	"github.com/simplesurance/automerger/internal/logfields"
)

// Principals are the sets of github logins whose pull requests are processed
// and whose comments can approve merges.
type Principals struct {
	Authors   map[string]struct{}
	Approvers map[string]struct{}
}

func (p *Principals) IsTrustedAuthor(login string) bool {
	_, exists := p.Authors[login]
	return exists
}

func (p *Principals) IsApprover(login string) bool {
	_, exists := p.Approvers[login]
	return exists
}

// PrivilegeResolver determines the Principals from the team memberships in a
// github organization.
// Trusted authors are the members of teams that have one of the configured
// permissions or one of the configured trusted author team names.
// Approvers are the members of the configured approver teams.
type PrivilegeResolver struct {
	clt     GithubClient
	retryer Retryer
	org     string

	authorPermissions map[string]struct{}
	authorTeams       map[string]struct{}
	approverTeams     map[string]struct{}

	refreshEvery       uint
	cyclesSinceRefresh uint
	current            *Principals

	logger *zap.Logger
}

type PrivilegeResolverConfig struct {
	Organization             string
	TrustedAuthorPermissions []string
	TrustedAuthorTeams       []string
	ApproverTeams            []string
	// RefreshEvery is the number of Get() calls after that the principals
	// are fetched again.
	RefreshEvery uint
}

func NewPrivilegeResolver(clt GithubClient, retryer Retryer, cfg *PrivilegeResolverConfig) *PrivilegeResolver {
	refreshEvery := cfg.RefreshEvery
	if refreshEvery == 0 {
		refreshEvery = 1
	}

	return &PrivilegeResolver{
		clt:               clt,
		retryer:           retryer,
		org:               cfg.Organization,
		authorPermissions: toStrSet(cfg.TrustedAuthorPermissions),
		authorTeams:       toStrSet(cfg.TrustedAuthorTeams),
		approverTeams:     toStrSet(cfg.ApproverTeams),
		refreshEvery:      refreshEvery,
		logger:            zap.L().Named(loggerName).Named("privileges"),
	}
}

func teamMatches(set map[string]struct{}, team *githubclt.Team) bool {
	if _, exists := set[team.Slug]; exists {
		return true
	}

	_, exists := set[team.Name]
	return exists
}

// Get returns the Principals, they are refreshed when Get was called
// RefreshEvery times since the last refresh.
// If refreshing fails, an error is returned instead of the outdated
// principals.
func (r *PrivilegeResolver) Get(ctx context.Context) (*Principals, error) {
	if r.current != nil && r.cyclesSinceRefresh < r.refreshEvery {
		r.cyclesSinceRefresh++
		return r.current, nil
	}

	p, err := r.Refresh(ctx)
	if err != nil {
		return nil, err
	}

	r.cyclesSinceRefresh = 1

	return p, nil
}

// Refresh fetches the principals from github.
func (r *PrivilegeResolver) Refresh(ctx context.Context) (*Principals, error) {
	var teams []*githubclt.Team

	logF := []zap.Field{zap.String("github.organization", r.org)}

	err := r.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		teams, err = r.clt.ListTeams(ctx, r.org)
		return err
	}, logF)
	if err != nil {
		return nil, fmt.Errorf("listing teams of organization %s failed: %w", r.org, err)
	}

	result := Principals{
		Authors:   map[string]struct{}{},
		Approvers: map[string]struct{}{},
	}

	for _, team := range teams {
		_, hasAuthorPermission := r.authorPermissions[team.Permission]
		isAuthorTeam := hasAuthorPermission || teamMatches(r.authorTeams, team)
		isApproverTeam := teamMatches(r.approverTeams, team)

		if !isAuthorTeam && !isApproverTeam {
			continue
		}

		var members []string
		err := r.retryer.Run(ctx, func(ctx context.Context) error {
			var err error
			members, err = r.clt.ListTeamMembers(ctx, r.org, team.Slug)
			return err
		}, append(logF, zap.String("github.team", team.Slug)))
		if err != nil {
			return nil, fmt.Errorf("listing members of team %s failed: %w", team.Slug, err)
		}

		for _, m := range members {
			if isAuthorTeam {
				result.Authors[m] = struct{}{}
			}

			if isApproverTeam {
				result.Approvers[m] = struct{}{}
			}
		}
	}

	r.current = &result

	r.logger.Info(
		"trusted principals refreshed",
		logfields.Event("privileges_refreshed"),
		zap.Strings("trusted_authors", strSetToSlice(result.Authors)),
		zap.Strings("approvers", strSetToSlice(result.Approvers)),
	)

	return &result, nil
}
