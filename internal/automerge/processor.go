package automerge

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/simplesurance/automerger/internal/buildpipeline"
	"github.com/simplesurance/automerger/internal/logfields"
)

// Commands are the templates of the external commands of the build.
type Commands struct {
	Clean          *buildpipeline.CommandTemplate
	CloneManifest  *buildpipeline.CommandTemplate
	UpdateManifest *buildpipeline.CommandTemplate
	CloneComponent *buildpipeline.CommandTemplate
	Checkout       *buildpipeline.CommandTemplate
	FetchChange    *buildpipeline.CommandTemplate
	MergeChange    *buildpipeline.CommandTemplate
	BuildComponent *buildpipeline.CommandTemplate
	Push           *buildpipeline.CommandTemplate
	PushURL        *buildpipeline.CommandTemplate
}

// Repository is a configured repository and the build component it belongs
// to.
type Repository struct {
	Name      string
	Component string
}

type ProcessorConfig struct {
	Organization string
	Repositories []*Repository
	// WorkspaceDir is the directory that contains BuildDir.
	WorkspaceDir  string
	BuildDir      string
	ManifestURL   string
	RootComponent string
	Commands      *Commands
}

// Processor builds a candidate and merges it.
type Processor struct {
	cfg         *ProcessorConfig
	components  []string
	componentOf map[string]string

	lock     *buildpipeline.WorkspaceLock
	pipeline *buildpipeline.Pipeline
	verifier Verifier
	merger   *MergeExecutor
	tickets  *TicketCloser

	logger *zap.Logger
}

type ProcessorOpt func(*Processor)

// WithVerifier enables verifying whitespace-only commits.
func WithVerifier(v Verifier) ProcessorOpt {
	return func(p *Processor) {
		p.verifier = v
	}
}

// WithTicketCloser enables resolving tickets of merged pull requests.
func WithTicketCloser(t *TicketCloser) ProcessorOpt {
	return func(p *Processor) {
		p.tickets = t
	}
}

func NewProcessor(cfg *ProcessorConfig, pipeline *buildpipeline.Pipeline, merger *MergeExecutor, opts ...ProcessorOpt) *Processor {
	p := Processor{
		cfg:         cfg,
		componentOf: make(map[string]string, len(cfg.Repositories)),
		lock:        buildpipeline.NewWorkspaceLock(cfg.BuildDir),
		pipeline:    pipeline,
		merger:      merger,
		logger:      zap.L().Named(loggerName).Named("processor"),
	}

	seen := map[string]struct{}{}
	for _, r := range cfg.Repositories {
		p.componentOf[r.Name] = r.Component

		if _, exists := seen[r.Component]; !exists {
			p.components = append(p.components, r.Component)
			seen[r.Component] = struct{}{}
		}
	}

	for _, o := range opts {
		o(&p)
	}

	return &p
}

// stepParams are the values that are available in command templates.
type stepParams struct {
	BuildDir      string
	ManifestURL   string
	Org           string
	Repository    string
	Component     string
	RootComponent string
	Branch        string
	BaseSHA       string
	ForkURL       string
	HeadBranch    string
	HeadSHA       string
	PushURL       string
}

// buildPlan contains the steps to process a candidate.
type buildPlan struct {
	repoDir string
	setup   []*buildpipeline.Step
	build   []*buildpipeline.Step
	push    *buildpipeline.Step
}

type stepBuilder struct {
	params *stepParams
	err    error
}

func (b *stepBuilder) step(name, dir string, tmpl *buildpipeline.CommandTemplate, mutates bool) *buildpipeline.Step {
	if b.err != nil {
		return nil
	}

	cmd, err := tmpl.Render(b.params)
	if err != nil {
		b.err = err
		return nil
	}

	return &buildpipeline.Step{Name: name, Dir: dir, Command: cmd, Mutates: mutates}
}

func (p *Processor) plan(eval *Evaluation) (*buildPlan, error) {
	pr := eval.PR
	cmds := p.cfg.Commands

	component, exists := p.componentOf[pr.Base.Repository]
	if !exists {
		return nil, fmt.Errorf("repository %s is not configured", pr.Base.Repository)
	}

	params := stepParams{
		BuildDir:      p.cfg.BuildDir,
		ManifestURL:   p.cfg.ManifestURL,
		Org:           p.cfg.Organization,
		Repository:    pr.Base.Repository,
		Component:     component,
		RootComponent: p.cfg.RootComponent,
		Branch:        pr.Base.Branch,
		BaseSHA:       eval.BaseHead,
		ForkURL:       pr.HeadCloneURL,
		HeadBranch:    pr.HeadBranch,
		HeadSHA:       pr.HeadSHA,
	}

	pushURL, err := cmds.PushURL.Render(&params)
	if err != nil {
		return nil, err
	}
	params.PushURL = pushURL

	result := buildPlan{
		repoDir: filepath.Join(p.cfg.BuildDir, "myrepos", pr.Base.Repository),
	}
	b := stepBuilder{params: &params}

	result.setup = append(result.setup,
		b.step("clean", p.cfg.WorkspaceDir, cmds.Clean, false),
		b.step("clone_manifest", p.cfg.WorkspaceDir, cmds.CloneManifest, false),
		b.step("update_manifest", p.cfg.BuildDir, cmds.UpdateManifest, false),
	)

	for _, c := range p.components {
		cp := params
		cp.Component = c
		cb := stepBuilder{params: &cp}

		result.setup = append(result.setup, cb.step("clone_"+c, p.cfg.BuildDir, cmds.CloneComponent, false))
		if cb.err != nil {
			return nil, cb.err
		}
	}

	result.setup = append(result.setup,
		b.step("checkout", result.repoDir, cmds.Checkout, false),
		b.step("fetch_change", result.repoDir, cmds.FetchChange, false),
		b.step("merge_change", result.repoDir, cmds.MergeChange, false),
	)

	result.build = append(result.build, b.step("build_"+component, p.cfg.BuildDir, cmds.BuildComponent, false))

	if p.cfg.RootComponent != "" && component != p.cfg.RootComponent {
		rp := params
		rp.Component = p.cfg.RootComponent
		rb := stepBuilder{params: &rp}

		result.build = append(result.build, rb.step("build_"+p.cfg.RootComponent, p.cfg.BuildDir, cmds.BuildComponent, false))
		if rb.err != nil {
			return nil, rb.err
		}
	}

	result.push = b.step("push", result.repoDir, cmds.Push, true)

	if b.err != nil {
		return nil, b.err
	}

	return &result, nil
}

// Process builds the candidate and merges it when cand.Merge is true.
// The build workspace is recreated from scratch, the setup steps are always
// run. The build steps are skipped if cand.Rebuild is false.
func (p *Processor) Process(ctx context.Context, cand *Candidate) *Outcome {
	pr := cand.PR
	logger := p.logger.With(pr.LogFields...).With(
		logfields.Component(p.componentOf[pr.Base.Repository]),
		zap.Bool("merge", cand.Merge),
		zap.Bool("rebuild", cand.Rebuild),
	)

	plan, err := p.plan(cand.Evaluation)
	if err != nil {
		return newOutcome(err)
	}

	if err := p.lock.Lock(ctx); err != nil {
		return newOutcome(err)
	}
	defer func() {
		if err := p.lock.Unlock(); err != nil {
			logger.Warn("releasing workspace lock failed", logfields.Event("workspace_unlock_failed"), zap.Error(err))
		}
	}()

	logger.Info("processing pull request", logfields.Event("pull_request_processing_started"))

	if err := p.pipeline.Execute(ctx, plan.setup, pr.LogFields...); err != nil {
		return newOutcome(err)
	}

	var result Outcome

	if p.verifier != nil {
		res, err := p.verifier.Verify(ctx, plan.repoDir, cand.BaseHead, pr.HeadSHA)
		if err != nil {
			return newOutcome(err)
		}

		if res.Verified() {
			result.Verification = res
		}
	}

	if cand.Rebuild {
		if err := p.pipeline.Execute(ctx, plan.build, pr.LogFields...); err != nil {
			o := newOutcome(err)
			o.Verification = result.Verification
			return o
		}

		result.Rebuilt = true
	}

	if !cand.Merge {
		return &result
	}

	mergeRes, err := p.merger.Merge(ctx, cand.Evaluation, plan.push)
	if err != nil {
		o := newOutcome(err)
		o.Verification = result.Verification
		o.Rebuilt = result.Rebuilt
		return o
	}

	result.Merged = true

	if mergeRes.CloseErr != nil {
		result.Notes = append(result.Notes, fmt.Sprintf("Closing the pull request failed: %s", mergeRes.CloseErr))
	}

	if p.tickets != nil {
		if note := p.tickets.Close(ctx, pr, cand.Pair); note != "" {
			result.Notes = append(result.Notes, note)
		}
	}

	return &result
}
