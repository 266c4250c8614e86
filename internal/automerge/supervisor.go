package automerge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/automerger/internal/buildpipeline"
	"github.com/simplesurance/automerger/internal/logfields"
)

const reportTimeout = 2 * time.Minute

type SupervisorConfig struct {
	// ShortDelay is the pause after a cycle without a candidate.
	ShortDelay time.Duration
	// LongDelay is the pause after a cycle that failed unexpectedly or
	// timed out.
	LongDelay time.Duration
	// CycleTimeout is the max. duration of selecting a candidate and of
	// processing it.
	CycleTimeout time.Duration
	// DryRun is set when reports are not posted. Pull requests are then
	// reselected every cycle, ShortDelay is applied after each cycle that
	// processed one.
	DryRun bool
}

// Supervisor runs cycles of selecting and processing pull requests.
// Cycles are run sequentially.
type Supervisor struct {
	cfg SupervisorConfig

	clt        GithubClient
	retryer    Retryer
	privileges *PrivilegeResolver
	selector   *Selector
	processor  *Processor

	cycle  uint64
	status *Status
	logger *zap.Logger
}

func NewSupervisor(
	cfg SupervisorConfig,
	clt GithubClient,
	retryer Retryer,
	privileges *PrivilegeResolver,
	selector *Selector,
	processor *Processor,
	status *Status,
) *Supervisor {
	if status == nil {
		status = &Status{}
	}

	return &Supervisor{
		cfg:        cfg,
		clt:        clt,
		retryer:    retryer,
		privileges: privileges,
		selector:   selector,
		processor:  processor,
		status:     status,
		logger:     zap.L().Named(loggerName).Named("supervisor"),
	}
}

// Run executes cycles until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		_, delay := s.RunCycle(ctx)

		if delay > 0 {
			s.logger.Debug(
				"sleeping until next cycle",
				logfields.Event("supervisor_sleeping"),
				zap.Duration("delay", delay),
			)
		}

		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("supervisor terminating", logEventSupervisorStopping)
			return

		case <-timer.C:
		}
	}
}

// RunCycle selects a candidate and processes it.
// It returns the outcome of the cycle and the delay until the next cycle
// should start.
// Panics are recovered and result in KindUnclassified.
func (s *Supervisor) RunCycle(ctx context.Context) (kind Kind, delay time.Duration) {
	s.cycle++
	start := time.Now()
	logger := s.logger.With(logfields.Cycle(s.cycle))

	defer func() {
		if r := recover(); r != nil {
			logger.Error(
				"cycle panicked",
				logEventCyclePanic,
				zap.String("panic", fmt.Sprintf("%v", r)),
				zap.StackSkip("stacktrace", 1),
			)

			kind = KindUnclassified
			delay = s.cfg.LongDelay
		}

		metrics.CycleFinished(kind, time.Since(start))
		s.status.cycleFinished(s.cycle, kind)

		logger.Debug(
			"cycle finished",
			logEventCycleFinished,
			logFieldOutcome(kind),
			zap.Duration("duration", time.Since(start)),
		)
	}()

	logger.Debug("cycle started", logEventCycleStarted)

	principals, err := s.privileges.Get(ctx)
	if err != nil {
		kind = classify(err)
		logger.Error(
			"retrieving trusted principals failed",
			logEventPrivilegesFailed,
			logFieldOutcome(kind),
			zap.Error(err),
		)

		return kind, s.delay(kind)
	}

	// a new cache per cycle, branch heads change between cycles
	refs := NewRefCache(s.clt, s.retryer)

	selCtx, cancelFn := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	sel, err := s.selector.Select(selCtx, principals, refs)
	cancelFn()
	if err != nil {
		kind = classify(err)
		logger.Error(
			"selecting pull request failed",
			logEventSelectionFailed,
			logFieldOutcome(kind),
			zap.Error(err),
		)

		return kind, s.delay(kind)
	}

	for _, blocked := range sel.Blocked {
		if blocked.NeedsNotice() {
			s.report(ctx, blocked.PR, blocked.NoticeReport())
		}
	}

	if sel.Candidate == nil {
		logger.Info("no pull request to process", logEventNoCandidate)
		return KindSuccess, s.cfg.ShortDelay
	}

	cand := sel.Candidate
	metrics.CandidateSelected(cand)
	s.status.candidateSelected(cand)

	logger.Info(
		"pull request selected",
		append(append([]zap.Field{logEventCandidateSelected}, cand.PR.LogFields...), cand.LogFields()...)...,
	)

	procCtx, cancelFn := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	outcome := s.processor.Process(procCtx, cand)
	cancelFn()

	if ctx.Err() != nil {
		// terminating, the result is not reported, the pull request
		// is processed again after the restart
		return outcome.Kind, 0
	}

	s.reportOutcome(ctx, cand, outcome)

	return outcome.Kind, s.delay(outcome.Kind)
}

func (s *Supervisor) delay(k Kind) time.Duration {
	switch k {
	case KindSuccess, KindDependencyUnmet, KindBuildFailure, KindMergeConflict, KindVerificationFailure:
		if s.cfg.DryRun {
			return s.cfg.ShortDelay
		}
		return 0
	case KindTimeout, KindUnclassified:
		return s.cfg.LongDelay
	default:
		return s.cfg.LongDelay
	}
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// buildReport creates the report about the processing of cand.
func buildReport(cand *Candidate, o *Outcome) *Report {
	r := Report{Pair: cand.Pair}
	var details []string

	if o.Verification != nil {
		details = append(details, fmt.Sprintf(
			"Verified %d whitespace-only commit(s), the normalized content of %d file(s) is unchanged.",
			o.Verification.TaggedCommits, len(o.Verification.VerifiedFiles),
		))
	}

	switch o.Kind {
	case KindSuccess:
		if o.Merged {
			r.Marker = MarkerMerged
		} else {
			r.Marker = MarkerBuildSucceeded
			if !cand.Merge {
				r.Message = "Can be merged after approval."
			}
		}

		if !o.Rebuilt && o.Merged {
			details = append(details, "Build was skipped, it succeeded before for the same state.")
		}

	case KindDependencyUnmet:
		r.Marker = MarkerDependenciesUnmet
		r.Message = singleLine(o.Err.Error())

	case KindBuildFailure:
		r.Marker = MarkerBuildFailed
		details = append(details, stepFailureDetails(o.Err))

	case KindMergeConflict:
		r.Marker = MarkerMergeFailed
		r.Message = singleLine(o.Err.Error())
		details = append(details, stepFailureDetails(o.Err))

	case KindVerificationFailure:
		r.Marker = MarkerVerificationFailed
		r.Message = singleLine(o.Err.Error())

	case KindTimeout:
		r.Marker = MarkerProcessingFailed
		r.Message = "Timed out: " + singleLine(o.Err.Error())

	case KindUnclassified:
		r.Marker = MarkerProcessingFailed
		r.Message = singleLine(o.Err.Error())

	default:
		panic(fmt.Sprintf("unsupported outcome kind: %d", o.Kind))
	}

	details = append(details, o.Notes...)

	var nonEmpty []string
	for _, d := range details {
		if d != "" {
			nonEmpty = append(nonEmpty, d)
		}
	}

	r.Details = strings.Join(nonEmpty, "\n\n")

	return &r
}

func stepFailureDetails(err error) string {
	var stepErr *buildpipeline.StepError
	if !errors.As(err, &stepErr) {
		return ""
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "Failed when executing:\n    %s\n", stepErr.Step.Command)

	if len(stepErr.Tail) > 0 {
		sb.WriteString("Error log:\n")
		sb.WriteString(stepErr.TailString("    "))
	}

	return strings.TrimRight(sb.String(), "\n")
}

func (s *Supervisor) reportOutcome(ctx context.Context, cand *Candidate, o *Outcome) {
	logger := s.logger.With(cand.PR.LogFields...).With(logFieldOutcome(o.Kind))

	switch o.Kind {
	case KindSuccess:
		logger.Info("pull request processed successfully", logfields.Event("pull_request_processed"))
	case KindDependencyUnmet, KindBuildFailure, KindMergeConflict, KindVerificationFailure, KindTimeout:
		logger.Info("processing pull request failed", logfields.Event("pull_request_processing_failed"), zap.Error(o.Err))
	case KindUnclassified:
		logger.Error(
			"processing pull request failed unexpectedly",
			logfields.Event("pull_request_processing_failed_unexpectedly"),
			zap.Error(o.Err),
			zap.StackSkip("stacktrace", 1),
		)
	}

	s.report(ctx, cand.PR, buildReport(cand, o))
}

func (s *Supervisor) report(ctx context.Context, pr *PullRequest, r *Report) {
	ctx, cancelFn := context.WithTimeout(ctx, reportTimeout)
	defer cancelFn()

	body := r.String()
	logger := s.logger.With(pr.LogFields...)

	err := s.retryer.Run(ctx, func(ctx context.Context) error {
		return s.clt.CreateIssueComment(ctx, pr.Base.RepositoryOwner, pr.Base.Repository, pr.Number, body)
	}, pr.LogFields)
	if err != nil {
		logger.Error(
			"creating report comment failed",
			logEventReportFailed,
			zap.String("report", body),
			zap.Error(err),
		)
		return
	}

	logger.Info(
		"report created",
		logEventReportCreated,
		zap.String("url", pr.URL),
		zap.String("report", body),
	)
}
