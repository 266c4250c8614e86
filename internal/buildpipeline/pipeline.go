package buildpipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/automerger/internal/logfields"
)

// Pipeline executes steps in order and aborts on the first failing one.
// Completed steps are not rolled back.
type Pipeline struct {
	runner Runner
	logger *zap.Logger
}

func NewPipeline(runner Runner) *Pipeline {
	return &Pipeline{
		runner: runner,
		logger: zap.L().Named("build_pipeline"),
	}
}

// Execute runs the steps sequentially.
// Before each step ctx is checked, if it is done the context error is
// returned and no further steps are run.
// If a step fails, its error is returned.
func (p *Pipeline) Execute(ctx context.Context, steps []*Step, logF ...zap.Field) error {
	logger := p.logger.With(logF...)

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			logger.Info(
				"build pipeline aborted",
				append(step.LogFields(),
					logfields.Event("build_pipeline_aborted"),
					zap.Int("steps_completed", i),
					zap.Error(err),
				)...,
			)

			return fmt.Errorf("pipeline aborted before step %q: %w", step.Name, err)
		}

		if err := p.runner.Run(ctx, step); err != nil {
			return err
		}
	}

	logger.Debug(
		"build pipeline finished",
		logfields.Event("build_pipeline_finished"),
		zap.Int("steps_completed", len(steps)),
	)

	return nil
}
