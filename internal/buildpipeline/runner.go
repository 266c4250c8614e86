package buildpipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/simplesurance/automerger/internal/logfields"
)

const loggerName = "build_runner"

// Runner executes a single build step.
type Runner interface {
	Run(ctx context.Context, step *Step) error
}

// LogConfig configures the rotating log file the output of all commands is
// appended to.
type LogConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// ExecRunner runs steps as shell commands.
// The combined output of all commands is appended to a rotating log file.
type ExecRunner struct {
	logger    *zap.Logger
	env       []string
	tailLines int

	logMu  sync.Mutex
	logOut io.WriteCloser
}

// NewExecRunner returns a runner that runs commands with the environment
// variables in env set in addition to the environment of the process.
// env entries are in the form "key=value".
func NewExecRunner(logCfg *LogConfig, env ...string) *ExecRunner {
	return &ExecRunner{
		logger:    zap.L().Named(loggerName),
		env:       env,
		tailLines: DefaultTailLines,
		logOut: &lumberjack.Logger{
			Filename:   logCfg.Path,
			MaxSize:    logCfg.MaxSizeMB,
			MaxBackups: logCfg.MaxBackups,
		},
	}
}

// Close closes the build log file.
func (r *ExecRunner) Close() error {
	r.logMu.Lock()
	defer r.logMu.Unlock()

	return r.logOut.Close()
}

type syncWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.w.Write(p)
}

// Run executes the command of step via "sh -c".
// If ctx is done before the command is started, ctx.Err() is returned.
// A running command is not terminated when ctx is cancelled.
// If the command does not exit successfully a *StepError is returned.
func (r *ExecRunner) Run(ctx context.Context, step *Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	logger := r.logger.With(step.LogFields()...)
	logOut := &syncWriter{mu: &r.logMu, w: r.logOut}
	tail := newTailWriter(r.tailLines)

	fmt.Fprintf(logOut, "==> %s executing in %s: %s\n", time.Now().Format(time.RFC3339), step.Dir, step.Command)

	cmd := exec.Command("sh", "-c", step.Command) // nolint:gosec // commands are from the configuration file
	cmd.Dir = step.Dir
	cmd.Env = append(os.Environ(), r.env...)
	cmd.Stdout = io.MultiWriter(logOut, tail)
	cmd.Stderr = cmd.Stdout

	logger.Debug("running build step", logfields.Event("build_step_starting"))

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err != nil {
		fmt.Fprintf(logOut, "==> failed after %s: %s\n", duration, err)
		logger.Info(
			"build step failed",
			logfields.Event("build_step_failed"),
			zap.Duration("duration", duration),
			zap.Error(err),
		)

		return &StepError{
			Step: step,
			Tail: tail.Lines(),
			Err:  err,
		}
	}

	logger.Debug(
		"build step finished",
		logfields.Event("build_step_finished"),
		zap.Duration("duration", duration),
	)

	return nil
}

// DryRunner forwards steps to a wrapped runner, except mutating ones.
// Mutating steps are only logged.
type DryRunner struct {
	runner Runner
	logger *zap.Logger
}

func NewDryRunner(runner Runner) *DryRunner {
	return &DryRunner{
		runner: runner,
		logger: zap.L().Named("dry_build_runner"),
	}
}

func (r *DryRunner) Run(ctx context.Context, step *Step) error {
	if !step.Mutates {
		return r.runner.Run(ctx, step)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	r.logger.Info(
		"simulated running mutating build step, command not executed",
		append(step.LogFields(), logfields.Event("build_step_simulated"))...,
	)

	return nil
}
