package buildpipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreAnyFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"))
}

type fakeRunner struct {
	executed []string
	failOn   string
}

func (r *fakeRunner) Run(_ context.Context, step *Step) error {
	r.executed = append(r.executed, step.Name)
	if step.Name == r.failOn {
		return &StepError{Step: step, Err: errors.New("exit status 2")}
	}

	return nil
}

func testSteps(names ...string) []*Step {
	result := make([]*Step, 0, len(names))
	for _, n := range names {
		result = append(result, &Step{Name: n, Command: "true"})
	}
	return result
}

func TestPipelineRunsStepsInOrder(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	runner := fakeRunner{}
	err := NewPipeline(&runner).Execute(context.Background(), testSteps("clean", "clone", "build"))
	require.NoError(t, err)

	assert.Equal(t, []string{"clean", "clone", "build"}, runner.executed)
}

func TestPipelineStopsAtFirstFailure(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	runner := fakeRunner{failOn: "clone"}
	err := NewPipeline(&runner).Execute(context.Background(), testSteps("clean", "clone", "build"))

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "clone", stepErr.Step.Name)
	assert.Equal(t, []string{"clean", "clone"}, runner.executed)
}

func TestPipelineChecksContextBeforeEachStep(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	runner := runnerFunc(func(_ context.Context, step *Step) error {
		if step.Name == "clone" {
			cancelFn()
		}
		return nil
	})

	err := NewPipeline(runner).Execute(ctx, testSteps("clean", "clone", "build"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), `"build"`)
}

type runnerFunc func(context.Context, *Step) error

func (f runnerFunc) Run(ctx context.Context, step *Step) error {
	return f(ctx, step)
}

func newTestExecRunner(t *testing.T) (*ExecRunner, string) {
	t.Helper()

	logPath := filepath.Join(t.TempDir(), "build.log")
	r := NewExecRunner(&LogConfig{Path: logPath, MaxSizeMB: 1, MaxBackups: 1}, "GIT_USER=xen-git")
	t.Cleanup(func() { _ = r.Close() })

	return r, logPath
}

func TestExecRunnerWritesOutputToLogAndSetsIdentity(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r, logPath := newTestExecRunner(t)

	err := r.Run(context.Background(), &Step{Name: "echo", Dir: t.TempDir(), Command: `echo "user: $GIT_USER"`})
	require.NoError(t, err)

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "user: xen-git")
	assert.Contains(t, string(content), `executing in`)
}

func TestExecRunnerFailureContainsTail(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r, _ := newTestExecRunner(t)

	err := r.Run(context.Background(), &Step{
		Name:    "build",
		Dir:     t.TempDir(),
		Command: `for i in $(seq 1 30); do echo "line $i"; done; echo "compile error" >&2; exit 3`,
	})

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Len(t, stepErr.Tail, DefaultTailLines)
	assert.Equal(t, "compile error", stepErr.Tail[len(stepErr.Tail)-1])
	assert.Equal(t, "line 12", stepErr.Tail[0])
	assert.True(t, strings.HasPrefix(stepErr.TailString("    "), "    line 12\n"))
}

func TestExecRunnerDoesNotStartWhenContextDone(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r, _ := newTestExecRunner(t)
	marker := filepath.Join(t.TempDir(), "marker")

	ctx, cancelFn := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancelFn()
	<-ctx.Done()

	err := r.Run(ctx, &Step{Name: "touch", Dir: t.TempDir(), Command: fmt.Sprintf("touch %s", marker)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoFileExists(t, marker)
}

func TestDryRunnerSkipsMutatingSteps(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	runner := fakeRunner{}
	dry := NewDryRunner(&runner)

	require.NoError(t, dry.Run(context.Background(), &Step{Name: "build"}))
	require.NoError(t, dry.Run(context.Background(), &Step{Name: "push", Mutates: true}))

	assert.Equal(t, []string{"build"}, runner.executed)
}

func TestTailWriterKeepsLastLines(t *testing.T) {
	w := newTailWriter(2)

	_, _ = w.Write([]byte("a\nb\r\nc"))
	_, _ = w.Write([]byte("d\n"))

	assert.Equal(t, []string{"b", "cd"}, w.Lines())
}

func TestCommandTemplateRender(t *testing.T) {
	tmpl, err := ParseCommandTemplate("build", "make {{.Component}}-build")
	require.NoError(t, err)

	cmd, err := tmpl.Render(map[string]string{"Component": "xen"})
	require.NoError(t, err)
	assert.Equal(t, "make xen-build", cmd)

	_, err = tmpl.Render(map[string]string{})
	assert.Error(t, err)
}

func TestWorkspaceLockIsExclusive(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ws")

	l1 := NewWorkspaceLock(dir)
	require.NoError(t, l1.Lock(context.Background()))
	t.Cleanup(func() { _ = l1.Unlock() })

	ctx, cancelFn := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancelFn()

	l2 := NewWorkspaceLock(dir)
	assert.Error(t, l2.Lock(ctx))
}
