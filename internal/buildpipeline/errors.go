package buildpipeline

import (
	"fmt"
	"strings"
)

// StepError is returned when an external command of a step did not exit
// successfully.
type StepError struct {
	Step *Step
	// Tail contains the last lines the command wrote to stdout and stderr.
	Tail []string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("build step %q failed: %s", e.Step.Name, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// TailString returns the log tail, each line indented by indent.
func (e *StepError) TailString(indent string) string {
	var sb strings.Builder

	for _, l := range e.Tail {
		sb.WriteString(indent)
		sb.WriteString(l)
		sb.WriteRune('\n')
	}

	return sb.String()
}
