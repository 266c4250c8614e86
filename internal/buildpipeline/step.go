// Package buildpipeline runs the external commands of a build as an ordered
// list of steps.
package buildpipeline

import (
	"fmt"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/simplesurance/automerger/internal/logfields"
)

// Step is a single external command of a build pipeline.
type Step struct {
	Name    string
	Dir     string
	Command string
	// Mutates is true if the command changes state outside of the
	// build workspace (e.g. pushing to a remote repository).
	// Mutating steps are skipped in dry-run mode.
	Mutates bool
}

func (s *Step) String() string {
	return fmt.Sprintf("%s (%s in %s)", s.Name, s.Command, s.Dir)
}

func (s *Step) LogFields() []zap.Field {
	return []zap.Field{
		logfields.Step(s.Name),
		zap.String("build.command", s.Command),
		zap.String("build.dir", s.Dir),
	}
}

// CommandTemplate is a text/template string that renders to a shell command.
type CommandTemplate struct {
	tmpl *template.Template
}

func ParseCommandTemplate(name, text string) (*CommandTemplate, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing command template %q failed: %w", name, err)
	}

	return &CommandTemplate{tmpl: t}, nil
}

// Render executes the template with data.
func (c *CommandTemplate) Render(data any) (string, error) {
	var sb strings.Builder

	if err := c.tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("rendering command template %q failed: %w", c.tmpl.Name(), err)
	}

	return sb.String(), nil
}
