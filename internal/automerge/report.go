package automerge

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Marker is the status of a processing attempt recorded in a report.
type Marker string

// Markers are ordered by their matching priority, markers that are prefixes
// of other markers come after them.
const (
	MarkerMerged             Marker = "Build succeeded. Merged."
	MarkerBuildSucceeded     Marker = "Build succeeded."
	MarkerBuildFailed        Marker = "Build failed."
	MarkerMergeFailed        Marker = "Merge failed."
	MarkerVerificationFailed Marker = "Verification failed."
	MarkerProcessingFailed   Marker = "Processing failed."
	MarkerDependenciesUnmet  Marker = "Dependencies unmet."
)

const (
	reportPrefix     = "### "
	refPairSeparator = " ⇒ "
)

var markers = []Marker{
	MarkerMerged,
	MarkerBuildSucceeded,
	MarkerBuildFailed,
	MarkerMergeFailed,
	MarkerVerificationFailed,
	MarkerProcessingFailed,
	MarkerDependenciesUnmet,
}

// RefPair identifies the state of a pull request and its target branch.
type RefPair struct {
	// PR is the reference of the pull request head: author/repo@sha.
	PR string
	// Branch is the reference of the target branch head: org/repo@sha.
	Branch string
}

func (p RefPair) String() string {
	return p.PR + refPairSeparator + p.Branch
}

// Report is a comment of the daemon on a pull request.
type Report struct {
	Pair   RefPair
	Marker Marker
	// Message is the text following the marker in the first line.
	Message string
	// Details are the lines following the first line.
	Details string
}

var ErrNotAReport = errors.New("comment is not a report")

var reportFirstLineRe = regexp.MustCompile(`^###\s+(\S+?@\w+)\s+⇒\s+(\S+?@\w+):\s*(.*)$`)

// ParseReport parses a comment body into a Report.
// If the first line is not a valid report line, ErrNotAReport is returned.
func ParseReport(body string) (*Report, error) {
	firstLine, details, _ := strings.Cut(body, "\n")

	matches := reportFirstLineRe.FindStringSubmatch(strings.TrimSpace(firstLine))
	if matches == nil {
		return nil, ErrNotAReport
	}

	status := matches[3]

	for _, m := range markers {
		if rest, found := strings.CutPrefix(status, string(m)); found {
			if rest != "" && !strings.HasPrefix(rest, " ") {
				continue
			}

			return &Report{
				Pair:    RefPair{PR: matches[1], Branch: matches[2]},
				Marker:  m,
				Message: strings.TrimSpace(rest),
				Details: strings.TrimSpace(details),
			}, nil
		}
	}

	return nil, fmt.Errorf("%w: unknown status %q", ErrNotAReport, status)
}

// String returns the report as comment body.
func (r *Report) String() string {
	var sb strings.Builder

	sb.WriteString(reportPrefix)
	sb.WriteString(r.Pair.String())
	sb.WriteString(": ")
	sb.WriteString(string(r.Marker))

	if r.Message != "" {
		sb.WriteString(" ")
		sb.WriteString(r.Message)
	}

	if r.Details != "" {
		sb.WriteString("\n\n")
		sb.WriteString(r.Details)
	}

	return sb.String()
}

// Succeeded returns true if the report records a successful build.
func (r *Report) Succeeded() bool {
	return r.Marker == MarkerBuildSucceeded || r.Marker == MarkerMerged
}

// IsNotice returns true if the report does not record a processing attempt.
func (r *Report) IsNotice() bool {
	return r.Marker == MarkerDependenciesUnmet
}

// Equal returns true if both reports have the same pair, marker and message.
func (r *Report) Equal(other *Report) bool {
	if other == nil {
		return false
	}

	return r.Pair == other.Pair && r.Marker == other.Marker && r.Message == other.Message
}

// botReports returns the parsed reports of the comments authored by
// botLogin, in comment order.
// Comments of the bot that can not be parsed are skipped.
func botReports(botLogin string, comments []*Comment) []*Report {
	var result []*Report

	for _, c := range comments {
		if c.Author != botLogin {
			continue
		}

		r, err := ParseReport(c.Body)
		if err != nil {
			continue
		}

		result = append(result, r)
	}

	return result
}

// lastAttempt returns the most recent report that records a processing
// attempt.
// If no such report exists nil is returned.
func lastAttempt(reports []*Report) *Report {
	for i := len(reports) - 1; i >= 0; i-- {
		if !reports[i].IsNotice() {
			return reports[i]
		}
	}

	return nil
}

// lastReport returns the most recent report or nil.
func lastReport(reports []*Report) *Report {
	if len(reports) == 0 {
		return nil
	}

	return reports[len(reports)-1]
}
