package automerge

import (
	"fmt"
	"regexp"
	"strings"
)

// ApprovalMatcher detects approval directives in comments.
// A directive starts with the address token, case-insensitive, followed by
// sentences. At least one sentence must match one of the approval phrases.
type ApprovalMatcher struct {
	addressToken string
	phrases      *regexp.Regexp
}

// NewApprovalMatcher returns a matcher for the given address token and
// approval phrases.
// Phrases are regular expressions, they are matched case-insensitive
// against complete sentences.
func NewApprovalMatcher(addressToken string, phrases []string) (*ApprovalMatcher, error) {
	if addressToken == "" {
		return nil, fmt.Errorf("address token is empty")
	}

	if len(phrases) == 0 {
		return nil, fmt.Errorf("no approval phrases are defined")
	}

	re, err := regexp.Compile(`(?i)^(?:` + strings.Join(phrases, "|") + `)$`)
	if err != nil {
		return nil, fmt.Errorf("compiling approval phrases failed: %w", err)
	}

	return &ApprovalMatcher{
		addressToken: addressToken,
		phrases:      re,
	}, nil
}

func isSentenceTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '\n'
}

// IsDirective returns true if body is an approval directive.
func (m *ApprovalMatcher) IsDirective(body string) bool {
	body = strings.TrimSpace(body)

	if len(body) < len(m.addressToken) || !strings.EqualFold(body[:len(m.addressToken)], m.addressToken) {
		return false
	}

	rest := body[len(m.addressToken):]

	for _, clause := range strings.FieldsFunc(rest, isSentenceTerminator) {
		clause = strings.TrimSpace(strings.TrimLeft(clause, ",:; \t"))
		if clause == "" {
			continue
		}

		if m.phrases.MatchString(clause) {
			return true
		}
	}

	return false
}

// Approved returns true if any comment is an approval directive of an
// approver.
// All comments are considered, including the ones that were written before
// the last report of the daemon.
func (m *ApprovalMatcher) Approved(comments []*Comment, principals *Principals) bool {
	for _, c := range comments {
		if !principals.IsApprover(c.Author) {
			continue
		}

		if m.IsDirective(c.Body) {
			return true
		}
	}

	return false
}
