// Package automerge implements a daemon that continuously selects a trusted
// open pull request, builds it together with its target branch and merges
// it when it was approved.
//
// Each cycle of the Supervisor:
//   - refreshes the trusted authors and approvers periodically,
//   - scans the open pull requests of all configured repositories and
//     selects at most one candidate,
//   - runs the build pipeline for the candidate,
//   - verifies commits that are declared as whitespace-only changes,
//   - merges the pull request if it was approved, after re-validating that
//     neither the pull request nor its target branch changed,
//   - resolves a linked ticket,
//   - reports the result as a comment on the pull request.
//
// The first line of the comments the daemon creates encodes the state of the
// pull request and its target branch when it was processed. It is the only
// state that is kept between cycles.
package automerge
