// Package verify checks that commits that are declared as whitespace-only
// changes do not change the source code.
package verify

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/automerger/internal/logfields"
)

const loggerName = "verifier"

// MismatchError is returned when a tagged commit changed the normalized
// content of a file.
type MismatchError struct {
	File   string
	Rev    string
	Reason string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s in %s: %s", e.File, e.Rev, e.Reason)
}

// Result summarizes a verification.
type Result struct {
	// TaggedCommits is the number of commits that are tagged as
	// whitespace-only changes.
	TaggedCommits int
	// VerifiedFiles contains the files, in commit order, that were
	// verified to be unchanged.
	VerifiedFiles []string
}

// Verified returns true if at least one tagged commit was verified.
func (r *Result) Verified() bool {
	return r.TaggedCommits > 0
}

// Verifier verifies whitespace-only commits.
type Verifier struct {
	logger         *zap.Logger
	commitPattern  *regexp.Regexp
	fingerprinters map[string]Fingerprinter
	fallback       Fingerprinter
}

type Option func(*Verifier)

// WithFingerprinter registers fp for files with the given extensions.
// Extensions are matched including the leading dot, e.g. ".c".
func WithFingerprinter(fp Fingerprinter, extensions ...string) Option {
	return func(v *Verifier) {
		for _, ext := range extensions {
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}

			v.fingerprinters[ext] = fp
		}
	}
}

// New returns a Verifier that checks commits whose message matches
// commitPattern.
// Go files are fingerprinted by their syntax tree, all other files by
// their content without whitespace, unless a fingerprinter is registered
// for their extension.
func New(commitPattern string, opts ...Option) (*Verifier, error) {
	re, err := regexp.Compile(commitPattern)
	if err != nil {
		return nil, fmt.Errorf("compiling commit pattern failed: %w", err)
	}

	v := Verifier{
		logger:        zap.L().Named(loggerName),
		commitPattern: re,
		fingerprinters: map[string]Fingerprinter{
			".go": GoFingerprinter{},
		},
		fallback: WhitespaceFingerprinter{},
	}

	for _, o := range opts {
		o(&v)
	}

	return &v, nil
}

func (v *Verifier) fingerprinter(path string) Fingerprinter {
	if fp, exists := v.fingerprinters[filepath.Ext(path)]; exists {
		return fp
	}

	return v.fallback
}

// Tagged returns true if the commit message marks the commit as a
// whitespace-only change.
func (v *Verifier) Tagged(msg string) bool {
	return v.commitPattern.MatchString(msg)
}

// Verify checks all tagged commits in the range base..head of the git
// repository in dir.
// For each changed file of a tagged commit, the fingerprint of the file in
// the commit and in its parent are compared. On the first mismatch a
// *MismatchError is returned.
func (v *Verifier) Verify(ctx context.Context, dir, base, head string) (*Result, error) {
	repo := gitRepo{dir: dir}
	logger := v.logger.With(logfields.BaseCommit(base), logfields.Commit(head))

	commits, err := repo.commits(ctx, base, head)
	if err != nil {
		return nil, err
	}

	var result Result

	for _, rev := range commits {
		msg, err := repo.message(ctx, rev)
		if err != nil {
			return nil, err
		}

		if !v.Tagged(msg) {
			continue
		}

		result.TaggedCommits++

		files, err := repo.changedFiles(ctx, rev)
		if err != nil {
			return nil, err
		}

		for _, path := range files {
			before, after, err := fileVersions(ctx, &repo, rev, path)
			if err != nil {
				return nil, err
			}

			if err := v.compare(ctx, rev, path, before, after); err != nil {
				logger.Info(
					"whitespace-only commit changes source",
					logfields.Event("verification_failed"),
					zap.String("rev", rev),
					zap.String("file", path),
					zap.Error(err),
				)

				return nil, err
			}

			result.VerifiedFiles = append(result.VerifiedFiles, path)
		}
	}

	logger.Debug(
		"verification finished",
		logfields.Event("verification_finished"),
		zap.Int("commits", len(commits)),
		zap.Int("tagged_commits", result.TaggedCommits),
		zap.Int("verified_files", len(result.VerifiedFiles)),
	)

	return &result, nil
}

// fileVersions returns the content of path in the parent of rev and in rev.
// A nil slice is returned for a side where the file does not exist.
func fileVersions(ctx context.Context, repo *gitRepo, rev, path string) (before, after []byte, err error) {
	before, err = repo.file(ctx, rev+"^", path)
	if err != nil && !errors.Is(err, errFileNotExist) {
		return nil, nil, err
	}

	after, err = repo.file(ctx, rev, path)
	if err != nil && !errors.Is(err, errFileNotExist) {
		return nil, nil, err
	}

	return before, after, nil
}

func (v *Verifier) compare(ctx context.Context, rev, path string, before, after []byte) error {
	if before == nil && after == nil {
		return &MismatchError{File: path, Rev: rev, Reason: "file does not exist"}
	}

	if before == nil {
		return &MismatchError{File: path, Rev: rev, Reason: "file was added"}
	}

	if after == nil {
		return &MismatchError{File: path, Rev: rev, Reason: "file was removed"}
	}

	fp := v.fingerprinter(path)

	fpBefore, err := fp.Fingerprint(ctx, path, before)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &MismatchError{File: path, Rev: rev + "^", Reason: err.Error()}
	}

	fpAfter, err := fp.Fingerprint(ctx, path, after)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &MismatchError{File: path, Rev: rev, Reason: err.Error()}
	}

	if fpBefore != fpAfter {
		return &MismatchError{File: path, Rev: rev, Reason: "normalized content differs"}
	}

	return nil
}
