package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// gitRepo runs git commands in a local repository.
type gitRepo struct {
	dir string
}

func (g *gitRepo) run(ctx context.Context, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer

	cmd := exec.Command("git", args...)
	cmd.Dir = g.dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git %s failed: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}

	return stdout.Bytes(), nil
}

// commits returns the commits reachable from head but not from base, oldest
// first.
func (g *gitRepo) commits(ctx context.Context, base, head string) ([]string, error) {
	out, err := g.run(ctx, "rev-list", "--reverse", base+".."+head)
	if err != nil {
		return nil, err
	}

	return strings.Fields(string(out)), nil
}

func (g *gitRepo) message(ctx context.Context, rev string) (string, error) {
	out, err := g.run(ctx, "log", "-1", "--format=%B", rev)
	if err != nil {
		return "", err
	}

	return string(out), nil
}

// changedFiles returns the paths of files that rev changed compared to its
// first parent. Merge commits are diffed against their first parent.
func (g *gitRepo) changedFiles(ctx context.Context, rev string) ([]string, error) {
	parents, err := g.parents(ctx, rev)
	if err != nil {
		return nil, err
	}

	args := []string{"diff-tree", "--no-commit-id", "--name-only", "-r", "--root", rev}
	if len(parents) > 1 {
		args = []string{"diff-tree", "--name-only", "-r", parents[0], rev}
	}

	out, err := g.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var result []string
	for _, l := range strings.Split(string(out), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			result = append(result, l)
		}
	}

	return result, nil
}

// parents returns the parent commits of rev.
func (g *gitRepo) parents(ctx context.Context, rev string) ([]string, error) {
	out, err := g.run(ctx, "rev-list", "--parents", "-n", "1", rev)
	if err != nil {
		return nil, err
	}

	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return nil, fmt.Errorf("git rev-list returned no output for %s", rev)
	}

	return fields[1:], nil
}

var errFileNotExist = errors.New("file does not exist in revision")

// file returns the content of path at rev.
// If the file does not exist at rev, errFileNotExist is returned.
func (g *gitRepo) file(ctx context.Context, rev, path string) ([]byte, error) {
	obj := rev + ":" + path

	if _, err := g.run(ctx, "cat-file", "-e", obj); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, errFileNotExist
	}

	out, err := g.run(ctx, "cat-file", "blob", obj)
	if err != nil {
		return nil, err
	}

	if out == nil {
		// empty file
		return []byte{}, nil
	}

	return out, nil
}
