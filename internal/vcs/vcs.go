// Package vcs abstracts the commit side-effects of dataset mutations.
//
// Mutating dataset operations stage the paths they touched and commit them
// as one logical unit. Datasets with commits disabled use Noop, which does
// nothing at all.
package vcs

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Sink receives staged paths and commit requests for a dataset directory.
type Sink interface {
	// Init ensures a repository exists at the sink's root.
	Init() error

	// Stage records additions, modifications, and deletions for the given
	// paths, relative to the repository root.
	Stage(paths []string) error

	// Commit records the staged changes with the given message. It must
	// not create an empty commit when nothing is staged.
	Commit(message string) error
}

// Noop is the Sink used when a dataset has commits disabled.
type Noop struct{}

func (Noop) Init() error { return nil }

func (Noop) Stage(paths []string) error { return nil }

func (Noop) Commit(message string) error { return nil }

// Git is a Sink that shells out to the git binary in a dataset directory.
type Git struct {
	dir string
}

var _ Sink = (*Git)(nil)
var _ Sink = Noop{}

// NewGit returns a Git sink rooted at dir.
func NewGit(dir string) *Git {
	return &Git{dir: dir}
}

// Init runs "git init" unless the directory already contains a repository.
func (g *Git) Init() error {
	if _, err := os.Stat(filepath.Join(g.dir, ".git")); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat .git: %w", err)
	}
	return g.run("init")
}

// Stage adds the given paths to the index. Paths that were deleted from the
// working tree are staged as removals. An empty path list is a no-op.
func (g *Git) Stage(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "-A", "--"}, paths...)
	return g.run(args...)
}

// Commit commits the index with the given message, unless nothing is staged.
func (g *Git) Commit(message string) error {
	staged, err := g.hasStagedChanges()
	if err != nil {
		return err
	}
	if !staged {
		return nil
	}
	return g.run("commit", "-m", message)
}

// hasStagedChanges reports whether the index differs from HEAD.
func (g *Git) hasStagedChanges() (bool, error) {
	// On a branch with no commits yet, diff-ing against HEAD fails; fall
	// back to checking whether anything is in the index at all.
	if err := g.run("rev-parse", "--verify", "HEAD"); err != nil {
		out, err := g.runOutput("diff", "--cached", "--name-only")
		if err != nil {
			return false, err
		}
		return strings.TrimSpace(out) != "", nil
	}

	cmd := exec.Command("git", "diff", "--cached", "--quiet")
	cmd.Dir = g.dir
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return true, nil
		}
		return false, fmt.Errorf("git diff --cached: %w", err)
	}
	return false, nil
}

func (g *Git) run(args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (g *Git) runOutput(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
