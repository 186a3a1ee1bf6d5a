// Package gitaccess wraps a bare Git repository behind typed operations.
// The review core never shells out to git except through this package;
// process failures are classified here into the shared error taxonomy.
package gitaccess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/critic-scm/critic/internal/criterrors"
	"github.com/critic-scm/critic/internal/models"
)

// Repository is a handle on one bare repository. Read operations may run in
// parallel; ref updates are serialized through refMu.
type Repository struct {
	Path string

	refMu sync.Mutex
	env   []string
}

// Open returns an accessor for the repository at path. The path must contain
// a Git repository; no validation happens until the first operation.
func Open(path string) *Repository {
	return &Repository{Path: path}
}

// Init creates a bare repository at path and installs the receive hooks
// pointing at hookExecutable. The repository-local config records the
// critic name so hooks can identify the repository.
func Init(ctx context.Context, path, name, hookExecutable, hookSocket string) (*Repository, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repository directory: %w", err)
	}
	repo := Open(path)
	if _, err := repo.run(ctx, "init", "--bare", "--initial-branch=master", "."); err != nil {
		return nil, err
	}
	if _, err := repo.run(ctx, "config", "critic.name", name); err != nil {
		return nil, err
	}
	if hookSocket != "" {
		if _, err := repo.run(ctx, "config", "critic.socket", hookSocket); err != nil {
			return nil, err
		}
	}
	if hookExecutable != "" {
		hooksDir := filepath.Join(path, "hooks")
		for _, hook := range []string{"pre-receive", "post-receive"} {
			target := filepath.Join(hooksDir, hook)
			_ = os.Remove(target)
			if err := os.Symlink(hookExecutable, target); err != nil {
				return nil, fmt.Errorf("install %s hook: %w", hook, err)
			}
		}
	}
	return repo, nil
}

// WithEnv returns a copy whose git invocations carry extra environment
// entries ("KEY=value"), used for author/committer overrides.
func (r *Repository) WithEnv(env []string) *Repository {
	clone := &Repository{Path: r.Path}
	clone.env = append(append([]string(nil), r.env...), env...)
	return clone
}

func (r *Repository) run(ctx context.Context, args ...string) ([]byte, error) {
	return r.runIn(ctx, r.Path, args...)
}

func (r *Repository) runIn(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if len(r.env) > 0 {
		cmd.Env = append(os.Environ(), r.env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return nil, &criterrors.GitProcessError{
			Argv:       append([]string{"git"}, args...),
			ReturnCode: exitCode,
			Stdout:     stdout.String(),
			Stderr:     stderr.String(),
		}
	}
	return stdout.Bytes(), nil
}

func (r *Repository) runStdin(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Path
	if len(r.env) > 0 {
		cmd.Env = append(os.Environ(), r.env...)
	}
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return nil, &criterrors.GitProcessError{
			Argv:       append([]string{"git"}, args...),
			ReturnCode: exitCode,
			Stdout:     stdout.String(),
			Stderr:     stderr.String(),
		}
	}
	return stdout.Bytes(), nil
}

// ObjectType is a revparse expectation.
type ObjectType string

const (
	TypeCommit ObjectType = "commit"
	TypeTree   ObjectType = "tree"
	TypeBlob   ObjectType = "blob"
)

// RefNotFoundError reports a ref or revision that does not resolve.
type RefNotFoundError struct {
	Ref string
}

func (e *RefNotFoundError) Error() string { return "ref not found: " + e.Ref }

// RevParse resolves a ref to an object name, optionally peeled to an
// expected type and optionally abbreviated.
func (r *Repository) RevParse(ctx context.Context, ref string, expect ObjectType, short bool) (models.SHA1, error) {
	spec := ref
	if expect != "" {
		spec = fmt.Sprintf("%s^{%s}", ref, expect)
	}
	args := []string{"rev-parse", "--verify", "--quiet"}
	if short {
		args = append(args, "--short")
	}
	args = append(args, spec)
	out, err := r.run(ctx, args...)
	if err != nil {
		if isProcessFailure(err) {
			return "", &RefNotFoundError{Ref: ref}
		}
		return "", err
	}
	return models.SHA1(strings.TrimSpace(string(out))), nil
}

// MergeBase returns the best common ancestor of a and b.
func (r *Repository) MergeBase(ctx context.Context, a, b models.SHA1) (models.SHA1, error) {
	out, err := r.run(ctx, "merge-base", string(a), string(b))
	if err != nil {
		if isProcessFailure(err) {
			return "", criterrors.Newf(criterrors.KindConflict,
				"merge base of %s and %s is undefined", a.Short(), b.Short())
		}
		return "", err
	}
	return models.SHA1(strings.TrimSpace(string(out))), nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (r *Repository) IsAncestor(ctx context.Context, ancestor, descendant models.SHA1) (bool, error) {
	_, err := r.run(ctx, "merge-base", "--is-ancestor", string(ancestor), string(descendant))
	if err != nil {
		var gitErr *criterrors.GitProcessError
		if errors.As(err, &gitErr) && gitErr.ReturnCode == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RevListOptions narrow a rev-list walk.
type RevListOptions struct {
	Paths      []string
	MinParents int
	MaxParents int
	FirstParent bool
}

// RevList returns commits reachable from include and not from exclude,
// newest first.
func (r *Repository) RevList(ctx context.Context, include, exclude []models.SHA1, opts RevListOptions) ([]models.SHA1, error) {
	args := []string{"rev-list"}
	if opts.MinParents > 0 {
		args = append(args, fmt.Sprintf("--min-parents=%d", opts.MinParents))
	}
	if opts.MaxParents > 0 {
		args = append(args, fmt.Sprintf("--max-parents=%d", opts.MaxParents))
	}
	if opts.FirstParent {
		args = append(args, "--first-parent")
	}
	for _, sha := range include {
		args = append(args, string(sha))
	}
	for _, sha := range exclude {
		args = append(args, "^"+string(sha))
	}
	if len(opts.Paths) > 0 {
		args = append(args, "--")
		args = append(args, opts.Paths...)
	}
	out, err := r.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var shas []models.SHA1
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			shas = append(shas, models.SHA1(line))
		}
	}
	return shas, nil
}

// SymbolicRef resolves a symbolic ref like HEAD to its target ref name.
func (r *Repository) SymbolicRef(ctx context.Context, name string) (string, error) {
	out, err := r.run(ctx, "symbolic-ref", name)
	if err != nil {
		if isProcessFailure(err) {
			return "", &RefNotFoundError{Ref: name}
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func isProcessFailure(err error) bool {
	var gitErr *criterrors.GitProcessError
	return errors.As(err, &gitErr)
}
