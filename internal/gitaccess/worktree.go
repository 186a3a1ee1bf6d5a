package gitaccess

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/critic-scm/critic/internal/models"
)

// Worktree is an exclusive detached checkout used by integration attempts.
// It must be released on all paths; Release is safe to call twice.
type Worktree struct {
	repo *Repository
	Path string

	released bool
}

// NewWorktree checks out commit into a detached worktree under scratchDir.
func (r *Repository) NewWorktree(ctx context.Context, scratchDir string, commit models.SHA1) (*Worktree, error) {
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree scratch dir: %w", err)
	}
	path := filepath.Join(scratchDir, "wt-"+uuid.NewString())
	if _, err := r.run(ctx, "worktree", "add", "--detach", path, string(commit)); err != nil {
		return nil, err
	}
	return &Worktree{repo: r, Path: path}, nil
}

// Release removes the worktree and its administrative files.
func (w *Worktree) Release(ctx context.Context) error {
	if w.released {
		return nil
	}
	w.released = true
	if _, err := w.repo.run(ctx, "worktree", "remove", "--force", w.Path); err != nil {
		// A half-removed worktree still needs pruning from the admin dir.
		_ = os.RemoveAll(w.Path)
		_, pruneErr := w.repo.run(ctx, "worktree", "prune")
		if pruneErr != nil {
			return err
		}
	}
	return nil
}

// Run executes git with the worktree as working directory.
func (w *Worktree) Run(ctx context.Context, args ...string) ([]byte, error) {
	return w.repo.runIn(ctx, w.Path, args...)
}

// Head returns the worktree's current HEAD commit.
func (w *Worktree) Head(ctx context.Context) (models.SHA1, error) {
	out, err := w.Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return models.SHA1(strings.TrimSpace(string(out))), nil
}

// StatusExcerpt returns a bounded `git status` output for failure reports.
func (w *Worktree) StatusExcerpt(ctx context.Context, maxBytes int) string {
	out, err := w.Run(ctx, "status")
	if err != nil {
		return ""
	}
	return abridge(string(out), maxBytes)
}

// DiffExcerpt returns a bounded `git diff` output for failure reports.
func (w *Worktree) DiffExcerpt(ctx context.Context, maxBytes int) string {
	out, err := w.Run(ctx, "diff")
	if err != nil {
		return ""
	}
	return abridge(string(out), maxBytes)
}

// ConflictedFiles lists paths with unresolved merge conflicts.
func (w *Worktree) ConflictedFiles(ctx context.Context) ([]string, error) {
	out, err := w.Run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func abridge(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n[...]"
}
