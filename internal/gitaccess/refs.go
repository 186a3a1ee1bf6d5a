package gitaccess

import (
	"context"
	"errors"
	"strings"

	"github.com/critic-scm/critic/internal/criterrors"
	"github.com/critic-scm/critic/internal/models"
)

const (
	keepaliveRefPrefix = "refs/keepalive/"
	keepaliveChainRef  = "refs/internal/keepalive-chain"
)

// RefUpdate describes one updateref operation. A nil Old skips the
// compare-and-swap check; Delete removes the ref.
type RefUpdate struct {
	Name   string
	Old    *models.SHA1
	New    models.SHA1
	Delete bool
}

// RefContentionError reports a compare-and-swap failure on updateref.
type RefContentionError struct {
	Name     string
	Expected models.SHA1
}

func (e *RefContentionError) Error() string {
	return "ref contention on " + e.Name
}

// UpdateRef atomically updates one ref. Updates are serialized per
// repository; reads stay concurrent.
func (r *Repository) UpdateRef(ctx context.Context, update RefUpdate) error {
	r.refMu.Lock()
	defer r.refMu.Unlock()

	var args []string
	switch {
	case update.Delete:
		args = []string{"update-ref", "-d", update.Name}
		if update.Old != nil {
			args = append(args, string(*update.Old))
		}
	case update.Old != nil:
		args = []string{"update-ref", update.Name, string(update.New), string(*update.Old)}
	default:
		args = []string{"update-ref", update.Name, string(update.New)}
	}
	if _, err := r.run(ctx, args...); err != nil {
		var gitErr *criterrors.GitProcessError
		if errors.As(err, &gitErr) && update.Old != nil {
			expected := models.SHA1("")
			if update.Old != nil {
				expected = *update.Old
			}
			return &RefContentionError{Name: update.Name, Expected: expected}
		}
		return err
	}
	return nil
}

// Ref is one row of for-each-ref output.
type Ref struct {
	Name string
	SHA1 models.SHA1
}

// ForEachRef lists refs matching pattern (e.g. "refs/heads/").
func (r *Repository) ForEachRef(ctx context.Context, pattern string) ([]Ref, error) {
	args := []string{"for-each-ref", "--format=%(objectname) %(refname)"}
	if pattern != "" {
		args = append(args, pattern)
	}
	out, err := r.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var refs []Ref
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		sha, name, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		refs = append(refs, Ref{Name: name, SHA1: models.SHA1(sha)})
	}
	return refs, nil
}

// LsRemoteOptions filter the refs returned by LsRemote.
type LsRemoteOptions struct {
	IncludeHeads        bool
	IncludeTags         bool
	IncludeSymbolicRefs bool
}

// LsRemote lists refs of a remote repository.
func (r *Repository) LsRemote(ctx context.Context, url string, refs []string, opts LsRemoteOptions) ([]Ref, error) {
	args := []string{"ls-remote"}
	if opts.IncludeHeads {
		args = append(args, "--heads")
	}
	if opts.IncludeTags {
		args = append(args, "--tags")
	}
	if opts.IncludeSymbolicRefs {
		args = append(args, "--symref")
	}
	args = append(args, url)
	args = append(args, refs...)
	out, err := r.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var result []Ref
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" || strings.HasPrefix(line, "ref:") {
			continue
		}
		sha, name, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		result = append(result, Ref{Name: name, SHA1: models.SHA1(sha)})
	}
	return result, nil
}

// Fetch fetches the given refspecs from url into this repository.
func (r *Repository) Fetch(ctx context.Context, url string, refspecs []string) error {
	args := append([]string{"fetch", url}, refspecs...)
	if _, err := r.run(ctx, args...); err != nil {
		return criterrors.Wrap(criterrors.KindExternal, "fetch failed", err)
	}
	return nil
}

// Keepalive writes a loose keepalive ref so an otherwise-unreferenced commit
// survives git gc. Idempotent.
func (r *Repository) Keepalive(ctx context.Context, sha models.SHA1) error {
	return r.UpdateRef(ctx, RefUpdate{Name: keepaliveRefPrefix + string(sha), New: sha})
}

// KeepaliveRefs lists current loose keepalive refs.
func (r *Repository) KeepaliveRefs(ctx context.Context) ([]Ref, error) {
	return r.ForEachRef(ctx, keepaliveRefPrefix)
}

// PackKeepalives folds all loose keepalive refs into a single chain commit
// referenced by refs/internal/keepalive-chain, then deletes the loose refs.
// Run from maintenance.
func (r *Repository) PackKeepalives(ctx context.Context) error {
	loose, err := r.KeepaliveRefs(ctx)
	if err != nil {
		return err
	}
	if len(loose) == 0 {
		return nil
	}

	parents := make([]models.SHA1, 0, len(loose)+1)
	if chain, err := r.RevParse(ctx, keepaliveChainRef, TypeCommit, false); err == nil {
		parents = append(parents, chain)
	}
	for _, ref := range loose {
		parents = append(parents, ref.SHA1)
	}

	tree, err := r.RevParse(ctx, string(parents[len(parents)-1]), TypeTree, false)
	if err != nil {
		return err
	}
	chain, err := r.CommitTree(ctx, tree, parents, "keepalive", []string{
		"GIT_AUTHOR_NAME=critic", "GIT_AUTHOR_EMAIL=critic@localhost",
		"GIT_COMMITTER_NAME=critic", "GIT_COMMITTER_EMAIL=critic@localhost",
	})
	if err != nil {
		return err
	}
	if err := r.UpdateRef(ctx, RefUpdate{Name: keepaliveChainRef, New: chain}); err != nil {
		return err
	}
	for _, ref := range loose {
		if err := r.UpdateRef(ctx, RefUpdate{Name: ref.Name, Delete: true}); err != nil {
			return err
		}
	}
	return nil
}
