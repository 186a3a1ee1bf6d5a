package diff

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/critic-scm/critic/internal/gitaccess"
	"github.com/critic-scm/critic/internal/models"
)

const emptyTree = models.SHA1("4b825dc642cb6eb9a060e54bf8d69288fbee4904")

var testIdentity = []string{
	"GIT_AUTHOR_NAME=Tester",
	"GIT_AUTHOR_EMAIL=tester@example.com",
	"GIT_COMMITTER_NAME=Tester",
	"GIT_COMMITTER_EMAIL=tester@example.com",
}

type treeEnv struct {
	git      *gitaccess.Repository
	scratch  string
	lastHead models.SHA1
}

func setupTree(t *testing.T) *treeEnv {
	t.Helper()
	ctx := context.Background()
	git, err := gitaccess.Init(ctx, filepath.Join(t.TempDir(), "test.git"), "test", "", "")
	if err != nil {
		t.Fatal(err)
	}
	return &treeEnv{git: git.WithEnv(testIdentity), scratch: t.TempDir()}
}

// commitFiles commits the given path→content map on top of parent and
// returns the new commit's tree.
func (env *treeEnv) commitFiles(t *testing.T, parent models.SHA1, files map[string]string, remove []string) models.SHA1 {
	t.Helper()
	ctx := context.Background()

	if parent == "" {
		var err error
		parent, err = env.git.CommitTree(ctx, emptyTree, nil, "base", testIdentity)
		if err != nil {
			t.Fatal(err)
		}
	}
	wt, err := env.git.NewWorktree(ctx, env.scratch, parent)
	if err != nil {
		t.Fatal(err)
	}
	defer wt.Release(ctx)

	for _, path := range remove {
		if err := os.RemoveAll(filepath.Join(wt.Path, path)); err != nil {
			t.Fatal(err)
		}
	}
	for path, content := range files {
		full := filepath.Join(wt.Path, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := wt.Run(ctx, "add", "-A"); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Run(ctx, "commit", "--allow-empty", "-m", "change"); err != nil {
		t.Fatal(err)
	}
	head, err := wt.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	tree, err := env.git.RevParse(ctx, string(head), gitaccess.TypeTree, false)
	if err != nil {
		t.Fatal(err)
	}
	// Keep the commit reachable while worktrees come and go.
	if err := env.git.Keepalive(ctx, head); err != nil {
		t.Fatal(err)
	}
	env.lastHead = head
	return tree
}

func TestCompareAgainstEmptyTree(t *testing.T) {
	if testing.Short() {
		t.Skip("needs git")
	}
	ctx := context.Background()
	env := setupTree(t)

	tree := env.commitFiles(t, "", map[string]string{
		"a.txt":     "alpha\n",
		"dir/b.txt": "bravo\n",
	}, nil)

	entries, err := NewTreeDiffer(env.git).Compare(ctx, "", tree, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Path != "a.txt" || entries[1].Path != "dir/b.txt" {
		t.Fatalf("paths = %q, %q; want sorted a.txt, dir/b.txt", entries[0].Path, entries[1].Path)
	}
	for _, e := range entries {
		if e.Old != nil {
			t.Errorf("%s: Old = %+v, want nil for added file", e.Path, e.Old)
		}
		if e.New == nil || e.New.SHA1 == "" {
			t.Errorf("%s: New side missing", e.Path)
		}
	}
}

func TestCompareModifyAddRemove(t *testing.T) {
	if testing.Short() {
		t.Skip("needs git")
	}
	ctx := context.Background()
	env := setupTree(t)

	oldTree := env.commitFiles(t, "", map[string]string{
		"a.txt":     "alpha\n",
		"dir/b.txt": "bravo\n",
		"gone.txt":  "bye\n",
	}, nil)
	head := env.lastHead
	newTree := env.commitFiles(t, head, map[string]string{
		"a.txt":     "ALPHA\n",
		"dir/c.txt": "charlie\n",
	}, []string{"gone.txt"})

	entries, err := NewTreeDiffer(env.git).Compare(ctx, oldTree, newTree, nil)
	if err != nil {
		t.Fatal(err)
	}

	byPath := map[string]ChangedEntry{}
	for _, e := range entries {
		byPath[e.Path] = e
	}
	if len(byPath) != 3 {
		t.Fatalf("entries = %d (%v), want 3", len(entries), paths(entries))
	}

	modified := byPath["a.txt"]
	if modified.Old == nil || modified.New == nil {
		t.Fatal("a.txt should have both sides")
	}
	if modified.Old.SHA1 == modified.New.SHA1 {
		t.Error("a.txt blob sha unchanged after modification")
	}
	added := byPath["dir/c.txt"]
	if added.Old != nil || added.New == nil {
		t.Error("dir/c.txt should only have a new side")
	}
	removed := byPath["gone.txt"]
	if removed.Old == nil || removed.New != nil {
		t.Error("gone.txt should only have an old side")
	}
}

func TestCompareRestrictedToIncludeSet(t *testing.T) {
	if testing.Short() {
		t.Skip("needs git")
	}
	ctx := context.Background()
	env := setupTree(t)

	tree := env.commitFiles(t, "", map[string]string{
		"a.txt": "alpha\n",
		"b.txt": "bravo\n",
	}, nil)

	entries, err := NewTreeDiffer(env.git).Compare(ctx, "", tree, map[string]bool{"b.txt": true})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Path != "b.txt" {
		t.Fatalf("entries = %v, want only b.txt", paths(entries))
	}
}

func TestCompareDirectoryReplacedByFile(t *testing.T) {
	if testing.Short() {
		t.Skip("needs git")
	}
	ctx := context.Background()
	env := setupTree(t)

	oldTree := env.commitFiles(t, "", map[string]string{
		"thing/one.txt": "one\n",
		"thing/two.txt": "two\n",
	}, nil)
	head := env.lastHead
	newTree := env.commitFiles(t, head, map[string]string{
		"thing": "now a file\n",
	}, []string{"thing"})

	entries, err := NewTreeDiffer(env.git).Compare(ctx, oldTree, newTree, nil)
	if err != nil {
		t.Fatal(err)
	}

	byPath := map[string]ChangedEntry{}
	for _, e := range entries {
		byPath[e.Path] = e
	}
	if e, ok := byPath["thing"]; !ok || e.Old != nil || e.New == nil {
		t.Errorf("thing: got %+v, want added file entry", e)
	}
	for _, path := range []string{"thing/one.txt", "thing/two.txt"} {
		if e, ok := byPath[path]; !ok || e.Old == nil || e.New != nil {
			t.Errorf("%s: got %+v, want removed file entry", path, e)
		}
	}
}

func paths(entries []ChangedEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	return out
}
