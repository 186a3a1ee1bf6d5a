// Package diff computes structural and content differences between commits.
// The tree differ walks two trees recursively; the content differ produces
// per-file blocks of changed lines; the analyzer pairs lines within a block
// and emits a compact encoding of the intra-line edits.
package diff

import (
	"context"
	"sort"

	"github.com/critic-scm/critic/internal/gitaccess"
	"github.com/critic-scm/critic/internal/models"
)

// Entry is one side of a changed path: file mode and blob (or tree) sha1.
type Entry struct {
	Mode int
	SHA1 models.SHA1
}

// ChangedEntry reports a path that differs between two trees. At least one
// side is always a non-directory; directory-to-file transitions are expanded
// into the removed subtree's files plus the added entry.
type ChangedEntry struct {
	Path string
	Old  *Entry
	New  *Entry
}

// TreeDiffer compares trees through a repository accessor.
type TreeDiffer struct {
	repo *gitaccess.Repository
}

func NewTreeDiffer(repo *gitaccess.Repository) *TreeDiffer {
	return &TreeDiffer{repo: repo}
}

// Compare yields the entries differing between oldTree and newTree. An empty
// oldTree compares against nothing (every file is added). The optional
// include set restricts output paths.
func (d *TreeDiffer) Compare(ctx context.Context, oldTree, newTree models.SHA1, include map[string]bool) ([]ChangedEntry, error) {
	var out []ChangedEntry
	emit := func(entry ChangedEntry) {
		if include != nil && !include[entry.Path] {
			return
		}
		out = append(out, entry)
	}
	if err := d.compareDir(ctx, oldTree, newTree, "", emit); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (d *TreeDiffer) compareDir(ctx context.Context, oldTree, newTree models.SHA1, prefix string, emit func(ChangedEntry)) error {
	oldEntries, err := d.list(ctx, oldTree)
	if err != nil {
		return err
	}
	newEntries, err := d.list(ctx, newTree)
	if err != nil {
		return err
	}

	i, j := 0, 0
	for i < len(oldEntries) || j < len(newEntries) {
		switch {
		case j >= len(newEntries) || (i < len(oldEntries) && oldEntries[i].Name < newEntries[j].Name):
			if err := d.removed(ctx, oldEntries[i], prefix, emit); err != nil {
				return err
			}
			i++
		case i >= len(oldEntries) || oldEntries[i].Name > newEntries[j].Name:
			if err := d.added(ctx, newEntries[j], prefix, emit); err != nil {
				return err
			}
			j++
		default:
			oldEntry, newEntry := oldEntries[i], newEntries[j]
			i++
			j++
			if oldEntry.SHA1 == newEntry.SHA1 && oldEntry.Mode == newEntry.Mode {
				continue
			}
			path := prefix + oldEntry.Name
			switch {
			case oldEntry.IsDir() && newEntry.IsDir():
				if err := d.compareDir(ctx, oldEntry.SHA1, newEntry.SHA1, path+"/", emit); err != nil {
					return err
				}
			case oldEntry.IsDir():
				// Directory replaced by a file: removed subtree then added entry.
				if err := d.walk(ctx, oldEntry.SHA1, path+"/", func(p string, e Entry) {
					emit(ChangedEntry{Path: p, Old: &e})
				}); err != nil {
					return err
				}
				newSide := Entry{Mode: newEntry.Mode, SHA1: newEntry.SHA1}
				emit(ChangedEntry{Path: path, New: &newSide})
			case newEntry.IsDir():
				oldSide := Entry{Mode: oldEntry.Mode, SHA1: oldEntry.SHA1}
				emit(ChangedEntry{Path: path, Old: &oldSide})
				if err := d.walk(ctx, newEntry.SHA1, path+"/", func(p string, e Entry) {
					emit(ChangedEntry{Path: p, New: &e})
				}); err != nil {
					return err
				}
			default:
				oldSide := Entry{Mode: oldEntry.Mode, SHA1: oldEntry.SHA1}
				newSide := Entry{Mode: newEntry.Mode, SHA1: newEntry.SHA1}
				emit(ChangedEntry{Path: path, Old: &oldSide, New: &newSide})
			}
		}
	}
	return nil
}

func (d *TreeDiffer) removed(ctx context.Context, entry gitaccess.TreeEntry, prefix string, emit func(ChangedEntry)) error {
	path := prefix + entry.Name
	if entry.IsDir() {
		return d.walk(ctx, entry.SHA1, path+"/", func(p string, e Entry) {
			emit(ChangedEntry{Path: p, Old: &e})
		})
	}
	side := Entry{Mode: entry.Mode, SHA1: entry.SHA1}
	emit(ChangedEntry{Path: path, Old: &side})
	return nil
}

func (d *TreeDiffer) added(ctx context.Context, entry gitaccess.TreeEntry, prefix string, emit func(ChangedEntry)) error {
	path := prefix + entry.Name
	if entry.IsDir() {
		return d.walk(ctx, entry.SHA1, path+"/", func(p string, e Entry) {
			emit(ChangedEntry{Path: p, New: &e})
		})
	}
	side := Entry{Mode: entry.Mode, SHA1: entry.SHA1}
	emit(ChangedEntry{Path: path, New: &side})
	return nil
}

// walk visits every blob under tree, depth first.
func (d *TreeDiffer) walk(ctx context.Context, tree models.SHA1, prefix string, visit func(string, Entry)) error {
	entries, err := d.list(ctx, tree)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		path := prefix + entry.Name
		if entry.IsDir() {
			if err := d.walk(ctx, entry.SHA1, path+"/", visit); err != nil {
				return err
			}
			continue
		}
		visit(path, Entry{Mode: entry.Mode, SHA1: entry.SHA1})
	}
	return nil
}

func (d *TreeDiffer) list(ctx context.Context, tree models.SHA1) ([]gitaccess.TreeEntry, error) {
	if tree == "" {
		return nil, nil
	}
	entries, err := d.repo.LsTree(ctx, tree, "", false)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}
