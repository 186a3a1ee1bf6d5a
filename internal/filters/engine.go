package filters

import (
	"sort"
	"strings"

	"github.com/critic-scm/critic/internal/models"
)

// UserEffect is the resolved effect of the winning filters for one
// (user, file) pair.
type UserEffect struct {
	Type   models.FilterType
	Scopes []string
}

// Engine evaluates a set of filters against a set of candidate files. The
// filter set is typically the owning users' repository filters plus the
// review's local filters.
type Engine struct {
	filters []compiledFilter
	tree    *pathTree
}

type compiledFilter struct {
	filter  models.Filter
	pattern *Pattern
}

// NewEngine compiles the filters and indexes the candidate files. Filters
// with invalid patterns are rejected.
func NewEngine(filterList []models.Filter, files []string) (*Engine, error) {
	e := &Engine{tree: newPathTree(files)}
	for _, f := range filterList {
		pattern, err := Compile(f.Path)
		if err != nil {
			return nil, err
		}
		e.filters = append(e.filters, compiledFilter{filter: f, pattern: pattern})
	}
	// Ascending specificity: the most specific filter applies last and wins.
	sort.SliceStable(e.filters, func(i, j int) bool {
		return e.filters[j].pattern.MoreSpecificThan(e.filters[i].pattern)
	})
	return e, nil
}

// Evaluate resolves the effect of every filter on every candidate file.
// The result maps file path to the surviving user effects.
func (e *Engine) Evaluate() map[string]map[int64]UserEffect {
	result := make(map[string]map[int64]UserEffect, e.tree.size)
	for _, cf := range e.filters {
		for _, path := range e.tree.match(cf.pattern) {
			effects, ok := result[path]
			if !ok {
				effects = make(map[int64]UserEffect)
				result[path] = effects
			}
			userID := cf.filter.UserID
			switch cf.filter.Type {
			case models.FilterIgnored:
				delete(effects, userID)
			case models.FilterReviewer:
				previous := effects[userID]
				scopes := cf.filter.Scopes
				if previous.Type == models.FilterReviewer {
					scopes = unionScopes(previous.Scopes, scopes)
				}
				effects[userID] = UserEffect{Type: models.FilterReviewer, Scopes: scopes}
			case models.FilterWatcher:
				effects[userID] = UserEffect{Type: models.FilterWatcher}
			}
		}
	}
	return result
}

// ListUsers returns the effects for one file.
func (e *Engine) ListUsers(path string) map[int64]UserEffect {
	effects := e.Evaluate()[path]
	if effects == nil {
		return map[int64]UserEffect{}
	}
	return effects
}

// IsReviewer reports whether the winning filters make user a reviewer of path.
func (e *Engine) IsReviewer(userID int64, path string) bool {
	return e.ListUsers(path)[userID].Type == models.FilterReviewer
}

// IsWatcher reports whether the winning filters make user a watcher of path.
func (e *Engine) IsWatcher(userID int64, path string) bool {
	return e.ListUsers(path)[userID].Type == models.FilterWatcher
}

// IsRelevant reports whether user is a reviewer or watcher of path.
func (e *Engine) IsRelevant(userID int64, path string) bool {
	effect, ok := e.ListUsers(path)[userID]
	return ok && (effect.Type == models.FilterReviewer || effect.Type == models.FilterWatcher)
}

// RelevantFiles inverts the evaluation: per user, the files they are a
// reviewer or watcher of.
func (e *Engine) RelevantFiles() map[int64]map[string]bool {
	result := make(map[int64]map[string]bool)
	for path, effects := range e.Evaluate() {
		for userID := range effects {
			files, ok := result[userID]
			if !ok {
				files = make(map[string]bool)
				result[userID] = files
			}
			files[path] = true
		}
	}
	return result
}

func unionScopes(a, b []string) []string {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, scopes := range [][]string{a, b} {
		for _, scope := range scopes {
			if !seen[scope] {
				seen[scope] = true
				out = append(out, scope)
			}
		}
	}
	sort.Strings(out)
	return out
}

// pathTree is a prefix tree of the candidate files, grouped by directory.
type pathTree struct {
	root *pathNode
	size int
}

type pathNode struct {
	children map[string]*pathNode
	files    []string // full paths of files directly in this directory
}

func newPathTree(files []string) *pathTree {
	t := &pathTree{root: &pathNode{children: map[string]*pathNode{}}}
	for _, path := range files {
		t.insert(path)
	}
	return t
}

func (t *pathTree) insert(path string) {
	node := t.root
	rest := path
	for {
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			node.files = append(node.files, path)
			t.size++
			return
		}
		dir := rest[:slash]
		rest = rest[slash+1:]
		child, ok := node.children[dir]
		if !ok {
			child = &pathNode{children: map[string]*pathNode{}}
			node.children[dir] = child
		}
		node = child
	}
}

// match returns the candidate files matching pattern, in sorted order. Every
// candidate is tested against the compiled pattern.
func (t *pathTree) match(pattern *Pattern) []string {
	var out []string
	t.root.walk(func(path string) {
		if pattern.Matches(path) {
			out = append(out, path)
		}
	})
	sort.Strings(out)
	return out
}

func (n *pathNode) walk(visit func(string)) {
	for _, file := range n.files {
		visit(file)
	}
	for _, child := range n.children {
		child.walk(visit)
	}
}
