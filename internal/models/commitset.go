package models

import (
	"sort"

	"github.com/critic-scm/critic/internal/criterrors"
)

// CommitSet is a set of commits with derived graph properties. Members are
// interned by sha1; parent edges may point at non-members (the tails).
type CommitSet struct {
	commits map[SHA1]*Commit
}

// NewCommitSet builds a set from the given commits. Later duplicates win.
func NewCommitSet(commits []*Commit) *CommitSet {
	s := &CommitSet{commits: make(map[SHA1]*Commit, len(commits))}
	for _, c := range commits {
		s.commits[c.SHA1] = c
	}
	return s
}

func (s *CommitSet) Len() int { return len(s.commits) }

func (s *CommitSet) Contains(sha SHA1) bool {
	_, ok := s.commits[sha]
	return ok
}

func (s *CommitSet) Get(sha SHA1) (*Commit, bool) {
	c, ok := s.commits[sha]
	return c, ok
}

// All returns the members in unspecified order.
func (s *CommitSet) All() []*Commit {
	out := make([]*Commit, 0, len(s.commits))
	for _, c := range s.commits {
		out = append(out, c)
	}
	return out
}

// Heads are members with no child in the set.
func (s *CommitSet) Heads() []*Commit {
	hasChild := make(map[SHA1]bool, len(s.commits))
	for _, c := range s.commits {
		for _, p := range c.Parents {
			if s.Contains(p) {
				hasChild[p] = true
			}
		}
	}
	var heads []*Commit
	for sha, c := range s.commits {
		if !hasChild[sha] {
			heads = append(heads, c)
		}
	}
	sortBySHA(heads)
	return heads
}

// Tails are non-members that are parents of members.
func (s *CommitSet) Tails() []SHA1 {
	seen := make(map[SHA1]bool)
	var tails []SHA1
	for _, c := range s.commits {
		for _, p := range c.Parents {
			if !s.Contains(p) && !seen[p] {
				seen[p] = true
				tails = append(tails, p)
			}
		}
	}
	sort.Slice(tails, func(i, j int) bool { return tails[i] < tails[j] })
	return tails
}

// FilteredTails returns tails that are not ancestors of another tail, using
// the provided ancestry oracle (typically Repository.IsAncestor).
func (s *CommitSet) FilteredTails(isAncestor func(ancestor, descendant SHA1) (bool, error)) ([]SHA1, error) {
	tails := s.Tails()
	var filtered []SHA1
	for _, candidate := range tails {
		dominated := false
		for _, other := range tails {
			if other == candidate {
				continue
			}
			ok, err := isAncestor(candidate, other)
			if err != nil {
				return nil, err
			}
			if ok {
				dominated = true
				break
			}
		}
		if !dominated {
			filtered = append(filtered, candidate)
		}
	}
	return filtered, nil
}

// Upstream returns the single filtered tail, or an error when the set is
// empty or the upstream is ambiguous.
func (s *CommitSet) Upstream(isAncestor func(ancestor, descendant SHA1) (bool, error)) (SHA1, error) {
	if len(s.commits) == 0 {
		return "", criterrors.New(criterrors.KindInvalidInput, "empty commit range has no upstream")
	}
	filtered, err := s.FilteredTails(isAncestor)
	if err != nil {
		return "", err
	}
	if len(filtered) != 1 {
		return "", criterrors.Newf(criterrors.KindInvalidInput,
			"commit set has %d filtered tails, expected exactly one", len(filtered))
	}
	return filtered[0], nil
}

// TopoOrdered returns members so that children always precede parents.
// Ties break on descending committer time, then sha1 for determinism.
func (s *CommitSet) TopoOrdered() []*Commit {
	childCount := make(map[SHA1]int, len(s.commits))
	for _, c := range s.commits {
		for _, p := range c.Parents {
			if s.Contains(p) {
				childCount[p]++
			}
		}
	}

	ready := make([]*Commit, 0, len(s.commits))
	for sha, c := range s.commits {
		if childCount[sha] == 0 {
			ready = append(ready, c)
		}
	}
	sortByDate(ready)

	out := make([]*Commit, 0, len(s.commits))
	for len(ready) > 0 {
		c := ready[0]
		ready = ready[1:]
		out = append(out, c)
		for _, p := range c.Parents {
			parent, ok := s.commits[p]
			if !ok {
				continue
			}
			childCount[p]--
			if childCount[p] == 0 {
				ready = append(ready, parent)
				sortByDate(ready)
			}
		}
	}
	return out
}

// DateOrdered returns members newest first, respecting the child-before-
// parent constraint of the topological order.
func (s *CommitSet) DateOrdered() []*Commit {
	return s.TopoOrdered()
}

// Without returns a new set with the given commits removed.
func (s *CommitSet) Without(shas []SHA1) *CommitSet {
	drop := make(map[SHA1]bool, len(shas))
	for _, sha := range shas {
		drop[sha] = true
	}
	out := &CommitSet{commits: make(map[SHA1]*Commit, len(s.commits))}
	for sha, c := range s.commits {
		if !drop[sha] {
			out.commits[sha] = c
		}
	}
	return out
}

// Union returns a new set containing both sets' members.
func (s *CommitSet) Union(other *CommitSet) *CommitSet {
	out := &CommitSet{commits: make(map[SHA1]*Commit, len(s.commits)+other.Len())}
	for sha, c := range s.commits {
		out.commits[sha] = c
	}
	for sha, c := range other.commits {
		out.commits[sha] = c
	}
	return out
}

func sortBySHA(commits []*Commit) {
	sort.Slice(commits, func(i, j int) bool { return commits[i].SHA1 < commits[j].SHA1 })
}

func sortByDate(commits []*Commit) {
	sort.Slice(commits, func(i, j int) bool {
		ti, tj := commits[i].Committer.Time, commits[j].Committer.Time
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return commits[i].SHA1 < commits[j].SHA1
	})
}
