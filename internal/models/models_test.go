package models

import (
	"testing"
	"time"

	"github.com/critic-scm/critic/internal/criterrors"
)

func sha(c byte) SHA1 {
	b := make([]byte, 40)
	for i := range b {
		b[i] = c
	}
	return SHA1(b)
}

func TestSHA1Short(t *testing.T) {
	full := sha('a')
	if got := full.Short(); got != "aaaaaaaa" {
		t.Errorf("Short() = %q, want %q", got, "aaaaaaaa")
	}
	if got := SHA1("ab12").Short(); got != "ab12" {
		t.Errorf("Short() = %q, want unmodified short input", got)
	}
}

func TestIsValidSHA1(t *testing.T) {
	if !IsValidSHA1(string(sha('0'))) {
		t.Error("IsValidSHA1(40 hex chars) = false")
	}
	if IsValidSHA1("abcdef") {
		t.Error("IsValidSHA1(short) = true")
	}
	if IsValidSHA1(string(sha('g'))) {
		t.Error("IsValidSHA1(non-hex) = true")
	}
}

func TestCommitSummary(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{name: "plain", message: "Add feature\n\nbody", want: "Add feature"},
		{name: "leading blank lines", message: "\n\nSubject", want: "Subject"},
		{name: "fixup", message: "fixup! Add feature", want: "[fixup] Add feature"},
		{name: "squash", message: "squash! Add feature\n\nmore", want: "[squash] Add feature"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := &Commit{Message: tc.message}
			if got := c.Summary(); got != tc.want {
				t.Errorf("Summary() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRebaseComparisonCommit(t *testing.T) {
	merge := sha('1')
	replay := sha('2')

	both := &Rebase{EquivalentMerge: &merge, ReplayedRebase: &replay}
	if got, ok := both.ComparisonCommit(); !ok || got != merge {
		t.Errorf("ComparisonCommit() = %s, %v; equivalent merge should win", got, ok)
	}

	replayOnly := &Rebase{ReplayedRebase: &replay}
	if got, ok := replayOnly.ComparisonCommit(); !ok || got != replay {
		t.Errorf("ComparisonCommit() = %s, %v; want replayed rebase", got, ok)
	}

	neither := &Rebase{}
	if _, ok := neither.ComparisonCommit(); ok {
		t.Error("ComparisonCommit() ok = true for history rewrite")
	}
}

// graph: tail ← base ← left  ← merge
//                    ← right ←
func commitGraph() (tail SHA1, set *CommitSet) {
	tail = sha('0')
	base := &Commit{SHA1: sha('1'), Parents: []SHA1{tail},
		Committer: Signature{Time: time.Unix(100, 0)}}
	left := &Commit{SHA1: sha('2'), Parents: []SHA1{base.SHA1},
		Committer: Signature{Time: time.Unix(200, 0)}}
	right := &Commit{SHA1: sha('3'), Parents: []SHA1{base.SHA1},
		Committer: Signature{Time: time.Unix(300, 0)}}
	merge := &Commit{SHA1: sha('4'), Parents: []SHA1{left.SHA1, right.SHA1},
		Committer: Signature{Time: time.Unix(400, 0)}}
	return tail, NewCommitSet([]*Commit{base, left, right, merge})
}

func TestCommitSetHeadsAndTails(t *testing.T) {
	tail, set := commitGraph()

	heads := set.Heads()
	if len(heads) != 1 || heads[0].SHA1 != sha('4') {
		t.Fatalf("Heads() = %v, want single merge head", heads)
	}

	tails := set.Tails()
	if len(tails) != 1 || tails[0] != tail {
		t.Fatalf("Tails() = %v, want [%s]", tails, tail)
	}
}

func TestCommitSetTopoOrdered(t *testing.T) {
	_, set := commitGraph()

	ordered := set.TopoOrdered()
	if len(ordered) != 4 {
		t.Fatalf("TopoOrdered() returned %d commits, want 4", len(ordered))
	}
	position := make(map[SHA1]int, len(ordered))
	for i, c := range ordered {
		position[c.SHA1] = i
	}
	for _, c := range ordered {
		for _, p := range c.Parents {
			if pos, ok := position[p]; ok && pos < position[c.SHA1] {
				t.Errorf("parent %s ordered before child %s", p.Short(), c.SHA1.Short())
			}
		}
	}
	if ordered[0].SHA1 != sha('4') {
		t.Errorf("first commit = %s, want the merge head", ordered[0].SHA1.Short())
	}
	// Siblings tie-break on descending committer time.
	if position[sha('3')] > position[sha('2')] {
		t.Error("newer sibling ordered after older sibling")
	}
}

func TestCommitSetUpstream(t *testing.T) {
	tail, set := commitGraph()

	noAncestry := func(SHA1, SHA1) (bool, error) { return false, nil }
	upstream, err := set.Upstream(noAncestry)
	if err != nil {
		t.Fatalf("Upstream: %v", err)
	}
	if upstream != tail {
		t.Errorf("Upstream() = %s, want %s", upstream, tail)
	}

	_, err = NewCommitSet(nil).Upstream(noAncestry)
	if !criterrors.IsKind(err, criterrors.KindInvalidInput) {
		t.Errorf("Upstream(empty set) error = %v, want invalid input", err)
	}
}

func TestCommitSetUpstreamAmbiguous(t *testing.T) {
	// Two members with unrelated external parents.
	a := &Commit{SHA1: sha('a'), Parents: []SHA1{sha('1')}}
	b := &Commit{SHA1: sha('b'), Parents: []SHA1{sha('2')}}
	set := NewCommitSet([]*Commit{a, b})

	noAncestry := func(SHA1, SHA1) (bool, error) { return false, nil }
	_, err := set.Upstream(noAncestry)
	if !criterrors.IsKind(err, criterrors.KindInvalidInput) {
		t.Fatalf("Upstream error = %v, want invalid input for two filtered tails", err)
	}

	// With sha('1') an ancestor of sha('2'), the ambiguity resolves.
	ancestry := func(ancestor, descendant SHA1) (bool, error) {
		return ancestor == sha('1') && descendant == sha('2'), nil
	}
	upstream, err := set.Upstream(ancestry)
	if err != nil {
		t.Fatalf("Upstream: %v", err)
	}
	if upstream != sha('2') {
		t.Errorf("Upstream() = %s, want %s", upstream, sha('2'))
	}
}

func TestCommitSetWithoutAndUnion(t *testing.T) {
	_, set := commitGraph()

	smaller := set.Without([]SHA1{sha('4')})
	if smaller.Len() != 3 || smaller.Contains(sha('4')) {
		t.Fatalf("Without: len = %d, contains removed = %v", smaller.Len(), smaller.Contains(sha('4')))
	}
	if set.Len() != 4 {
		t.Fatal("Without modified the original set")
	}

	extra := NewCommitSet([]*Commit{{SHA1: sha('5'), Parents: []SHA1{sha('4')}}})
	union := set.Union(extra)
	if union.Len() != 5 || !union.Contains(sha('5')) {
		t.Fatalf("Union: len = %d", union.Len())
	}
}
