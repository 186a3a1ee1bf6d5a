package diff

import (
	"strings"
	"testing"
)

func TestSplitContent(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		lines     []string
		linebreak bool
		binary    bool
	}{
		{name: "empty", data: "", linebreak: true},
		{name: "terminated", data: "a\nb\n", lines: []string{"a", "b"}, linebreak: true},
		{name: "unterminated", data: "a\nb", lines: []string{"a", "b"}},
		{name: "single line no break", data: "only", lines: []string{"only"}},
		{name: "binary", data: "a\x00b", binary: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fc := SplitContent([]byte(tc.data))
			if fc.IsBinary != tc.binary {
				t.Fatalf("IsBinary = %v, want %v", fc.IsBinary, tc.binary)
			}
			if fc.Linebreak != tc.linebreak {
				t.Fatalf("Linebreak = %v, want %v", fc.Linebreak, tc.linebreak)
			}
			if len(fc.Lines) != len(tc.lines) {
				t.Fatalf("Lines = %#v, want %#v", fc.Lines, tc.lines)
			}
			for i := range tc.lines {
				if fc.Lines[i] != tc.lines[i] {
					t.Fatalf("Lines[%d] = %q, want %q", i, fc.Lines[i], tc.lines[i])
				}
			}
			if fc.Size != len(tc.data) {
				t.Fatalf("Size = %d, want %d", fc.Size, len(tc.data))
			}
		})
	}
}

func TestAnalyzeReplacedCharacter(t *testing.T) {
	got := Analyze([]string{"foo(x)"}, []string{"foo(y)"}, false)
	if got != "0=0:r4-5=4-5" {
		t.Errorf("Analyze = %q, want %q", got, "0=0:r4-5=4-5")
	}
}

func TestAnalyzeWhitespaceChange(t *testing.T) {
	got := Analyze([]string{"foo();"}, []string{"foo ();"}, false)
	if !strings.HasPrefix(got, "0=0:ws") {
		t.Errorf("Analyze = %q, want ws operation on pair 0=0", got)
	}
}

func TestAnalyzeEOLChange(t *testing.T) {
	got := Analyze([]string{"last"}, []string{"last"}, true)
	if got != "0=0:eol" {
		t.Errorf("Analyze = %q, want %q", got, "0=0:eol")
	}
}

func TestAnalyzeMultiplePairs(t *testing.T) {
	deleted := []string{"func one()", "func two()"}
	inserted := []string{"func one(x)", "func two(y)"}
	got := Analyze(deleted, inserted, false)
	if got != "0=0:i9-10;1=1:i9-10" {
		t.Errorf("Analyze = %q, want %q", got, "0=0:i9-10;1=1:i9-10")
	}
}

func TestAnalyzeDissimilarLinesYieldNothing(t *testing.T) {
	if got := Analyze([]string{"alpha"}, []string{"zzzz"}, false); got != "" {
		t.Errorf("Analyze = %q, want empty for dissimilar lines", got)
	}
}

func TestAnalyzePureBlocksYieldNothing(t *testing.T) {
	if got := Analyze([]string{"gone"}, nil, false); got != "" {
		t.Errorf("Analyze(pure delete) = %q, want empty", got)
	}
	if got := Analyze(nil, []string{"new"}, false); got != "" {
		t.Errorf("Analyze(pure insert) = %q, want empty", got)
	}
}

func TestAnalyzeSkipsOversizedBlocks(t *testing.T) {
	deleted := make([]string, 101)
	inserted := make([]string, 101)
	for i := range deleted {
		deleted[i] = "line"
		inserted[i] = "line"
	}
	if got := Analyze(deleted, inserted, false); got != "" {
		t.Errorf("Analyze(oversized) = %q, want empty", got)
	}
}

func TestCompareContentBlocks(t *testing.T) {
	cmp := CompareContent([]byte("a\nb\nc\n"), []byte("a\nx\nc\nd\n"))
	if cmp.IsBinary {
		t.Fatal("IsBinary = true for text comparison")
	}
	if len(cmp.Blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(cmp.Blocks))
	}

	replace := cmp.Blocks[0]
	if replace.Offset != 1 || replace.DeleteOffset != 1 || replace.InsertOffset != 1 {
		t.Errorf("replace block offsets = %d/%d/%d, want 1/1/1",
			replace.Offset, replace.DeleteOffset, replace.InsertOffset)
	}
	if replace.DeleteCount() != 1 || replace.InsertCount() != 1 {
		t.Errorf("replace block counts = %d/%d, want 1/1", replace.DeleteCount(), replace.InsertCount())
	}

	insert := cmp.Blocks[1]
	if insert.Index != 1 {
		t.Errorf("insert block index = %d, want 1", insert.Index)
	}
	if insert.Offset != 1 {
		t.Errorf("insert block offset = %d, want 1", insert.Offset)
	}
	if insert.DeleteCount() != 0 || insert.InsertCount() != 1 {
		t.Errorf("insert block counts = %d/%d, want 0/1", insert.DeleteCount(), insert.InsertCount())
	}
	if insert.Analysis != "" {
		t.Errorf("insert block analysis = %q, want empty", insert.Analysis)
	}
	if insert.InsertLength() != 1 {
		t.Errorf("insert block length = %d, want 1", insert.InsertLength())
	}
}

func TestCompareContentBinary(t *testing.T) {
	cmp := CompareContent([]byte("a\x00b"), []byte("text\n"))
	if !cmp.IsBinary {
		t.Fatal("IsBinary = false, want true")
	}
	if len(cmp.Blocks) != 0 {
		t.Fatalf("blocks = %d, want none for binary comparison", len(cmp.Blocks))
	}
}
