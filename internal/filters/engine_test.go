package filters

import (
	"testing"

	"github.com/critic-scm/critic/internal/models"
)

const alice, bob int64 = 1, 2

func TestValidate(t *testing.T) {
	tests := []struct {
		pattern string
		ok      bool
	}{
		{"/", true},
		{"src/", true},
		{"src/**/*.c", true},
		{"*.c", true},
		{"docs/?.md", true},
		{"**", true},
		{"", false},
		{"src//main.c", false},
		{"src/a**", false},
		{"src/**x/main.c", false},
	}
	for _, tt := range tests {
		err := Validate(tt.pattern)
		if tt.ok && err != nil {
			t.Errorf("Validate(%q) = %v, want nil", tt.pattern, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("Validate(%q) = nil, want error", tt.pattern)
		}
	}
}

func TestSpecificityOrdering(t *testing.T) {
	// A more specific pattern of the same user wins; the watcher on *.c
	// loses to the reviewer on src/**/*.c under src/.
	engine, err := NewEngine([]models.Filter{
		{UserID: alice, Path: "*.c", Type: models.FilterWatcher},
		{UserID: alice, Path: "src/**/*.c", Type: models.FilterReviewer},
	}, []string{"x.c", "src/lib/x.c"})
	if err != nil {
		t.Fatal(err)
	}
	if !engine.IsReviewer(alice, "src/lib/x.c") {
		t.Error("alice should review src/lib/x.c")
	}
	if !engine.IsWatcher(alice, "x.c") {
		t.Error("alice should watch x.c")
	}
}

func TestIgnoredRemovesUser(t *testing.T) {
	engine, err := NewEngine([]models.Filter{
		{UserID: alice, Path: "src/", Type: models.FilterReviewer},
		{UserID: alice, Path: "src/generated/", Type: models.FilterIgnored},
		{UserID: bob, Path: "src/", Type: models.FilterReviewer},
	}, []string{"src/main.c", "src/generated/parser.c"})
	if err != nil {
		t.Fatal(err)
	}
	if !engine.IsReviewer(alice, "src/main.c") {
		t.Error("alice should review src/main.c")
	}
	if engine.IsRelevant(alice, "src/generated/parser.c") {
		t.Error("ignored filter should remove alice from src/generated/parser.c")
	}
	if !engine.IsReviewer(bob, "src/generated/parser.c") {
		t.Error("alice's ignored filter must not affect bob")
	}
}

func TestReviewerScopesUnion(t *testing.T) {
	engine, err := NewEngine([]models.Filter{
		{UserID: alice, Path: "src/", Type: models.FilterReviewer, Scopes: []string{"style"}},
		{UserID: alice, Path: "src/lib/", Type: models.FilterReviewer, Scopes: []string{"correctness"}},
	}, []string{"src/lib/x.c"})
	if err != nil {
		t.Fatal(err)
	}
	effect := engine.ListUsers("src/lib/x.c")[alice]
	if effect.Type != models.FilterReviewer {
		t.Fatalf("effect = %+v, want reviewer", effect)
	}
	if len(effect.Scopes) != 2 {
		t.Errorf("scopes = %v, want union of style and correctness", effect.Scopes)
	}
}

func TestExactFileBeatsDirectory(t *testing.T) {
	engine, err := NewEngine([]models.Filter{
		{UserID: alice, Path: "src/", Type: models.FilterReviewer},
		{UserID: alice, Path: "src/main.c", Type: models.FilterWatcher},
	}, []string{"src/main.c", "src/other.c"})
	if err != nil {
		t.Fatal(err)
	}
	if !engine.IsWatcher(alice, "src/main.c") {
		t.Error("exact-file filter should beat the directory filter")
	}
	if !engine.IsReviewer(alice, "src/other.c") {
		t.Error("directory filter should still apply to src/other.c")
	}
}

func TestRelevantFiles(t *testing.T) {
	engine, err := NewEngine([]models.Filter{
		{UserID: alice, Path: "src/", Type: models.FilterReviewer},
		{UserID: bob, Path: "/", Type: models.FilterWatcher},
	}, []string{"src/main.c", "README.md"})
	if err != nil {
		t.Fatal(err)
	}
	relevant := engine.RelevantFiles()
	if len(relevant[alice]) != 1 || !relevant[alice]["src/main.c"] {
		t.Errorf("alice relevant files = %v, want src/main.c only", relevant[alice])
	}
	if len(relevant[bob]) != 2 {
		t.Errorf("bob relevant files = %v, want both", relevant[bob])
	}
}

func TestNewEngineRejectsInvalidPattern(t *testing.T) {
	if _, err := NewEngine([]models.Filter{
		{UserID: alice, Path: "src//x.c", Type: models.FilterReviewer},
	}, []string{"src/x.c"}); err == nil {
		t.Fatal("expected invalid pattern to be rejected")
	}
}
