package search

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	touch(t, filepath.Join(base, "chapters", "intro.tex"))
	touch(t, filepath.Join(base, "local.sty"))

	r, err := NewResolver([]string{"chapters"}, []string{".tex"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		want string
	}{
		{"local.sty", "local.sty"},
		{"intro", filepath.Join("chapters", "intro.tex")},
		{"intro.tex", filepath.Join("chapters", "intro.tex")},
		{"absent.sty", ""},
	}
	for _, tt := range tests {
		if got := r.Resolve(base, tt.name); got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestResolve_CachesUntilInvalidated(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	r, err := NewResolver(nil, nil, 8)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Resolve(base, "late.tex"); got != "" {
		t.Fatalf("Resolve = %q before the file exists", got)
	}
	touch(t, filepath.Join(base, "late.tex"))
	if got := r.Resolve(base, "late.tex"); got != "" {
		t.Errorf("cached negative result expected, got %q", got)
	}
	r.Invalidate()
	if got := r.Resolve(base, "late.tex"); got != "late.tex" {
		t.Errorf("Resolve after Invalidate = %q, want late.tex", got)
	}
}
