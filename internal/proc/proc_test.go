package proc

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
)

func TestExpand(t *testing.T) {
	t.Parallel()
	vars := Vars{Source: "main.tex", Dest: "my doc.pdf", Base: "main", Options: "-interaction=nonstopmode -recorder"}
	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"all placeholders", "pdflatex %O %S", "pdflatex -interaction=nonstopmode -recorder main.tex"},
		{"quoted destination", "ps2pdf %S %D", "ps2pdf main.tex 'my doc.pdf'"},
		{"base and literal percent", "makeindex %B.idx # 100%%", "makeindex main.idx # 100%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Expand(tt.tmpl, vars)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Expand(%q) = %q, want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestExpand_UnknownPlaceholder(t *testing.T) {
	t.Parallel()
	for _, tmpl := range []string{"latex %Z", "latex %"} {
		if _, err := Expand(tmpl, Vars{}); !errors.Is(err, ErrPlaceholder) {
			t.Errorf("Expand(%q) err = %v, want ErrPlaceholder", tmpl, err)
		}
	}
}

func TestQuote(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"main.tex":  "main.tex",
		"":          "''",
		"a b":       "'a b'",
		"it's":      `'it'\''s'`,
		"sub/x.eps": "sub/x.eps",
	}
	for in, want := range tests {
		if got := Quote(in); got != want {
			t.Errorf("Quote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestShellRun(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	dir := t.TempDir()
	var out strings.Builder
	sh := &Shell{}
	res, err := sh.Run(context.Background(), Command{Line: "pwd; echo oops >&2; exit 3", Dir: dir, Output: &out})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Tail, "oops") || !strings.Contains(out.String(), "oops") {
		t.Errorf("output not captured: tail %q, passthrough %q", res.Tail, out.String())
	}
}

func TestShellRun_BadShell(t *testing.T) {
	t.Parallel()
	sh := &Shell{Path: "/nonexistent/shell"}
	if _, err := sh.Run(context.Background(), Command{Line: "true", Dir: t.TempDir()}); err == nil {
		t.Error("want an error when the shell cannot start")
	}
}
