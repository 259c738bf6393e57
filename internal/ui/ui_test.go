package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestPrinter_Lines(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		print func(p *Printer)
		want  []string
	}{
		{"pass", func(p *Printer) { p.PassStart(2, 5) }, []string{"pass 2/5"}},
		{"rule start", func(p *Printer) { p.RuleStart("pdflatex", "changed: main.tex") }, []string{"pdflatex", "changed: main.tex"}},
		{"rule done", func(p *Printer) { p.RuleDone("bibtex main", "warning", 1500*time.Millisecond) }, []string{"bibtex main", "warning (1.5s)"}},
		{"rule failed", func(p *Printer) { p.RuleFailed("pdflatex", "exit status 1") }, []string{"✗ pdflatex", "exit status 1"}},
		{"blocked", func(p *Printer) { p.RuleBlocked("dvips", "latex") }, []string{"dvips", "blocked by latex"}},
		{"clean nothing", func(p *Printer) { p.Removed(nil) }, []string{"nothing to clean"}},
		{"clean", func(p *Printer) { p.Removed([]string{"main.aux", "main.log"}) }, []string{"removed main.aux main.log"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			tt.print(NewWriter(&buf))
			out := buf.String()
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("output %q missing %q", out, want)
				}
			}
		})
	}
}

func TestPrinter_NoColorOnPlainWriter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	NewWriter(&buf).Error("boom")
	if strings.Contains(buf.String(), "\x1b[") {
		t.Errorf("escape codes written to a non-terminal: %q", buf.String())
	}
}

func TestPrinter_Status(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	NewWriter(&buf).Status([]StatusRow{
		{Rule: "pdflatex", Kind: "primary", Active: true, Result: "success", Runs: 3, Reasons: []string{"changed: main.tex"}},
		{Rule: "biber main", Kind: "external", Active: false, Result: "never-run"},
	})
	out := buf.String()
	for _, want := range []string{"pdflatex", "out of date", "changed: main.tex", "biber main", "inactive", "runs=3"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}
