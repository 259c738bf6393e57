package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/papapumpkin/quire/internal/rules"
)

func writeManifest(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, FileName)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_MissingIsDefault(t *testing.T) {
	t.Parallel()
	m, err := Load(filepath.Join(t.TempDir(), FileName))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), m); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Parallel()
	p := writeManifest(t, t.TempDir(), `
primary_options = "-recorder -halt-on-error"

[commands]
pdflatex = "pdflatex -shell-escape %O %S"

[ignore_patterns]
svg = '^<!-- generated'

[[custom_dependency]]
from = "svg"
to = "pdf"
command = "rsvg-convert -f pdf -o %D %S"

[[hook]]
name = "view"
command = "echo %S"
`)
	m, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := m.Commands["pdflatex"]; got != "pdflatex -shell-escape %O %S" {
		t.Errorf("pdflatex command = %q", got)
	}
	if got := m.Commands["bibtex"]; got != "bibtex %O %B" {
		t.Errorf("defaults must survive an override, bibtex = %q", got)
	}
	if m.PrimaryOptions != "-recorder -halt-on-error" {
		t.Errorf("PrimaryOptions = %q", m.PrimaryOptions)
	}
	if _, ok := m.IgnorePatterns["eps"]; !ok {
		t.Error("default eps ignore pattern lost")
	}
	want := []CustomDependency{{From: "svg", To: "pdf", Command: "rsvg-convert -f pdf -o %D %S"}}
	if diff := cmp.Diff(want, m.CustomDependencies); diff != "" {
		t.Errorf("custom dependencies mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
	}{
		{"unknown placeholder", "[commands]\npdflatex = \"pdflatex %X\"\n"},
		{"incomplete custom dependency", "[[custom_dependency]]\nfrom = \"svg\"\n"},
		{"bad ignore pattern", "[ignore_patterns]\nps = \"(\"\n"},
		{"unnamed hook", "[[hook]]\ncommand = \"true\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := writeManifest(t, t.TempDir(), tt.content)
			if _, err := Load(p); !errors.Is(err, ErrInvalid) {
				t.Errorf("Load err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestPlan(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		outs    Outputs
		ids     []string
		targets []string
	}{
		{"default pdf", Outputs{}, []string{"pdflatex"}, []string{"pdflatex"}},
		{"xelatex", Outputs{Formats: []Format{FormatPDF}, Engine: EngineXeLaTeX}, []string{"xelatex"}, []string{"xelatex"}},
		{"pdf via ps", Outputs{Formats: []Format{FormatPDFPS}}, []string{"latex", "dvips", "ps2pdf"}, []string{"ps2pdf"}},
		{"dvi and ps share latex", Outputs{Formats: []Format{FormatDVI, FormatPS}}, []string{"latex", "dvips"}, []string{"latex", "dvips"}},
		{"pdf via dvi", Outputs{Formats: []Format{FormatPDFDVI}}, []string{"latex", "dvipdf"}, []string{"dvipdf"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := &Builder{M: Default(), Dir: t.TempDir(), Base: "main"}
			p, err := b.Plan("main.tex", tt.outs)
			if err != nil {
				t.Fatal(err)
			}
			var ids []string
			for _, s := range p.Specs {
				ids = append(ids, s.ID)
			}
			if diff := cmp.Diff(tt.ids, ids); diff != "" {
				t.Errorf("rules mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.targets, p.Targets); diff != "" {
				t.Errorf("targets mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPlan_EngineConflict(t *testing.T) {
	t.Parallel()
	b := &Builder{M: Default(), Base: "main"}
	_, err := b.Plan("main.tex", Outputs{Formats: []Format{FormatPS}, Engine: EngineLuaLaTeX})
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestPlan_Hooks(t *testing.T) {
	t.Parallel()
	m := Default()
	m.Hooks = []Hook{{Name: "view", Command: "echo %S"}}
	b := &Builder{M: m, Base: "main"}
	p, err := b.Plan("main.tex", Outputs{})
	if err != nil {
		t.Fatal(err)
	}
	hook := p.Specs[len(p.Specs)-1]
	want := rules.Spec{ID: "hook view", Kind: rules.KindOneTime, Stage: rules.StageOnce, Command: "echo %S", Source: "main.pdf", Base: "main"}
	if diff := cmp.Diff(want, hook); diff != "" {
		t.Errorf("hook mismatch (-want +got):\n%s", diff)
	}
}

func TestBuilder_DynamicRules(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "fig.svg"), []byte("<svg/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := Default()
	m.CustomDependencies = []CustomDependency{{From: "svg", To: "pdf", Command: "rsvg-convert -o %D %S"}}
	b := &Builder{M: m, Dir: dir, Base: "main"}

	spec, ok := b.CustomDependency("fig.pdf")
	if !ok || spec.ID != "cusdep svg pdf fig" || spec.Source != "fig.svg" {
		t.Errorf("CustomDependency(fig.pdf) = %+v, %v", spec, ok)
	}
	if _, ok := b.CustomDependency("other.pdf"); ok {
		t.Error("no source file, no rule")
	}

	for _, id := range []string{"bibtex main", "biber main", "makeindex main", "cusdep svg pdf fig"} {
		spec, ok := b.FromID(id)
		if !ok || spec.ID != id {
			t.Errorf("FromID(%q) = %+v, %v", id, spec, ok)
		}
	}
	for _, id := range []string{"pdflatex", "cusdep eps pdf fig", "frobnicate main"} {
		if _, ok := b.FromID(id); ok {
			t.Errorf("FromID(%q) recognized", id)
		}
	}
}
