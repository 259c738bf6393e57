package rules

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/papapumpkin/quire/internal/filestate"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	return NewRegistry(filestate.NewStore(), nil), t.TempDir()
}

func ids(rs []*Rule) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

func TestCreateRule_Idempotent(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t)

	first := reg.CreateRule(Spec{ID: "pdflatex", Kind: KindPrimary, Stage: StagePrimary, Command: "old"})
	first.RunCount = 3
	second := reg.CreateRule(Spec{ID: "pdflatex", Kind: KindPrimary, Stage: StagePrimary, Command: "new"})

	if first != second {
		t.Fatal("CreateRule returned a different instance for the same id")
	}
	if second.Command != "new" {
		t.Errorf("Command = %q, want %q", second.Command, "new")
	}
	if second.RunCount != 3 {
		t.Errorf("RunCount = %d, state should survive an update", second.RunCount)
	}
	if got := len(reg.Rules()); got != 1 {
		t.Errorf("registry has %d rules, want 1", got)
	}
	if second.LastResult != ResultNeverRun {
		t.Errorf("LastResult = %v, want never-run", second.LastResult)
	}
}

func TestEnsureSource_TreatAsNonexistent(t *testing.T) {
	t.Parallel()
	reg, dir := newTestRegistry(t)
	path := filepath.Join(dir, "fig.pdf")
	if err := os.WriteFile(path, []byte("pdf"), 0o644); err != nil {
		t.Fatal(err)
	}
	reg.CreateRule(Spec{ID: "pdflatex", Kind: KindPrimary})

	if err := reg.EnsureSource("pdflatex", path, "cusdep eps pdf fig", true); err != nil {
		t.Fatalf("EnsureSource: %v", err)
	}
	rule, _ := reg.Rule("pdflatex")
	src := rule.Sources[path]
	if src.Stamp.Exists() {
		t.Errorf("stamp = %+v, want the non-existent sentinel", src.Stamp)
	}
	if src.FromRule != "cusdep eps pdf fig" {
		t.Errorf("FromRule = %q", src.FromRule)
	}
	if got := reg.Producer(path); got != "cusdep eps pdf fig" {
		t.Errorf("Producer = %q", got)
	}
}

func TestEnsureSource_UnknownRule(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t)
	err := reg.EnsureSource("nope", "a.tex", "", false)
	if !errors.Is(err, ErrUnknownRule) {
		t.Errorf("err = %v, want ErrUnknownRule", err)
	}
}

func TestAccessibleRules_FollowsProducersAndCycles(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t)
	reg.CreateRule(Spec{ID: "pdflatex", Kind: KindPrimary, Stage: StagePrimary})
	reg.CreateRule(Spec{ID: "bibtex main", Kind: KindExternal, Stage: StagePre})
	reg.CreateRule(Spec{ID: "makeindex main", Kind: KindExternal, Stage: StagePre})
	reg.CreateRule(Spec{ID: "unrelated", Kind: KindExternal, Stage: StagePost})

	// pdflatex reads main.bbl from bibtex; bibtex reads main.aux from pdflatex.
	must(t, reg.EnsureSource("pdflatex", "main.bbl", "bibtex main", false))
	must(t, reg.EnsureSource("bibtex main", "main.aux", "pdflatex", false))
	pdf, _ := reg.Rule("pdflatex")
	pdf.SourceRules["makeindex main"] = 0

	reg.Request("pdflatex")
	got := ids(reg.AccessibleRules())
	want := []string{"pdflatex", "bibtex main", "makeindex main"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("AccessibleRules mismatch (-want +got):\n%s", diff)
	}
}

func TestSetProducer_LastWriterWins(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t)
	reg.CreateRule(Spec{ID: "a", Kind: KindExternal})
	reg.CreateRule(Spec{ID: "b", Kind: KindExternal})
	reg.SetProducer("x.out", "a")
	reg.SetProducer("x.out", "b")
	if got := reg.Producer("x.out"); got != "b" {
		t.Errorf("Producer = %q, want b", got)
	}
}

func TestPrimeAndRestoreUserSources(t *testing.T) {
	t.Parallel()
	reg, dir := newTestRegistry(t)
	user := filepath.Join(dir, "main.tex")
	gen := filepath.Join(dir, "main.aux")
	writeTestFile(t, user, "v1")
	writeTestFile(t, gen, "aux1")

	reg.CreateRule(Spec{ID: "pdflatex", Kind: KindPrimary})
	must(t, reg.EnsureSource("pdflatex", user, "", false))
	must(t, reg.EnsureSource("pdflatex", gen, "pdflatex", false))
	rule, _ := reg.Rule("pdflatex")
	before := rule.Sources[user].Stamp

	writeTestFile(t, user, "v2-longer")
	writeTestFile(t, gen, "aux2-longer")

	saved, err := reg.Prime("pdflatex")
	if err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if rule.Sources[user].Stamp == before {
		t.Fatal("Prime did not refresh the user source")
	}
	primedGen := rule.Sources[gen].Stamp

	if err := reg.RestoreUserSources("pdflatex", saved); err != nil {
		t.Fatal(err)
	}
	if rule.Sources[user].Stamp != before {
		t.Error("user source should be rolled back to its pre-prime stamp")
	}
	if rule.Sources[gen].Stamp != primedGen {
		t.Error("generated source should keep its primed stamp")
	}
	if rule.CheckTime.IsZero() {
		t.Error("Prime should set CheckTime")
	}
}

func TestCreatedSince(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t)
	reg.CreateRule(Spec{ID: "a"})
	mark := reg.Mark()
	reg.CreateRule(Spec{ID: "b"})
	reg.CreateRule(Spec{ID: "a"})
	if diff := cmp.Diff([]string{"b"}, ids(reg.CreatedSince(mark))); diff != "" {
		t.Errorf("CreatedSince mismatch (-want +got):\n%s", diff)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
