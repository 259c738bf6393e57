package fdb

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/papapumpkin/quire/internal/filestate"
	"github.com/papapumpkin/quire/internal/rules"
)

func sampleRegistry(t *testing.T) *rules.Registry {
	t.Helper()
	reg := rules.NewRegistry(filestate.NewStore(), nil)
	primary := reg.CreateRule(rules.Spec{ID: "pdflatex", Kind: rules.KindPrimary, Stage: rules.StagePrimary, Source: "main.tex", Dest: "main.pdf", Base: "main"})
	bib := reg.CreateRule(rules.Spec{ID: "bibtex main", Kind: rules.KindExternal, Stage: rules.StagePre, Source: "main.aux", Dest: "main.bbl", Base: "main"})

	primary.RunTime = time.Unix(1_700_000_000, 123_456_789)
	primary.CheckTime = time.Unix(1_700_000_001, 5)
	primary.LastResult = rules.ResultWarning
	primary.RunCount = 4
	primary.Sources["main.tex"] = &rules.SourceFile{Stamp: filestate.Stamp{ModTime: time.Unix(1_699_999_000, 42), Size: 120, Hash: "abc123"}}
	primary.Sources["my \"odd\" file.tex"] = &rules.SourceFile{Stamp: filestate.Stamp{ModTime: time.Unix(1_699_999_100, 0), Size: 7, Hash: "def"}}
	primary.Sources["main.bbl"] = &rules.SourceFile{Stamp: filestate.Missing(), FromRule: "bibtex main"}
	primary.RewrittenBeforeRead["main.out"] = true
	primary.SourceRules["bibtex main"] = 2
	primary.Missing["fig.png"] = true
	reg.SetProducer("main.aux", "pdflatex")
	reg.SetProducer("main.pdf", "pdflatex")

	bib.LastResult = rules.ResultSuccess
	bib.RunCount = 2
	bib.Sources["main.aux"] = &rules.SourceFile{Stamp: filestate.Stamp{ModTime: time.Unix(1_700_000_000, 999_999_999), Size: 300, Hash: "aux"}, FromRule: "pdflatex"}
	reg.SetProducer("main.bbl", "bibtex main")
	return reg
}

func builder(id string) (rules.Spec, bool) {
	if strings.HasPrefix(id, "bibtex ") {
		base := strings.TrimPrefix(id, "bibtex ")
		return rules.Spec{ID: id, Kind: rules.KindExternal, Stage: rules.StagePre, Source: base + ".aux", Dest: base + ".bbl", Base: base}, true
	}
	return rules.Spec{}, false
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "main"+Ext)
	want := FromRegistry(sampleRegistry(t))
	if err := Write(path, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	st, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	reg := rules.NewRegistry(filestate.NewStore(), nil)
	reg.CreateRule(rules.Spec{ID: "pdflatex", Kind: rules.KindPrimary, Stage: rules.StagePrimary, Source: "main.tex", Dest: "main.pdf", Base: "main"})
	if skipped := Restore(reg, st, builder, nil); len(skipped) != 0 {
		t.Fatalf("skipped %v", skipped)
	}
	if diff := cmp.Diff(want, FromRegistry(reg)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if got := reg.Producer("main.bbl"); got != "bibtex main" {
		t.Errorf("Producer(main.bbl) = %q", got)
	}
	if rule, _ := reg.Rule("bibtex main"); !rule.Active {
		t.Error("restored dynamic rule should be active")
	}
	if rule, _ := reg.Rule("pdflatex"); !rule.Missing["fig.png"] {
		t.Error("missing input of the primary was not restored")
	}
}

func TestRestore_SeedsFileStore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := filepath.Join(dir, "main.tex")
	if err := os.WriteFile(p, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	st := &State{Rules: []Rule{{
		ID:      "pdflatex",
		Sources: []File{{Path: p, Stamp: filestate.Stamp{ModTime: info.ModTime(), Size: info.Size(), Hash: "cached"}}},
	}}}
	store := filestate.NewStore()
	reg := rules.NewRegistry(store, nil)
	reg.CreateRule(rules.Spec{ID: "pdflatex", Kind: rules.KindPrimary})
	Restore(reg, st, nil, nil)

	got, err := store.Get(p, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Hash != "cached" || store.HashCount() != 0 {
		t.Errorf("Get = %+v after %d hashes, want the restored hash reused", got, store.HashCount())
	}
}

func TestRestore_UnknownRule(t *testing.T) {
	t.Parallel()
	reg := rules.NewRegistry(filestate.NewStore(), nil)
	st := &State{Rules: []Rule{{ID: "mystery tool"}, {ID: "bibtex paper"}}}
	skipped := Restore(reg, st, builder, nil)
	if diff := cmp.Diff([]string{"mystery tool"}, skipped); diff != "" {
		t.Errorf("skipped mismatch (-want +got):\n%s", diff)
	}
	if _, ok := reg.Rule("bibtex paper"); !ok {
		t.Error("recognized dynamic rule not created")
	}
}

func TestRead_Missing(t *testing.T) {
	t.Parallel()
	st, err := Read(filepath.Join(t.TempDir(), "none.fdb"))
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Rules) != 0 {
		t.Errorf("Rules = %v, want none", st.Rules)
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"other version", "# quire fdb version 2\n", ErrVersion},
		{"no header", "[\"pdflatex\"] 0 \"\" \"\" \"\" 0 0 0\n", ErrSyntax},
		{"entry before rule", "# quire fdb version 1\n  \"main.tex\" 0 -1 - \"\"\n", ErrSyntax},
		{"short rule line", "# quire fdb version 1\n[\"pdflatex\"] 0 \"main.tex\"\n", ErrSyntax},
		{"bad time", "# quire fdb version 1\n[\"pdflatex\"] 12.5 \"\" \"\" \"\" 0 0 0\n", ErrSyntax},
		{"bad quoting", "# quire fdb version 1\n[\"pdflatex] 0\n", ErrSyntax},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(strings.NewReader(tt.in)); !errors.Is(err, tt.want) {
				t.Errorf("Decode err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEncode_Format(t *testing.T) {
	t.Parallel()
	st := &State{Rules: []Rule{{
		ID:          "pdflatex",
		RunTime:     time.Unix(10, 1),
		Source:      "main.tex",
		LastResult:  -1,
		Sources:     []File{{Path: "main.bbl", Stamp: filestate.Missing(), FromRule: "bibtex main"}},
		Generated:   []string{"main.aux"},
		SourceRules: map[string]int{"bibtex main": 1},
		Missing:     []string{"fig.png"},
	}}}
	var b strings.Builder
	if err := Encode(&b, st); err != nil {
		t.Fatal(err)
	}
	want := strings.Join([]string{
		"# quire fdb version 1",
		`["pdflatex"] 10.000000001 "main.tex" "" "" 0 -1 0`,
		`  "main.bbl" 0 -1 - "bibtex main"`,
		"  (generated)",
		`  "main.aux"`,
		"  (rewritten before read)",
		"  (source rules)",
		`  "bibtex main" 1`,
		"  (missing)",
		`  "fig.png"`,
		"",
	}, "\n")
	if diff := cmp.Diff(want, b.String()); diff != "" {
		t.Errorf("encoding mismatch (-want +got):\n%s", diff)
	}
}
