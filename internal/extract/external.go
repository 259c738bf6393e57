package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/papapumpkin/quire/internal/logscan"
	"github.com/papapumpkin/quire/internal/rules"
)

// Analyze dispatches to the analyzer of the rule's kind and tool.
func Analyze(reg *rules.Registry, rule *rules.Rule, runStart time.Time, opts Options) (*Summary, error) {
	switch rule.Kind {
	case rules.KindPrimary:
		return Primary(reg, rule, runStart, opts)
	case rules.KindOneTime:
		return &Summary{Result: rules.ResultSuccess}, nil
	case rules.KindCustomDependency:
		return simple(reg, rule, &opts, nil)
	}
	switch Tool(rule.ID) {
	case "bibtex":
		return Bibtex(reg, rule, opts)
	case "biber":
		return Biber(reg, rule, opts)
	case "makeindex":
		return simple(reg, rule, &opts, []string{rule.Base + ".ilg"})
	default:
		return simple(reg, rule, &opts, nil)
	}
}

// Tool returns the tool name a rule id starts with.
func Tool(id string) string {
	tool, _, _ := strings.Cut(id, " ")
	return tool
}

// simple analyzes a rule whose only source is its declared source file.
func simple(reg *rules.Registry, rule *rules.Rule, opts *Options, extra []string) (*Summary, error) {
	sum := &Summary{Result: rules.ResultSuccess}
	set := &sourceSet{}
	clear(rule.Missing)
	if rule.Source != "" {
		set.add(source{path: rule.Source, fromRule: reg.Producer(rule.Source)})
		if !opts.exists(rule.Source) {
			rule.Missing[rule.Source] = true
			sum.Missing = append(sum.Missing, rule.Source)
		}
	}
	finishExternal(reg, rule, extra)
	if err := merge(reg, rule, set); err != nil {
		return nil, err
	}
	return sum, nil
}

// Bibtex analyzes a bibtex run: its aux file names the databases and style,
// and its log names the files it failed to open.
func Bibtex(reg *rules.Registry, rule *rules.Rule, opts Options) (*Summary, error) {
	sum := &Summary{Result: rules.ResultSuccess}
	set := &sourceSet{}
	clear(rule.Missing)

	aux := rule.Source
	if aux == "" {
		aux = rule.Base + ".aux"
	}
	set.add(source{path: aux, fromRule: reg.Producer(aux)})
	info, err := readAux(&opts, aux)
	if err != nil {
		return nil, fmt.Errorf("analyzing %s: %w", rule.ID, err)
	}
	for _, inc := range info.Includes {
		set.add(source{path: inc, fromRule: reg.Producer(inc)})
	}
	for _, db := range info.BibData {
		addResolved(reg, &opts, rule, sum, set, withDefaultExt(db, ".bib"), true)
	}
	if info.BibStyle != "" {
		// Styles usually live in the TeX distribution; only local ones are tracked.
		addResolved(reg, &opts, rule, sum, set, withDefaultExt(info.BibStyle, ".bst"), false)
	}
	if err := scanBlg(&opts, rule, sum); err != nil {
		return nil, err
	}

	finishExternal(reg, rule, []string{rule.Base + ".blg"})
	if err := merge(reg, rule, set); err != nil {
		return nil, err
	}
	return sum, nil
}

// Biber analyzes a biber run from the data sources named in its control file.
func Biber(reg *rules.Registry, rule *rules.Rule, opts Options) (*Summary, error) {
	sum := &Summary{Result: rules.ResultSuccess}
	set := &sourceSet{}
	clear(rule.Missing)

	bcf := rule.Source
	if bcf == "" {
		bcf = rule.Base + ".bcf"
	}
	set.add(source{path: bcf, fromRule: reg.Producer(bcf)})
	f, err := os.Open(opts.abs(bcf))
	if err != nil {
		return nil, fmt.Errorf("analyzing %s: %w", rule.ID, err)
	}
	names, err := logscan.BCFDataSources(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("analyzing %s: %w", rule.ID, err)
	}
	for _, db := range names {
		addResolved(reg, &opts, rule, sum, set, db, true)
	}
	if err := scanBlg(&opts, rule, sum); err != nil {
		return nil, err
	}

	finishExternal(reg, rule, []string{rule.Base + ".blg"})
	if err := merge(reg, rule, set); err != nil {
		return nil, err
	}
	return sum, nil
}

func readAux(opts *Options, aux string) (*logscan.AuxInfo, error) {
	f, err := os.Open(opts.abs(aux))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return logscan.ScanAux(f)
}

func scanBlg(opts *Options, rule *rules.Rule, sum *Summary) error {
	f, err := os.Open(opts.abs(rule.Base + ".blg"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("analyzing %s: %w", rule.ID, err)
	}
	defer f.Close()
	rep, err := logscan.ScanBlg(f)
	if err != nil {
		return fmt.Errorf("analyzing %s: %w", rule.ID, err)
	}
	for _, m := range rep.Missing {
		m = opts.normalize(m)
		if !rule.Missing[m] {
			rule.Missing[m] = true
			sum.Missing = append(sum.Missing, m)
		}
	}
	if rep.Errors > 0 {
		sum.Result = rules.ResultWarning
	}
	return nil
}

// addResolved adds a file named by a tool's input after searching for it.
// Unresolved required files are recorded as missing.
func addResolved(reg *rules.Registry, opts *Options, rule *rules.Rule, sum *Summary, set *sourceSet, name string, required bool) {
	found := name
	if opts.Resolve != nil {
		found = opts.Resolve(name)
	} else if !opts.exists(name) {
		found = ""
	}
	if found == "" {
		if required && !rule.Missing[name] {
			rule.Missing[name] = true
			sum.Missing = append(sum.Missing, name)
		}
		return
	}
	found = opts.normalize(found)
	if opts.system(found) {
		return
	}
	set.add(source{path: found, fromRule: reg.Producer(found)})
}

// finishExternal records the rule's destination and byproducts as generated.
func finishExternal(reg *rules.Registry, rule *rules.Rule, extra []string) {
	var written []string
	if rule.Dest != "" {
		written = append(written, rule.Dest)
	}
	written = append(written, extra...)
	setGenerated(reg, rule, written)
}

func withDefaultExt(name, ext string) string {
	if filepath.Ext(name) == "" {
		return name + ext
	}
	return name
}
