package extract

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/papapumpkin/quire/internal/logscan"
	"github.com/papapumpkin/quire/internal/rules"
)

// Primary analyzes a finished compiler run started at runStart and updates
// the rule's sources, generated files and the follow-up rules it needs.
func Primary(reg *rules.Registry, rule *rules.Rule, runStart time.Time, opts Options) (*Summary, error) {
	log := opts.logger()
	base := rule.Base

	rep, err := scanLog(&opts, base+".log")
	if err != nil {
		return nil, fmt.Errorf("analyzing %s: %w", rule.ID, err)
	}
	sum := &Summary{Report: rep, Result: resultOf(rep)}
	for _, h := range rep.RerunHints {
		log.Debug("rerun hint", "rule", rule.ID, "hint", h)
	}

	rec := readFLS(&opts, base+".fls", runStart)
	sum.UsedFLS = rec != nil

	var inputs, outputs []string
	rewritten := make(map[string]bool)
	if rec != nil {
		for _, p := range rec.Inputs {
			n := opts.normalize(p)
			inputs = append(inputs, n)
			if rec.WrittenBeforeRead(p) {
				rewritten[n] = true
			}
		}
		for _, p := range rec.Outputs {
			outputs = append(outputs, opts.normalize(p))
		}
		outputs = append(outputs, base+".fls")
	} else {
		for _, p := range rep.Paths(logscan.FindInput, logscan.Confirmed) {
			inputs = append(inputs, opts.normalize(p))
		}
	}
	for _, p := range rep.Paths(logscan.FindWritten, logscan.Confirmed) {
		outputs = append(outputs, opts.normalize(p))
	}
	if d := rep.Destination(); d != "" {
		d = opts.normalize(d)
		if rule.Dest != "" && d != rule.Dest {
			log.Warn("run wrote an unexpected destination", "rule", rule.ID, "want", rule.Dest, "got", d)
		}
		outputs = append(outputs, d)
	}
	outputs = append(outputs, base+".log")

	converted := make(map[string]string)
	for _, c := range rep.Conversions {
		to := opts.normalize(c.To)
		converted[to] = opts.normalize(c.From)
		outputs = append(outputs, to)
	}

	written := make(map[string]bool, len(outputs))
	var uniq []string
	for _, p := range outputs {
		if !written[p] {
			written[p] = true
			uniq = append(uniq, p)
		}
	}
	setGenerated(reg, rule, uniq)
	for to := range converted {
		reg.Files().Record(to).CorrectAfterPrimary = true
	}

	clear(rule.RewrittenBeforeRead)
	for p := range rewritten {
		rule.RewrittenBeforeRead[p] = true
		reg.Files().Record(p).RewrittenBeforeRead = true
	}

	triggerAux(reg, &opts, sum, base, written)

	set := &sourceSet{}
	if rule.Source != "" {
		set.add(source{path: rule.Source})
	}
	for _, p := range inputs {
		switch {
		case p == rule.Dest:
			log.Debug("ignoring destination read back as input", "rule", rule.ID, "file", p)
			continue
		case opts.system(p), rewritten[p]:
			continue
		}
		src := source{path: p, fromRule: reg.Producer(p)}
		if written[p] {
			src.fromRule = rule.ID
			_, isConversion := converted[p]
			src.fresh = !isConversion
		}
		set.add(src)
	}
	for _, from := range converted {
		if !opts.system(from) {
			set.add(source{path: from, fromRule: reg.Producer(from)})
		}
	}

	clear(rule.Missing)
	for _, m := range rep.Paths(logscan.FindMissing, logscan.Confirmed) {
		m = opts.normalize(m)
		if opts.system(m) {
			continue
		}
		if !placeMissing(reg, &opts, rule, sum, set, m, written[m]) {
			rule.Missing[m] = true
			sum.Missing = append(sum.Missing, m)
		}
	}

	if err := merge(reg, rule, set); err != nil {
		return nil, err
	}
	return sum, nil
}

// placeMissing finds a source for an input the run could not open. It
// reports false when nothing can provide the file.
func placeMissing(reg *rules.Registry, opts *Options, rule *rules.Rule, sum *Summary, set *sourceSet, m string, writtenNow bool) bool {
	if prod := reg.Producer(m); prod != "" && prod != rule.ID {
		set.add(source{path: m, fromRule: prod})
		return true
	}
	if writtenNow {
		set.add(source{path: m, fromRule: rule.ID, fresh: true})
		return true
	}
	if opts.Builder != nil {
		if spec, ok := opts.Builder.CustomDependency(m); ok {
			_, existed := reg.Rule(spec.ID)
			reg.CreateRule(spec)
			reg.Activate(spec.ID)
			reg.SetProducer(spec.Dest, spec.ID)
			if !existed {
				sum.Created = append(sum.Created, spec.ID)
			}
			set.add(source{path: spec.Dest, fromRule: spec.ID, fresh: true})
			return true
		}
	}
	if opts.Resolve != nil {
		if found := opts.Resolve(m); found != "" {
			set.add(source{path: found, fromRule: reg.Producer(found), fresh: true})
			return true
		}
	}
	return false
}

// triggerAux creates the bibliography and index rules the run's outputs call
// for and deactivates those whose trigger is gone.
func triggerAux(reg *rules.Registry, opts *Options, sum *Summary, base string, written map[string]bool) {
	switch {
	case written[base+".bcf"]:
		ensureAux(reg, opts, sum, "biber", base)
		deactivateAux(reg, opts, "bibtex", base)
	case written[base+".aux"] && hasBibData(opts, base+".aux"):
		ensureAux(reg, opts, sum, "bibtex", base)
		deactivateAux(reg, opts, "biber", base)
	default:
		deactivateAux(reg, opts, "bibtex", base)
		deactivateAux(reg, opts, "biber", base)
	}
	if written[base+".idx"] {
		ensureAux(reg, opts, sum, "makeindex", base)
	} else {
		deactivateAux(reg, opts, "makeindex", base)
	}
}

func hasBibData(opts *Options, aux string) bool {
	f, err := os.Open(opts.abs(aux))
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := logscan.ScanAux(f)
	if err != nil {
		opts.logger().Warn("reading aux file", "file", aux, "error", err)
		return false
	}
	return len(info.BibData) > 0
}

func scanLog(opts *Options, name string) (*logscan.LogReport, error) {
	f, err := os.Open(opts.abs(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, ErrNoLog)
		}
		return nil, err
	}
	defer f.Close()
	s := &logscan.Scanner{Exists: opts.exists}
	return s.Scan(f)
}

// readFLS returns the recorder file if it was written by this run, or nil.
func readFLS(opts *Options, name string, runStart time.Time) *logscan.Recording {
	tol := opts.FLSTolerance
	if tol <= 0 {
		tol = DefaultFLSTolerance
	}
	path := opts.abs(name)
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if info.ModTime().Before(runStart.Add(-tol)) {
		opts.logger().Debug("recorder file predates the run", "file", name)
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		opts.logger().Warn("recorder file unreadable, using log only", "file", name, "error", err)
		return nil
	}
	defer f.Close()
	rec, err := logscan.ParseFLS(f)
	if err != nil {
		opts.logger().Warn("recorder file unreadable, using log only", "file", name, "error", err)
		return nil
	}
	return rec
}

func resultOf(rep *logscan.LogReport) rules.Result {
	switch {
	case rep.NoPages:
		return rules.ResultNoOutput
	case rep.Undefined > 0:
		return rules.ResultWarning
	default:
		return rules.ResultSuccess
	}
}
