package fdb

import (
	"log/slog"

	"github.com/papapumpkin/quire/internal/rules"
)

// FromRegistry captures the persistent part of every rule in reg.
func FromRegistry(reg *rules.Registry) *State {
	st := &State{}
	for _, r := range reg.Rules() {
		pr := Rule{
			ID:          r.ID,
			RunTime:     r.RunTime,
			Source:      r.Source,
			Dest:        r.Dest,
			Base:        r.Base,
			CheckTime:   r.CheckTime,
			LastResult:  int(r.LastResult),
			RunCount:    r.RunCount,
			Generated:   r.GeneratedPaths(),
			Rewritten:   r.RewrittenPaths(),
			SourceRules: make(map[string]int, len(r.SourceRules)),
			Missing:     r.MissingPaths(),
		}
		for _, p := range r.SourcePaths() {
			src := r.Sources[p]
			pr.Sources = append(pr.Sources, File{Path: p, Stamp: src.Stamp, FromRule: src.FromRule})
		}
		for id, n := range r.SourceRules {
			pr.SourceRules[id] = n
		}
		st.Rules = append(st.Rules, pr)
	}
	return st
}

// Restore loads st into reg. Rules missing from reg are created through
// create when it recognizes the id; the others are skipped and returned.
// Existing snapshots also seed the file store so unchanged files need not
// be rehashed.
func Restore(reg *rules.Registry, st *State, create func(id string) (rules.Spec, bool), log *slog.Logger) []string {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	var skipped []string
	files := reg.Files()
	for _, pr := range st.Rules {
		rule, ok := reg.Rule(pr.ID)
		if !ok {
			spec, known := rules.Spec{}, false
			if create != nil {
				spec, known = create(pr.ID)
			}
			if !known {
				log.Warn("state file names an unknown rule, ignoring it", "rule", pr.ID)
				skipped = append(skipped, pr.ID)
				continue
			}
			rule = reg.CreateRule(spec)
			reg.Activate(rule.ID)
		}

		rule.RunTime = pr.RunTime
		rule.CheckTime = pr.CheckTime
		rule.LastResult = rules.Result(pr.LastResult)
		rule.RunCount = pr.RunCount
		for _, f := range pr.Sources {
			rule.Sources[f.Path] = &rules.SourceFile{Stamp: f.Stamp, FromRule: f.FromRule}
			if f.Stamp.Exists() && f.Stamp.Hash != "" {
				files.Set(f.Path, f.Stamp)
			}
		}
		for _, p := range pr.Generated {
			reg.SetProducer(p, rule.ID)
		}
		for _, p := range pr.Rewritten {
			rule.RewrittenBeforeRead[p] = true
			files.Record(p).RewrittenBeforeRead = true
		}
		for id, n := range pr.SourceRules {
			rule.SourceRules[id] = n
		}
		for _, p := range pr.Missing {
			rule.Missing[p] = true
		}
	}
	return skipped
}
