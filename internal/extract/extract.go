// Package extract merges what a run reports about itself (log, recorder file,
// aux and control files) into the rule registry: which files each rule read,
// which it wrote, and which follow-up rules the run calls for.
package extract

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/papapumpkin/quire/internal/logscan"
	"github.com/papapumpkin/quire/internal/rules"
)

// ErrNoLog is returned when a primary run left no log to analyze.
var ErrNoLog = errors.New("run produced no log")

// DefaultFLSTolerance is how much older than the run start a recorder file
// may be and still be trusted, allowing for coarse filesystem clocks.
const DefaultFLSTolerance = 2 * time.Second

// Builder creates the rules a run calls for.
type Builder interface {
	// AuxRule returns the rule of the given tool ("bibtex", "biber",
	// "makeindex") operating on base.
	AuxRule(tool, base string) (rules.Spec, bool)
	// CustomDependency returns the conversion rule that makes path from an
	// existing file, if one is declared.
	CustomDependency(path string) (rules.Spec, bool)
}

// Options configure the extractor.
type Options struct {
	Dir          string
	FLSTolerance time.Duration
	SystemDirs   []string
	// Resolve looks up a file reported as not found. Nil disables search.
	Resolve func(name string) string
	Builder Builder
	Log     *slog.Logger
}

func (o *Options) logger() *slog.Logger {
	if o.Log == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.Log
}

func (o *Options) abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(o.Dir, p)
}

func (o *Options) exists(p string) bool {
	info, err := os.Stat(o.abs(p))
	return err == nil && !info.IsDir()
}

// normalize maps a reported path to the form the registry records: relative
// to the work directory when inside it, absolute otherwise.
func (o *Options) normalize(p string) string {
	p = filepath.Clean(p)
	if !filepath.IsAbs(p) || o.Dir == "" {
		return p
	}
	dir, err := filepath.Abs(o.Dir)
	if err != nil {
		return p
	}
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return rel
}

func (o *Options) system(p string) bool {
	if !filepath.IsAbs(p) {
		return false
	}
	for _, d := range o.SystemDirs {
		d = filepath.Clean(d)
		if p == d || strings.HasPrefix(p, d+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Summary describes what one analysis found.
type Summary struct {
	Result  rules.Result
	Report  *logscan.LogReport
	UsedFLS bool
	Created []string // rules created on demand
	Missing []string // inputs nobody can provide
}

// source is one entry of a rule's rebuilt source set.
type source struct {
	path     string
	fromRule string
	fresh    bool // seed with the non-existent sentinel
}

// sourceSet keeps first-seen order and drops duplicates.
type sourceSet struct {
	list []source
	idx  map[string]int
}

func (s *sourceSet) add(src source) {
	if s.idx == nil {
		s.idx = make(map[string]int)
	}
	if i, ok := s.idx[src.path]; ok {
		if src.fromRule != "" {
			s.list[i].fromRule = src.fromRule
		}
		s.list[i].fresh = s.list[i].fresh || src.fresh
		return
	}
	s.idx[src.path] = len(s.list)
	s.list = append(s.list, src)
}

func (s *sourceSet) has(p string) bool {
	_, ok := s.idx[p]
	return ok
}

// merge replaces the rule's sources with set. Sources that are already
// tracked keep their snapshot; new ones are snapshotted now.
func merge(reg *rules.Registry, rule *rules.Rule, set *sourceSet) error {
	var stale []string
	for _, p := range rule.SourcePaths() {
		if !set.has(p) {
			stale = append(stale, p)
		}
	}
	if err := reg.RemoveSources(rule.ID, stale...); err != nil {
		return err
	}
	for _, src := range set.list {
		_, known := rule.Sources[src.path]
		fresh := src.fresh && !known
		if err := reg.EnsureSource(rule.ID, src.path, src.fromRule, fresh); err != nil {
			return err
		}
	}
	return nil
}

// setGenerated makes written the rule's generated set, releasing files it
// no longer writes.
func setGenerated(reg *rules.Registry, rule *rules.Rule, written []string) {
	keep := make(map[string]bool, len(written))
	for _, p := range written {
		keep[p] = true
	}
	for _, p := range rule.GeneratedPaths() {
		if keep[p] {
			continue
		}
		delete(rule.Generated, p)
		if rec, ok := reg.Files().Lookup(p); ok && rec.GeneratingRule == rule.ID {
			rec.GeneratingRule = ""
		}
	}
	for _, p := range written {
		reg.SetProducer(p, rule.ID)
	}
}

// ensureAux creates or reactivates the follow-up rule of tool for base.
func ensureAux(reg *rules.Registry, opts *Options, sum *Summary, tool, base string) {
	if opts.Builder == nil {
		return
	}
	spec, ok := opts.Builder.AuxRule(tool, base)
	if !ok {
		return
	}
	_, existed := reg.Rule(spec.ID)
	rule := reg.CreateRule(spec)
	if !existed {
		sum.Created = append(sum.Created, spec.ID)
	}
	if !rule.Active {
		opts.logger().Info("rule activated", "rule", spec.ID)
	}
	reg.Activate(spec.ID)
	if spec.Dest != "" {
		reg.SetProducer(spec.Dest, spec.ID)
	}
}

func deactivateAux(reg *rules.Registry, opts *Options, tool, base string) {
	if opts.Builder == nil {
		return
	}
	spec, ok := opts.Builder.AuxRule(tool, base)
	if !ok {
		return
	}
	if rule, ok := reg.Rule(spec.ID); ok && rule.Active {
		opts.logger().Info("rule deactivated", "rule", spec.ID)
		reg.Deactivate(spec.ID)
	}
}
