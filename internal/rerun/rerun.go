// Package rerun decides whether a rule is out of date and explains why.
package rerun

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/papapumpkin/quire/internal/filestate"
	"github.com/papapumpkin/quire/internal/rules"
)

// Reason is the category of one cause for rerunning a rule.
type Reason int

const (
	Changed              Reason = iota // a source's content differs from the snapshot
	DisappearedThisRule                // a source this rule generates is gone
	DisappearedOtherRule               // a source another rule generates is gone
	DisappearedUser                    // a user source is gone
	NeverRun                           // the primary rule has no recorded run
	NoDestination                      // the destination file is absent
	SourceRules                        // a rule this one depends on ran since
	RemakeGenerated                    // this rule must recreate a file another rule still needs
	MissingResolved                    // an input reported as not found is now found
	OutOfDate                          // flagged by the driver
	OutOfDateUser                      // flagged by the user (force)
)

var reasonNames = map[Reason]string{
	Changed:              "changed",
	DisappearedThisRule:  "disappeared (generated by this rule)",
	DisappearedOtherRule: "disappeared (generated by another rule)",
	DisappearedUser:      "disappeared (user file)",
	NeverRun:             "never run",
	NoDestination:        "destination missing",
	SourceRules:          "dependency rule ran",
	RemakeGenerated:      "generated file needed",
	MissingResolved:      "missing file found",
	OutOfDate:            "out of date",
	OutOfDateUser:        "forced",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Cause is one reason together with the file or rule it concerns.
type Cause struct {
	Reason Reason
	Path   string
	Rule   string
	// Inert causes are reported but do not force a run.
	Inert bool
}

func (c Cause) String() string {
	var b strings.Builder
	b.WriteString(c.Reason.String())
	switch {
	case c.Path != "":
		b.WriteString(": " + c.Path)
	case c.Rule != "":
		b.WriteString(": " + c.Rule)
	}
	if c.Inert {
		b.WriteString(" (ignored)")
	}
	return b.String()
}

// Reasons is the structured result of a check.
type Reasons []Cause

// MustRun reports whether any cause forces the rule to run.
func (rs Reasons) MustRun() bool {
	for _, c := range rs {
		if !c.Inert {
			return true
		}
	}
	return false
}

func (rs Reasons) String() string {
	parts := make([]string, len(rs))
	for i, c := range rs {
		parts[i] = c.String()
	}
	return strings.Join(parts, "; ")
}

// Options tune the check.
type Options struct {
	// UserDeletionsInert makes deleted user sources not a cause. Continuous
	// mode leaves it off so a deleted input still triggers a rebuild.
	UserDeletionsInert bool
	// Resolve finds a previously missing input. Nil checks the store only.
	Resolve func(name string) string
}

// Check compares the rule's recorded state with the filesystem and returns
// every cause found. An empty result means the rule is up to date.
func Check(reg *rules.Registry, rule *rules.Rule, opts Options) (Reasons, error) {
	var rs Reasons
	files := reg.Files()

	if rule.OutOfDateUser {
		rs = append(rs, Cause{Reason: OutOfDateUser})
	}
	if rule.OutOfDate {
		rs = append(rs, Cause{Reason: OutOfDate})
	}
	if rule.Kind == rules.KindPrimary && rule.LastResult == rules.ResultNeverRun {
		rs = append(rs, Cause{Reason: NeverRun})
	}
	if rule.Dest != "" && rule.LastResult != rules.ResultFailed && rule.LastResult != rules.ResultNoOutput {
		st, err := files.Get(rule.Dest, rule.CheckTime)
		if err != nil {
			return rs, fmt.Errorf("checking %s: %w", rule.ID, err)
		}
		if !st.Exists() {
			rs = append(rs, Cause{Reason: NoDestination, Path: rule.Dest})
		}
	}

	for _, p := range rule.SourcePaths() {
		src := rule.Sources[p]
		cur, err := files.Get(p, rule.CheckTime)
		if err != nil {
			return rs, fmt.Errorf("checking %s: %w", rule.ID, err)
		}
		old := src.Stamp
		switch {
		case !cur.Exists() && old.Exists():
			rs = append(rs, disappeared(reg, rule, p, src.FromRule, opts))
		case !cur.Exists():
		case !old.Exists():
			rs = append(rs, Cause{Reason: Changed, Path: p})
		case changed(files, p, old, cur):
			rs = append(rs, Cause{Reason: Changed, Path: p})
		}
	}

	deps := make([]string, 0, len(rule.SourceRules))
	for id := range rule.SourceRules {
		deps = append(deps, id)
	}
	sort.Strings(deps)
	for _, id := range deps {
		if other, ok := reg.Rule(id); ok && other.RunCount > rule.SourceRules[id] {
			rs = append(rs, Cause{Reason: SourceRules, Rule: id})
		}
	}

	for _, p := range rule.MissingPaths() {
		if found := resolve(files, opts, p); found != "" {
			rs = append(rs, Cause{Reason: MissingResolved, Path: found})
		}
	}

	for _, p := range rule.GeneratedPaths() {
		if p == rule.Dest || reg.Producer(p) != rule.ID {
			continue
		}
		st, err := files.Get(p, rule.CheckTime)
		if err != nil {
			return rs, fmt.Errorf("checking %s: %w", rule.ID, err)
		}
		if !st.Exists() && reg.NeededSource(p) {
			rs = append(rs, Cause{Reason: RemakeGenerated, Path: p})
		}
	}
	return rs, nil
}

func disappeared(reg *rules.Registry, rule *rules.Rule, path, fromRule string, opts Options) Cause {
	producer := reg.Producer(path)
	if producer == "" {
		producer = fromRule
	}
	switch producer {
	case "":
		return Cause{Reason: DisappearedUser, Path: path, Inert: opts.UserDeletionsInert}
	case rule.ID:
		return Cause{Reason: DisappearedThisRule, Path: path, Inert: true}
	default:
		return Cause{Reason: DisappearedOtherRule, Path: path, Rule: producer, Inert: true}
	}
}

// changed compares content hashes. When no line filter applies a size
// difference alone is enough.
func changed(files *filestate.Store, path string, old, cur filestate.Stamp) bool {
	if !files.HasIgnorePattern(path) && old.Size != cur.Size {
		return true
	}
	return old.Hash != cur.Hash
}

func resolve(files *filestate.Store, opts Options, name string) string {
	if opts.Resolve != nil {
		return opts.Resolve(name)
	}
	st, err := files.Get(name, time.Time{})
	if err != nil || !st.Exists() {
		return ""
	}
	return name
}
