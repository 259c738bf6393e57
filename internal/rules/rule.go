// Package rules holds the rule registry: every derivation rule of the build
// network, the source snapshots each rule was last run against, and the
// back-references from files to the rules that generate them.
package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/papapumpkin/quire/internal/filestate"
)

// Kind is the fixed taxonomy of rules.
type Kind int

const (
	KindPrimary          Kind = iota // the document compiler
	KindExternal                     // bibliography, index and format post-processors
	KindCustomDependency             // user-declared conversions feeding the primary
	KindOneTime                      // end-of-invocation hooks, outside the fixpoint
)

func (k Kind) String() string {
	switch k {
	case KindPrimary:
		return "primary"
	case KindExternal:
		return "external"
	case KindCustomDependency:
		return "cusdep"
	case KindOneTime:
		return "onetime"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Stage places a rule relative to the primary rule within one pass.
type Stage int

const (
	StagePre Stage = iota
	StagePrimary
	StagePost
	StageOnce
)

func (s Stage) String() string {
	switch s {
	case StagePre:
		return "pre"
	case StagePrimary:
		return "primary"
	case StagePost:
		return "post"
	case StageOnce:
		return "once"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Result is the outcome of a rule's last run. The numeric values are
// persisted in the state file.
type Result int

const (
	ResultNeverRun Result = -1
	ResultSuccess  Result = 0
	ResultFailed   Result = 1
	ResultWarning  Result = 2
	ResultNoOutput Result = 3
)

func (r Result) String() string {
	switch r {
	case ResultNeverRun:
		return "never-run"
	case ResultSuccess:
		return "success"
	case ResultFailed:
		return "failed"
	case ResultWarning:
		return "warning"
	case ResultNoOutput:
		return "no-output"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Succeeded reports whether the result counts as a completed run.
func (r Result) Succeeded() bool {
	return r == ResultSuccess || r == ResultWarning || r == ResultNoOutput
}

// SourceFile is a rule's snapshot of one of its sources, taken as of the
// rule's last run.
type SourceFile struct {
	Stamp    filestate.Stamp
	FromRule string // rule expected to produce this file, "" for user files
}

// Spec describes a rule to create or update.
type Spec struct {
	ID      string
	Kind    Kind
	Stage   Stage
	Command string
	Source  string
	Dest    string
	Base    string
	Options string
}

// Rule is one node of the build network.
type Rule struct {
	ID      string
	Kind    Kind
	Stage   Stage
	Command string
	Source  string
	Dest    string
	Base    string
	Options string
	Active  bool

	Sources             map[string]*SourceFile
	Generated           map[string]bool
	RewrittenBeforeRead map[string]bool
	SourceRules         map[string]int
	// Missing holds inputs reported as not found that no search resolved yet.
	Missing map[string]bool

	OutOfDate     bool
	OutOfDateUser bool

	RunTime     time.Time
	CheckTime   time.Time
	LastResult  Result
	LastMessage string
	RunCount    int // lifetime runs, persisted
	Passes      int // runs within the current invocation

	seq int
}

func newRule(spec Spec, seq int) *Rule {
	r := &Rule{
		Sources:             make(map[string]*SourceFile),
		Generated:           make(map[string]bool),
		RewrittenBeforeRead: make(map[string]bool),
		SourceRules:         make(map[string]int),
		Missing:             make(map[string]bool),
		LastResult:          ResultNeverRun,
		seq:                 seq,
	}
	r.apply(spec)
	return r
}

func (r *Rule) apply(spec Spec) {
	r.ID = spec.ID
	r.Kind = spec.Kind
	r.Stage = spec.Stage
	r.Command = spec.Command
	r.Source = spec.Source
	r.Dest = spec.Dest
	r.Base = spec.Base
	r.Options = spec.Options
}

// Seq returns the creation order of the rule within its registry.
func (r *Rule) Seq() int {
	return r.seq
}

// HasRun reports whether the rule has any recorded run.
func (r *Rule) HasRun() bool {
	return r.LastResult != ResultNeverRun
}

// SourcePaths returns the rule's source paths, sorted.
func (r *Rule) SourcePaths() []string {
	return sortedKeys(r.Sources)
}

// GeneratedPaths returns the rule's generated paths, sorted.
func (r *Rule) GeneratedPaths() []string {
	return sortedKeys(r.Generated)
}

// RewrittenPaths returns the rule's rewritten-before-read paths, sorted.
func (r *Rule) RewrittenPaths() []string {
	return sortedKeys(r.RewrittenBeforeRead)
}

// MissingPaths returns unresolved missing inputs, sorted.
func (r *Rule) MissingPaths() []string {
	return sortedKeys(r.Missing)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
