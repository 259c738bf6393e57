package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/papapumpkin/quire/internal/filestate"
)

// ErrUnknownRule is returned when an operation names a rule that does not exist.
var ErrUnknownRule = errors.New("unknown rule")

// Registry maps rule ids to rules. Rules are never removed, only deactivated,
// so their cached state survives reconfiguration of the network.
type Registry struct {
	files     *filestate.Store
	log       *slog.Logger
	rules     map[string]*Rule
	order     []*Rule
	requested []string
	now       func() time.Time
}

// NewRegistry creates an empty registry backed by the given file store.
func NewRegistry(files *filestate.Store, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		files: files,
		log:   log,
		rules: make(map[string]*Rule),
		now:   time.Now,
	}
}

// SetClock overrides the time source used for check times.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Files returns the backing file state store.
func (r *Registry) Files() *filestate.Store {
	return r.files
}

// CreateRule creates the rule described by spec, or updates the existing rule
// with that id. Existing state (sources, results, counters) is kept.
func (r *Registry) CreateRule(spec Spec) *Rule {
	if rule, ok := r.rules[spec.ID]; ok {
		rule.apply(spec)
		return rule
	}
	rule := newRule(spec, len(r.order))
	r.rules[spec.ID] = rule
	r.order = append(r.order, rule)
	r.log.Debug("rule created", "rule", spec.ID, "kind", spec.Kind.String(), "stage", spec.Stage.String())
	return rule
}

// Rule returns the rule with the given id.
func (r *Registry) Rule(id string) (*Rule, bool) {
	rule, ok := r.rules[id]
	return rule, ok
}

// Rules returns all rules in creation order.
func (r *Registry) Rules() []*Rule {
	out := make([]*Rule, len(r.order))
	copy(out, r.order)
	return out
}

// Mark returns a position usable with CreatedSince.
func (r *Registry) Mark() int {
	return len(r.order)
}

// CreatedSince returns the rules created after mark, in creation order.
func (r *Registry) CreatedSince(mark int) []*Rule {
	if mark >= len(r.order) {
		return nil
	}
	out := make([]*Rule, len(r.order)-mark)
	copy(out, r.order[mark:])
	return out
}

func (r *Registry) mustRule(id string) (*Rule, error) {
	rule, ok := r.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRule, id)
	}
	return rule, nil
}

// EnsureSource adds path to the rule's sources if it is not already there.
// fromRule, when set, records the rule expected to produce the file. With
// treatAsNonexistent the snapshot is seeded with the non-existent sentinel
// even if the file exists, forcing one more run that sees it.
func (r *Registry) EnsureSource(ruleID, path, fromRule string, treatAsNonexistent bool) error {
	rule, err := r.mustRule(ruleID)
	if err != nil {
		return err
	}
	src, ok := rule.Sources[path]
	if !ok {
		src = &SourceFile{Stamp: filestate.Missing()}
		if !treatAsNonexistent {
			st, err := r.files.Get(path, time.Time{})
			if err != nil {
				return fmt.Errorf("rule %s: source %s: %w", ruleID, path, err)
			}
			src.Stamp = st
		}
		rule.Sources[path] = src
	} else if treatAsNonexistent {
		src.Stamp = filestate.Missing()
	}
	if fromRule != "" {
		src.FromRule = fromRule
		if r.Producer(path) == "" {
			r.SetProducer(path, fromRule)
		}
	}
	delete(rule.Missing, path)
	return nil
}

// RemoveSources drops paths from the rule's sources.
func (r *Registry) RemoveSources(ruleID string, paths ...string) error {
	rule, err := r.mustRule(ruleID)
	if err != nil {
		return err
	}
	for _, p := range paths {
		delete(rule.Sources, p)
	}
	return nil
}

// Activate marks rules as participating in the current target set.
func (r *Registry) Activate(ids ...string) {
	for _, id := range ids {
		if rule, ok := r.rules[id]; ok {
			rule.Active = true
		}
	}
}

// Deactivate removes rules from the current target set without forgetting them.
func (r *Registry) Deactivate(ids ...string) {
	for _, id := range ids {
		if rule, ok := r.rules[id]; ok {
			rule.Active = false
		}
	}
}

// SetProducer records ruleID as the generator of path. The last writer wins;
// a conflict is reported unless both rules are primary rules sharing an
// auxiliary file.
func (r *Registry) SetProducer(path, ruleID string) {
	rec := r.files.Record(path)
	if prev := rec.GeneratingRule; prev != "" && prev != ruleID && !r.bothPrimary(prev, ruleID) {
		r.log.Warn("file generated by more than one rule", "file", path, "previous", prev, "rule", ruleID)
	}
	rec.GeneratingRule = ruleID
	if rule, ok := r.rules[ruleID]; ok {
		rule.Generated[path] = true
	}
}

func (r *Registry) bothPrimary(a, b string) bool {
	ra, okA := r.rules[a]
	rb, okB := r.rules[b]
	return okA && okB && ra.Kind == KindPrimary && rb.Kind == KindPrimary
}

// Producer returns the id of the rule that generates path, or "".
func (r *Registry) Producer(path string) string {
	if rec, ok := r.files.Lookup(path); ok {
		return rec.GeneratingRule
	}
	return ""
}

// Request sets the rules standing for the requested targets.
func (r *Registry) Request(ids ...string) {
	r.requested = append(r.requested[:0], ids...)
}

// Requested returns the requested target rules.
func (r *Registry) Requested() []string {
	out := make([]string, len(r.requested))
	copy(out, r.requested)
	return out
}

// AccessibleRules returns the transitive closure of rules reachable from the
// requested targets through source producers and explicit rule
// dependencies. The walk is an iterative worklist with a visited set, so
// cycles in the network terminate naturally.
func (r *Registry) AccessibleRules() []*Rule {
	visited := make(map[string]bool)
	var out []*Rule
	work := append([]string(nil), r.requested...)
	for len(work) > 0 {
		id := work[0]
		work = work[1:]
		if visited[id] {
			continue
		}
		rule, ok := r.rules[id]
		if !ok {
			continue
		}
		visited[id] = true
		out = append(out, rule)

		for _, p := range rule.SourcePaths() {
			from := rule.Sources[p].FromRule
			if prod := r.Producer(p); prod != "" {
				from = prod
			}
			if from != "" && from != id && !visited[from] {
				work = append(work, from)
			}
		}
		for _, dep := range sortedKeys(rule.SourceRules) {
			if !visited[dep] {
				work = append(work, dep)
			}
		}
	}
	return out
}

// NeededSource reports whether an active rule tracks path as
// a source whose snapshot recorded an existing file.
func (r *Registry) NeededSource(path string) bool {
	for _, rule := range r.order {
		if !rule.Active {
			continue
		}
		if src, ok := rule.Sources[path]; ok && src.Stamp.Exists() {
			return true
		}
	}
	return false
}

// Snapshot is a copy of a rule's source stamps.
type Snapshot map[string]SourceFile

// Prime re-snapshots every source of the rule to its current state and
// records the run counts of the rules it explicitly depends on. It returns
// the snapshot that was replaced, for rollback after a failed run.
func (r *Registry) Prime(ruleID string) (Snapshot, error) {
	rule, err := r.mustRule(ruleID)
	if err != nil {
		return nil, err
	}
	saved := make(Snapshot, len(rule.Sources))
	rule.CheckTime = r.now()
	for _, p := range rule.SourcePaths() {
		src := rule.Sources[p]
		saved[p] = *src
		st, err := r.files.Get(p, time.Time{})
		if err != nil {
			return saved, fmt.Errorf("rule %s: priming %s: %w", ruleID, p, err)
		}
		src.Stamp = st
	}
	for dep := range rule.SourceRules {
		if other, ok := r.rules[dep]; ok {
			rule.SourceRules[dep] = other.RunCount
		}
	}
	return saved, nil
}

// RestoreUserSources puts back the saved stamps of sources no rule
// generates, leaving generated sources as primed. Used after a failed run so
// the user edit behind the failure still reads as a change.
func (r *Registry) RestoreUserSources(ruleID string, saved Snapshot) error {
	rule, err := r.mustRule(ruleID)
	if err != nil {
		return err
	}
	for p, old := range saved {
		src, ok := rule.Sources[p]
		if !ok {
			continue
		}
		if src.FromRule != "" || r.Producer(p) != "" {
			continue
		}
		src.Stamp = old.Stamp
	}
	return nil
}

// AdvanceGenerated re-snapshots sources the rule generates itself and that
// are flagged correct after a primary run, so reading back its own byproduct
// does not count as a change.
func (r *Registry) AdvanceGenerated(ruleID string) error {
	rule, err := r.mustRule(ruleID)
	if err != nil {
		return err
	}
	for _, p := range rule.SourcePaths() {
		rec, ok := r.files.Lookup(p)
		if !ok || rec.GeneratingRule != ruleID || !rec.CorrectAfterPrimary {
			continue
		}
		st, err := r.files.Get(p, time.Time{})
		if err != nil {
			return fmt.Errorf("rule %s: advancing %s: %w", ruleID, p, err)
		}
		rule.Sources[p].Stamp = st
	}
	return nil
}
