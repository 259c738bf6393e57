package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/papapumpkin/quire/internal/dag"
	"github.com/papapumpkin/quire/internal/extract"
	"github.com/papapumpkin/quire/internal/metrics"
	"github.com/papapumpkin/quire/internal/proc"
	"github.com/papapumpkin/quire/internal/rerun"
	"github.com/papapumpkin/quire/internal/rules"
	"github.com/papapumpkin/quire/internal/search"
	"github.com/papapumpkin/quire/internal/telemetry"
	"github.com/papapumpkin/quire/internal/ui"
)

// Deps are the driver's collaborators. Only Invoker is required.
type Deps struct {
	Invoker   proc.Invoker
	Resolver  *search.Resolver
	Printer   *ui.Printer
	Telemetry *telemetry.Emitter
	Metrics   *metrics.Metrics
	// MetricsFile, when set, receives the metrics after every build.
	MetricsFile string
	// Output receives the commands' own output; nil discards it.
	Output io.Writer
}

// Driver runs builds of one document.
type Driver struct {
	bc          *Context
	resolver    *search.Resolver
	printer     *ui.Printer
	events      *telemetry.Emitter
	metrics     *metrics.Metrics
	metricsFile string
	runners     map[rules.Kind]Runner
	now         func() time.Time
	watching    bool
	watched     *watchSet
}

// NewDriver creates a driver for bc.
func NewDriver(bc *Context, deps Deps) *Driver {
	d := &Driver{
		bc:          bc,
		resolver:    deps.Resolver,
		printer:     deps.Printer,
		events:      deps.Telemetry,
		metrics:     deps.Metrics,
		metricsFile: deps.MetricsFile,
		now:         time.Now,
		watched:     newWatchSet(),
	}
	if d.printer == nil {
		d.printer = ui.NewWriter(io.Discard)
	}
	cmd := &commandRunner{invoker: deps.Invoker, output: deps.Output, extract: d.extractOptions}
	d.runners = map[rules.Kind]Runner{
		rules.KindPrimary:          cmd,
		rules.KindExternal:         cmd,
		rules.KindCustomDependency: cmd,
		rules.KindOneTime:          cmd,
	}
	return d
}

// SetRunner replaces the runner of one rule kind.
func (d *Driver) SetRunner(kind rules.Kind, r Runner) {
	d.runners[kind] = r
}

// Context returns the build context the driver works on.
func (d *Driver) Context() *Context {
	return d.bc
}

// Report summarizes one build.
type Report struct {
	Runs     int
	Passes   int
	Ran      []string // rule ids in run order, repeated per run
	Failed   []string
	Blocked  []string
	Duration time.Duration
}

// Build brings the rule network to its fixpoint, then runs the one-time
// rules if anything ran. The state file is written whatever the outcome.
// Cancelling ctx stops the build between runs; a run in progress is
// always awaited.
func (d *Driver) Build(ctx context.Context) (*Report, error) {
	bc := d.bc
	start := d.now()
	rep := &Report{}
	d.emit(telemetry.Event{Kind: telemetry.KindBuildStart})

	for _, r := range bc.Reg.Rules() {
		r.Passes = 0
	}
	if bc.Opts.Force {
		bc.Force()
		bc.Opts.Force = false
	}

	b := &build{d: d, rep: rep, blocked: make(map[string]string)}
	err := b.fixpoint(ctx)
	if err == nil {
		d.emit(telemetry.Event{Kind: telemetry.KindFixpoint, Pass: rep.Passes})
		err = b.once(ctx)
	}
	if serr := d.SaveState(); serr != nil {
		err = errors.Join(err, serr)
	}
	rep.Duration = d.now().Sub(start)

	outcome := "ok"
	switch {
	case errors.Is(err, ErrNoFixpoint):
		outcome = "no_fixpoint"
	case ctx.Err() != nil:
		outcome = "cancelled"
	case err != nil:
		outcome = "failed"
	}
	d.metrics.FilesHashed(bc.Files.HashCount())
	d.metrics.Build(outcome)
	if merr := d.metrics.WriteFile(d.metricsFile); merr != nil {
		bc.Log.Warn("writing metrics", "error", merr)
	}

	switch {
	case err != nil:
	case rep.Runs == 0:
		d.printer.UpToDate(bc.Target())
	default:
		d.printer.Fixpoint(rep.Runs, rep.Duration)
	}
	d.emit(telemetry.Event{Kind: telemetry.KindBuildDone, Data: map[string]any{
		"outcome": outcome, "runs": rep.Runs, "passes": rep.Passes, "seconds": rep.Duration.Seconds(),
	}})
	bc.Log.Info("build finished", "outcome", outcome, "runs", rep.Runs, "passes", rep.Passes)
	return rep, err
}

// build is the bookkeeping of one Build call.
type build struct {
	d    *Driver
	rep  *Report
	errs []error
	// blocked maps a rule that must not run again in this build to the
	// failed rule responsible; a failed rule maps to itself.
	blocked map[string]string
}

// fixpoint alternates the Pre+Primary layer until it settles, then the
// Post layer, and starts over while Post ran anything.
func (b *build) fixpoint(ctx context.Context) error {
	for {
		for {
			n, err := b.pass(ctx, rules.StagePre, rules.StagePrimary)
			if err != nil {
				return errors.Join(append(b.errs, err)...)
			}
			if n == 0 {
				break
			}
		}
		n, err := b.pass(ctx, rules.StagePost)
		if err != nil {
			return errors.Join(append(b.errs, err)...)
		}
		if n == 0 {
			break
		}
	}
	if len(b.errs) == 0 {
		b.staleFailures()
	}
	return errors.Join(b.errs...)
}

// pass checks every accessible rule of the given stages once, in
// dependency order, and runs those that are out of date. Rules created by
// a run are appended when they belong to these stages.
func (b *build) pass(ctx context.Context, stages ...rules.Stage) (int, error) {
	d := b.d
	bc := d.bc
	work := d.layer(stages)
	announced := false
	ran := 0
	for i := 0; i < len(work); i++ {
		rule := work[i]
		if err := ctx.Err(); err != nil {
			return ran, err
		}
		if !rule.Active || b.skip(rule) {
			continue
		}
		reasons, err := rerun.Check(bc.Reg, rule, d.checkOptions())
		if err != nil {
			return ran, &RuleError{RuleID: rule.ID, Category: CatSource, Err: err}
		}
		if !reasons.MustRun() {
			continue
		}
		if rule.Passes >= bc.Opts.MaxPasses {
			return ran, &RuleError{RuleID: rule.ID, Category: CatNonTermination,
				Err: fmt.Errorf("%w: still out of date after %d runs (%s)", ErrNoFixpoint, rule.Passes, reasons)}
		}
		if !announced {
			announced = true
			b.rep.Passes++
			d.printer.PassStart(b.rep.Passes, bc.Opts.MaxPasses)
			d.metrics.Pass()
			d.emit(telemetry.Event{Kind: telemetry.KindPassStart, Pass: b.rep.Passes})
		}

		mark := bc.Reg.Mark()
		err = d.runRule(ctx, rule, reasons, b.rep.Passes)
		ran++
		b.rep.Runs++
		b.rep.Ran = append(b.rep.Ran, rule.ID)
		if err != nil {
			if errors.Is(err, ErrConfig) {
				return ran, err
			}
			b.fail(rule, err)
		}
		for _, nr := range bc.Reg.CreatedSince(mark) {
			if nr.Active && slices.Contains(stages, nr.Stage) && d.accessible(nr.ID) {
				work = append(work, nr)
			}
		}
	}
	return ran, nil
}

// skip reports whether rule is blocked by a failure earlier in this build,
// either directly or through a rule that produces one of its inputs.
func (b *build) skip(rule *rules.Rule) bool {
	if _, ok := b.blocked[rule.ID]; ok {
		return true
	}
	for _, p := range producersOf(b.d.bc.Reg, rule) {
		if cause, ok := b.blocked[p]; ok {
			b.block(rule.ID, cause)
			return true
		}
		// Failed in an earlier invocation and not rerun yet.
		if prod, ok := b.d.bc.Reg.Rule(p); ok && prod.Active && prod.LastResult == rules.ResultFailed && prod.Passes == 0 {
			return true
		}
	}
	return false
}

func (b *build) block(id, cause string) {
	if _, ok := b.blocked[id]; ok {
		return
	}
	b.blocked[id] = cause
	b.rep.Blocked = append(b.rep.Blocked, id)
	b.d.printer.RuleBlocked(id, cause)
	b.d.bc.Log.Info("rule blocked", "rule", id, "by", cause)
}

func (b *build) fail(rule *rules.Rule, err error) {
	b.errs = append(b.errs, err)
	b.rep.Failed = append(b.rep.Failed, rule.ID)
	b.blocked[rule.ID] = rule.ID
	g := graphOf(b.d.bc, b.d.bc.Reg.AccessibleRules())
	for _, id := range g.Descendants(rule.ID) {
		b.block(id, rule.ID)
	}
}

// staleFailures reports accessible rules whose last run failed in an
// earlier invocation and that nothing made run again.
func (b *build) staleFailures() {
	for _, r := range b.d.bc.Reg.AccessibleRules() {
		if r.Active && r.LastResult == rules.ResultFailed && r.Passes == 0 {
			b.errs = append(b.errs, &RuleError{RuleID: r.ID, Category: CatRule, Err: ErrStaleFailure})
		}
	}
}

// once runs the one-time rules after a build that ran anything.
func (b *build) once(ctx context.Context) error {
	if b.rep.Runs == 0 {
		return nil
	}
	reasons := rerun.Reasons{{Reason: rerun.OutOfDate}}
	for _, r := range b.d.bc.Reg.Rules() {
		if r.Kind != rules.KindOneTime || !r.Active {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.d.runRule(ctx, r, reasons, b.rep.Passes)
		b.rep.Runs++
		b.rep.Ran = append(b.rep.Ran, r.ID)
		if err != nil {
			b.errs = append(b.errs, err)
			b.rep.Failed = append(b.rep.Failed, r.ID)
		}
	}
	return errors.Join(b.errs...)
}

// runRule primes, invokes and analyzes one rule. A failure is recorded on
// the rule and returned as a *RuleError.
func (d *Driver) runRule(ctx context.Context, rule *rules.Rule, reasons rerun.Reasons, pass int) error {
	bc := d.bc
	log := bc.Log.With("rule", rule.ID)
	runner := d.runners[rule.Kind]

	d.printer.RuleStart(rule.ID, reasons.String())
	log.Info("running rule", "pass", pass, "reasons", reasons.String())
	d.emit(telemetry.Event{Kind: telemetry.KindRuleStart, Pass: pass, Rule: rule.ID,
		Data: telemetry.RuleData{Reasons: reasons.String()}})

	saved, err := bc.Reg.Prime(rule.ID)
	if err != nil {
		return d.recordFailure(rule, saved, pass, proc.Result{ExitCode: -1}, CatSource, err)
	}
	if err := runner.Prepare(bc, rule); err != nil {
		return d.recordFailure(rule, saved, pass, proc.Result{ExitCode: -1}, CatSource, err)
	}

	runStart := d.now()
	res, err := runner.Invoke(context.WithoutCancel(ctx), bc, rule)
	rule.OutOfDate = false
	rule.OutOfDateUser = false
	rule.RunTime = runStart
	rule.RunCount++
	rule.Passes++
	if d.resolver != nil {
		defer d.resolver.Invalidate()
	}

	if err != nil {
		cat := CatRule
		if errors.Is(err, ErrConfig) {
			cat = CatConfig
		}
		return d.recordFailure(rule, saved, pass, res, cat, err)
	}
	if res.ExitCode != 0 {
		failure := fmt.Errorf("%w: exit code %d", ErrRuleFailed, res.ExitCode)
		// A failed compile still tells what it read, and may name inputs a
		// newly created rule can make; retry once those rules have run.
		if rule.Kind == rules.KindPrimary {
			sum, aerr := runner.Analyze(bc, rule, runStart)
			switch {
			case aerr != nil:
				log.Debug("no analysis of failed run", "error", aerr)
			case len(sum.Created) > 0:
				_ = d.recordFailure(rule, saved, pass, res, CatRule, failure)
				d.created(rule, sum, pass)
				rule.OutOfDate = true
				log.Info("created rules for missing inputs, will retry", "created", sum.Created)
				return nil
			}
		}
		return d.recordFailure(rule, saved, pass, res, CatRule, failure)
	}

	sum, err := runner.Analyze(bc, rule, runStart)
	if err != nil {
		return d.recordFailure(rule, saved, pass, res, CatRule, fmt.Errorf("%w: %v", ErrRuleFailed, err))
	}
	if err := bc.Reg.AdvanceGenerated(rule.ID); err != nil {
		return d.recordFailure(rule, saved, pass, res, CatSource, err)
	}
	rule.LastResult = sum.Result
	rule.LastMessage = ""
	d.created(rule, sum, pass)
	for _, m := range sum.Missing {
		log.Warn("input not found", "file", m)
	}

	d.printer.RuleDone(rule.ID, sum.Result.String(), res.Duration)
	d.metrics.RuleRun(rule.ID, sum.Result.String(), res.Duration)
	d.emit(telemetry.Event{Kind: telemetry.KindRuleDone, Pass: pass, Rule: rule.ID, Data: telemetry.RuleData{
		Result: sum.Result.String(), Seconds: res.Duration.Seconds(),
	}})
	return nil
}

// recordFailure marks the run failed and rolls back the snapshots of user
// sources, so the edit behind the failure still reads as a change.
func (d *Driver) recordFailure(rule *rules.Rule, saved rules.Snapshot, pass int, res proc.Result, cat Category, err error) error {
	bc := d.bc
	rule.LastResult = rules.ResultFailed
	rule.LastMessage = err.Error()
	if saved != nil {
		if rerr := bc.Reg.RestoreUserSources(rule.ID, saved); rerr != nil {
			bc.Log.Warn("restoring source snapshots", "rule", rule.ID, "error", rerr)
		}
	}
	msg := err.Error()
	if res.Tail != "" {
		bc.Log.Debug("command output", "rule", rule.ID, "tail", res.Tail)
	}
	d.printer.RuleFailed(rule.ID, msg)
	d.metrics.RuleRun(rule.ID, rules.ResultFailed.String(), res.Duration)
	d.emit(telemetry.Event{Kind: telemetry.KindRuleFailed, Pass: pass, Rule: rule.ID, Data: telemetry.RuleData{
		Result: rules.ResultFailed.String(), ExitCode: res.ExitCode, Seconds: res.Duration.Seconds(), Error: msg,
	}})
	bc.Log.Error("rule failed", "rule", rule.ID, "category", string(cat), "error", err)
	return &RuleError{RuleID: rule.ID, Category: cat, Err: err}
}

func (d *Driver) created(rule *rules.Rule, sum *extract.Summary, pass int) {
	for _, id := range sum.Created {
		d.bc.Log.Info("rule created", "rule", id, "by", rule.ID)
		d.emit(telemetry.Event{Kind: telemetry.KindRuleCreate, Pass: pass, Rule: id})
	}
}

// layer returns the accessible active rules of the given stages in
// dependency order.
func (d *Driver) layer(stages []rules.Stage) []*rules.Rule {
	var rs []*rules.Rule
	for _, r := range d.bc.Reg.AccessibleRules() {
		if r.Active && r.Kind != rules.KindOneTime && slices.Contains(stages, r.Stage) {
			rs = append(rs, r)
		}
	}
	g := graphOf(d.bc, rs)
	ids, err := g.TopologicalSort()
	if err != nil {
		d.bc.Log.Warn("ordering rules", "error", err)
		return rs
	}
	byID := make(map[string]*rules.Rule, len(rs))
	for _, r := range rs {
		byID[r.ID] = r
	}
	out := make([]*rules.Rule, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out
}

func (d *Driver) accessible(id string) bool {
	for _, r := range d.bc.Reg.AccessibleRules() {
		if r.ID == id {
			return true
		}
	}
	return false
}

// graphOf builds the dependency graph of rs. Edges that follow the stage
// order go in first; an edge that would close a cycle is dropped.
func graphOf(bc *Context, rs []*rules.Rule) *dag.DAG {
	g := dag.New()
	stage := make(map[string]rules.Stage, len(rs))
	for _, r := range rs {
		if err := g.AddNode(r.ID, r.Seq()); err == nil {
			stage[r.ID] = r.Stage
		}
	}
	type edge struct{ from, to string }
	var forward, backward []edge
	for _, r := range rs {
		for _, p := range producersOf(bc.Reg, r) {
			st, ok := stage[p]
			if !ok {
				continue
			}
			if r.Stage < st {
				backward = append(backward, edge{r.ID, p})
			} else {
				forward = append(forward, edge{r.ID, p})
			}
		}
	}
	for _, e := range append(forward, backward...) {
		if err := g.AddEdge(e.from, e.to); err != nil {
			bc.Log.Debug("dependency edge dropped", "from", e.from, "to", e.to, "error", err)
		}
	}
	return g
}

// producersOf lists the rules rule reads from, in a stable order.
func producersOf(reg *rules.Registry, rule *rules.Rule) []string {
	seen := map[string]bool{rule.ID: true}
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	if rule.Source != "" {
		add(reg.Producer(rule.Source))
	}
	for _, p := range rule.SourcePaths() {
		if prod := reg.Producer(p); prod != "" {
			add(prod)
		} else {
			add(rule.Sources[p].FromRule)
		}
	}
	deps := make([]string, 0, len(rule.SourceRules))
	for id := range rule.SourceRules {
		deps = append(deps, id)
	}
	slices.Sort(deps)
	for _, id := range deps {
		add(id)
	}
	return out
}

func (d *Driver) checkOptions() rerun.Options {
	opts := rerun.Options{UserDeletionsInert: d.bc.Opts.IgnoreUserDeletions && !d.watching}
	if d.resolver != nil {
		opts.Resolve = d.resolve
	}
	return opts
}

func (d *Driver) extractOptions(bc *Context) extract.Options {
	opts := extract.Options{
		Dir:          bc.Opts.Dir,
		FLSTolerance: bc.Opts.FLSTolerance,
		SystemDirs:   bc.Opts.SystemDirs,
		Builder:      bc.Builder,
		Log:          bc.Log,
	}
	if d.resolver != nil {
		opts.Resolve = d.resolve
	}
	return opts
}

func (d *Driver) resolve(name string) string {
	return d.resolver.Resolve(d.bc.Opts.Dir, name)
}

func (d *Driver) emit(evt telemetry.Event) {
	evt.Build = d.bc.Base
	if err := d.events.Emit(evt); err != nil {
		d.bc.Log.Warn("writing telemetry", "error", err)
	}
}
