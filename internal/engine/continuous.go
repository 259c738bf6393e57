package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"github.com/papapumpkin/quire/internal/filestate"
	"github.com/papapumpkin/quire/internal/watch"
)

// watchSet is the set of generated files whose change events are ignored.
// The watcher goroutine reads it while builds update it.
type watchSet struct {
	mu        sync.Mutex
	generated map[string]bool
}

func newWatchSet() *watchSet {
	return &watchSet{generated: make(map[string]bool)}
}

func (w *watchSet) set(paths map[string]bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.generated = paths
}

func (w *watchSet) ignored(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.generated[filepath.Clean(path)]
}

// Watch builds, then rebuilds whenever a source changes, until ctx is
// cancelled or no rebuild happened within the inactivity timeout. Between
// builds only the contents of the inputs are re-checked, so an idle loop
// writes nothing. Failed builds are reported and wait for the next change.
// User deletions of sources count as changes here.
func (d *Driver) Watch(ctx context.Context) error {
	bc := d.bc
	d.watching = true
	defer func() { d.watching = false }()

	w, err := watch.NewWatcher(d.watched.ignored)
	if err != nil {
		return err
	}
	w.Start()
	defer w.Stop()

	var settled map[string]filestate.Stamp
	first := true
	step := func(ctx context.Context) (bool, error) {
		if !first && !d.changedSince(settled) {
			return false, nil
		}
		first = false
		rep, err := d.Build(ctx)
		d.follow(w)
		settled, _ = d.inputStates()
		if rep == nil || rep.Runs == 0 {
			return false, nil
		}
		return true, err
	}
	d.printer.Watching(bc.Opts.PollInterval)
	err = watch.Loop(ctx, watch.Options{
		Interval:   bc.Opts.PollInterval,
		Inactivity: bc.Opts.InactivityTimeout,
		OnError:    func(err error) { d.printer.Error(err.Error()) },
	}, w.Changes, step)
	if errors.Is(err, watch.ErrInactive) {
		d.printer.Info("no changes within the inactivity timeout, stopping")
		return nil
	}
	return err
}

// follow watches the directories of every source of the accessible rules
// and refreshes the set of files to ignore: generated ones and the state file.
func (d *Driver) follow(w *watch.Watcher) {
	bc := d.bc
	generated := map[string]bool{filepath.Clean(bc.StatePath): true}
	for _, r := range bc.Reg.Rules() {
		for _, p := range r.GeneratedPaths() {
			generated[filepath.Clean(bc.Files.Abs(p))] = true
		}
	}
	d.watched.set(generated)

	for _, r := range bc.Reg.AccessibleRules() {
		for _, p := range r.SourcePaths() {
			abs := bc.Files.Abs(p)
			if generated[abs] || d.system(abs) {
				continue
			}
			if err := w.Add(abs); err != nil {
				bc.Log.Debug("not watching", "file", p, "error", err)
			}
		}
	}
}

// inputStates stamps every source and unresolved missing input of the
// accessible rules.
func (d *Driver) inputStates() (map[string]filestate.Stamp, error) {
	bc := d.bc
	now := d.now()
	out := make(map[string]filestate.Stamp)
	for _, r := range bc.Reg.AccessibleRules() {
		if !r.Active {
			continue
		}
		for _, p := range append(r.SourcePaths(), r.MissingPaths()...) {
			if _, ok := out[p]; ok {
				continue
			}
			st, err := bc.Files.Get(p, now)
			if err != nil {
				return nil, err
			}
			out[p] = st
		}
	}
	return out, nil
}

// changedSince reports whether any input's content differs from prev, or
// the set of inputs did. Timestamps alone do not count.
func (d *Driver) changedSince(prev map[string]filestate.Stamp) bool {
	cur, err := d.inputStates()
	if err != nil {
		d.bc.Log.Debug("checking inputs", "error", err)
		return true
	}
	if len(cur) != len(prev) {
		return true
	}
	for p, st := range cur {
		old, ok := prev[p]
		if !ok || old.Size != st.Size || old.Hash != st.Hash {
			return true
		}
	}
	return false
}

func (d *Driver) system(abs string) bool {
	for _, dir := range d.bc.Opts.SystemDirs {
		if rel, err := filepath.Rel(filepath.Clean(dir), abs); err == nil && filepath.IsLocal(rel) {
			return true
		}
	}
	return false
}
