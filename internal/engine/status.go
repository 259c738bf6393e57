package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/papapumpkin/quire/internal/rerun"
	"github.com/papapumpkin/quire/internal/rules"
)

// RuleStatus is a rule and what would make it run now.
type RuleStatus struct {
	Rule    *rules.Rule
	Reasons rerun.Reasons
}

// Status checks every known rule without running anything. Inactive rules
// are listed with no reasons.
func (d *Driver) Status() ([]RuleStatus, error) {
	var out []RuleStatus
	for _, r := range d.bc.Reg.Rules() {
		st := RuleStatus{Rule: r}
		if r.Active {
			rs, err := rerun.Check(d.bc.Reg, r, d.checkOptions())
			if err != nil {
				return out, &RuleError{RuleID: r.ID, Category: CatSource, Err: err}
			}
			st.Reasons = rs
		}
		out = append(out, st)
	}
	return out, nil
}

// Clean removes the files rules generated. Destinations, and the state
// file, are removed only with all. Sources nobody generates are never
// touched, and neither is anything outside the document directory.
func (d *Driver) Clean(all bool) ([]string, error) {
	bc := d.bc
	user := make(map[string]bool)
	dests := make(map[string]bool)
	for _, r := range bc.Reg.Rules() {
		if r.Source != "" && bc.Reg.Producer(r.Source) == "" {
			user[r.Source] = true
		}
		if r.Dest != "" {
			dests[r.Dest] = true
		}
	}

	var removed []string
	var errs []error
	seen := make(map[string]bool)
	for _, r := range bc.Reg.Rules() {
		for _, p := range r.GeneratedPaths() {
			if seen[p] || user[p] || filepath.IsAbs(p) || (dests[p] && !all) {
				continue
			}
			seen[p] = true
			ok, err := remove(bc.Files.Abs(p))
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				removed = append(removed, p)
			}
		}
	}
	if all {
		ok, err := remove(bc.StatePath)
		if err != nil {
			errs = append(errs, err)
		} else if ok {
			removed = append(removed, filepath.Base(bc.StatePath))
		}
	}
	bc.Log.Info("cleaned", "files", len(removed), "all", all)
	return removed, errors.Join(errs...)
}

func remove(path string) (bool, error) {
	err := os.Remove(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("removing %s: %w", path, err)
	}
}
