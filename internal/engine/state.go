package engine

import (
	"errors"
	"fmt"

	"github.com/papapumpkin/quire/internal/fdb"
)

// LoadState restores rule snapshots from the state file. A missing file
// leaves the network untouched. A state file of another version or a
// corrupt one is reported and ignored, so the build starts from scratch.
func (d *Driver) LoadState() error {
	bc := d.bc
	st, err := fdb.Read(bc.StatePath)
	switch {
	case errors.Is(err, fdb.ErrVersion), errors.Is(err, fdb.ErrSyntax):
		bc.Log.Warn("ignoring state file", "file", bc.StatePath, "error", err)
		d.printer.Warn(fmt.Sprintf("ignoring %s (%v), rebuilding from scratch", bc.StatePath, err))
		return nil
	case err != nil:
		return &RuleError{Category: CatState, Err: fmt.Errorf("loading state: %w", err)}
	}
	skipped := fdb.Restore(bc.Reg, st, bc.Builder.FromID, bc.Log)
	bc.Log.Debug("state loaded", "file", bc.StatePath, "rules", len(st.Rules), "skipped", len(skipped))
	return nil
}

// SaveState writes the registry to the state file.
func (d *Driver) SaveState() error {
	if err := fdb.Write(d.bc.StatePath, fdb.FromRegistry(d.bc.Reg)); err != nil {
		return &RuleError{Category: CatState, Err: fmt.Errorf("saving state: %w", err)}
	}
	return nil
}
