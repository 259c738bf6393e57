// Package engine drives a document build to its fixpoint: it checks every
// rule of the network, runs the out-of-date ones in dependency order,
// re-reads what each run touched and repeats until nothing changes.
package engine

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/papapumpkin/quire/internal/extract"
	"github.com/papapumpkin/quire/internal/fdb"
	"github.com/papapumpkin/quire/internal/filestate"
	"github.com/papapumpkin/quire/internal/manifest"
	"github.com/papapumpkin/quire/internal/rules"
)

// Options are the per-document settings of a build.
type Options struct {
	Dir     string // document directory, the compiler's working directory
	Source  string // main source file, relative to Dir
	Outputs manifest.Outputs

	MaxPasses           int
	IgnoreUserDeletions bool
	FLSTolerance        time.Duration
	Granularity         time.Duration
	SystemDirs          []string
	// Force marks every rule out of date for the next build only.
	Force bool

	PollInterval      time.Duration
	InactivityTimeout time.Duration
}

// Context owns the state of one document: its rule registry, the file
// store behind it and the rule builder. Everything the driver and the
// analyzers touch hangs off it.
type Context struct {
	Reg       *rules.Registry
	Files     *filestate.Store
	Builder   *manifest.Builder
	Log       *slog.Logger
	Opts      Options
	Base      string
	StatePath string
	Targets   []string
}

// NewContext creates the static rule network of a document from the
// manifest's templates.
func NewContext(m *manifest.Manifest, opts Options, log *slog.Logger) (*Context, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if opts.Source == "" {
		return nil, fmt.Errorf("%w: no source file", ErrConfig)
	}
	if opts.MaxPasses < 1 {
		return nil, fmt.Errorf("%w: max passes must be at least 1", ErrConfig)
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: document directory: %v", ErrConfig, err)
	}
	opts.Dir = dir
	if opts.FLSTolerance <= 0 {
		opts.FLSTolerance = extract.DefaultFLSTolerance
	}

	fileOpts, err := m.FileOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	fileOpts = append(fileOpts, filestate.WithRoot(dir), filestate.WithGranularity(opts.Granularity))
	files := filestate.NewStore(fileOpts...)
	reg := rules.NewRegistry(files, log)

	base := strings.TrimSuffix(filepath.Base(opts.Source), filepath.Ext(opts.Source))
	b := &manifest.Builder{M: m, Dir: dir, Base: base}
	plan, err := b.Plan(opts.Source, opts.Outputs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	producers := make(map[string]string)
	for _, spec := range plan.Specs {
		reg.CreateRule(spec)
		reg.Activate(spec.ID)
		if spec.Dest != "" {
			reg.SetProducer(spec.Dest, spec.ID)
			producers[spec.Dest] = spec.ID
		}
	}
	// Track declared sources from the start, so the post-processing chain
	// is reachable and an edit is seen even before a run could be analyzed.
	for _, spec := range plan.Specs {
		if spec.Source == "" || spec.Kind == rules.KindOneTime {
			continue
		}
		from := producers[spec.Source]
		if from == spec.ID {
			from = ""
		}
		if err := reg.EnsureSource(spec.ID, spec.Source, from, false); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
	}
	reg.Request(plan.Targets...)

	return &Context{
		Reg:       reg,
		Files:     files,
		Builder:   b,
		Log:       log.With("document", base),
		Opts:      opts,
		Base:      base,
		StatePath: filepath.Join(dir, base+fdb.Ext),
		Targets:   plan.Targets,
	}, nil
}

// Target returns the file the requested outputs end in.
func (c *Context) Target() string {
	if len(c.Targets) == 0 {
		return c.Opts.Source
	}
	if r, ok := c.Reg.Rule(c.Targets[len(c.Targets)-1]); ok && r.Dest != "" {
		return r.Dest
	}
	return c.Opts.Source
}

// Force marks every accessible rule out of date by request of the user.
func (c *Context) Force() {
	for _, r := range c.Reg.AccessibleRules() {
		r.OutOfDateUser = true
	}
}
