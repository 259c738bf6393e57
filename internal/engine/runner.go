package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/papapumpkin/quire/internal/extract"
	"github.com/papapumpkin/quire/internal/proc"
	"github.com/papapumpkin/quire/internal/rules"
)

// Runner carries out one kind of rule.
type Runner interface {
	// Prepare readies the filesystem for a run.
	Prepare(bc *Context, rule *rules.Rule) error
	// Invoke runs the rule's command and waits for it.
	Invoke(ctx context.Context, bc *Context, rule *rules.Rule) (proc.Result, error)
	// Analyze merges what the finished run reported into the registry.
	Analyze(bc *Context, rule *rules.Rule, runStart time.Time) (*extract.Summary, error)
}

// commandRunner runs a rule's command template through an invoker.
type commandRunner struct {
	invoker proc.Invoker
	output  io.Writer
	extract func(bc *Context) extract.Options
}

func (r *commandRunner) Prepare(bc *Context, rule *rules.Rule) error {
	if rule.Kind != rules.KindCustomDependency || rule.Dest == "" {
		return nil
	}
	dir := filepath.Dir(bc.Files.Abs(rule.Dest))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return nil
}

func (r *commandRunner) Invoke(ctx context.Context, bc *Context, rule *rules.Rule) (proc.Result, error) {
	line, err := proc.Expand(rule.Command, proc.Vars{
		Source:  rule.Source,
		Dest:    rule.Dest,
		Base:    rule.Base,
		Options: rule.Options,
	})
	if err != nil {
		return proc.Result{ExitCode: -1}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return r.invoker.Run(ctx, proc.Command{Line: line, Dir: bc.Opts.Dir, Output: r.output})
}

func (r *commandRunner) Analyze(bc *Context, rule *rules.Rule, runStart time.Time) (*extract.Summary, error) {
	return extract.Analyze(bc.Reg, rule, runStart, r.extract(bc))
}
