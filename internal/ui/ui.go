// Package ui prints build progress for people: one styled line per event on
// stderr. Machine-readable output goes through telemetry instead.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Semantic color palette.
var (
	colorPrimary = lipgloss.Color("#00BFFF")
	colorAccent  = lipgloss.Color("#FFD700")
	colorSuccess = lipgloss.Color("#00E676")
	colorDanger  = lipgloss.Color("#FF5252")
	colorMuted   = lipgloss.Color("#8C8C8C")
)

const (
	iconDone    = "✓"
	iconFailed  = "✗"
	iconWorking = "▶"
	iconBlocked = "⊘"
	iconWaiting = "·"
)

// Printer writes progress lines. Colors are used only when the writer is a
// terminal.
type Printer struct {
	w io.Writer

	header  lipgloss.Style
	working lipgloss.Style
	success lipgloss.Style
	warn    lipgloss.Style
	danger  lipgloss.Style
	muted   lipgloss.Style
}

// New returns a printer on stderr.
func New() *Printer {
	return NewWriter(os.Stderr)
}

// NewWriter returns a printer on w.
func NewWriter(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:       w,
		header:  r.NewStyle().Foreground(colorPrimary).Bold(true),
		working: r.NewStyle().Foreground(colorPrimary),
		success: r.NewStyle().Foreground(colorSuccess),
		warn:    r.NewStyle().Foreground(colorAccent).Bold(true),
		danger:  r.NewStyle().Foreground(colorDanger).Bold(true),
		muted:   r.NewStyle().Foreground(colorMuted),
	}
}

func (p *Printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// PassStart announces a pass over the rule network.
func (p *Printer) PassStart(pass, maxPasses int) {
	p.line("%s", p.header.Render(fmt.Sprintf("── pass %d/%d ──", pass, maxPasses)))
}

// RuleStart announces a rule run and why it runs.
func (p *Printer) RuleStart(rule, reasons string) {
	p.line("%s %s", p.working.Render(iconWorking+" "+rule), p.muted.Render(reasons))
}

// RuleDone reports a finished run.
func (p *Printer) RuleDone(rule, result string, d time.Duration) {
	style := p.success
	if result != "success" {
		style = p.warn
	}
	p.line("%s %s", style.Render(iconDone+" "+rule), p.muted.Render(fmt.Sprintf("%s (%.1fs)", result, d.Seconds())))
}

// RuleFailed reports a failed run.
func (p *Printer) RuleFailed(rule, msg string) {
	p.line("%s %s", p.danger.Render(iconFailed+" "+rule), msg)
}

// RuleBlocked reports a rule skipped because a rule it depends on failed.
func (p *Printer) RuleBlocked(rule, by string) {
	p.line("%s %s", p.warn.Render(iconBlocked+" "+rule), p.muted.Render("blocked by "+by))
}

// UpToDate reports that nothing had to run.
func (p *Printer) UpToDate(target string) {
	p.line("%s %s", p.success.Render(iconDone), target+" is up to date")
}

// Fixpoint reports a completed build.
func (p *Printer) Fixpoint(runs int, d time.Duration) {
	p.line("%s %s", p.success.Render(iconDone+" done"), p.muted.Render(fmt.Sprintf("%d run(s) in %.1fs", runs, d.Seconds())))
}

// Watching announces continuous mode.
func (p *Printer) Watching(interval time.Duration) {
	p.line("%s", p.muted.Render(fmt.Sprintf("%s watching for changes every %s (Ctrl-C to stop)", iconWaiting, interval)))
}

// Error prints an error message.
func (p *Printer) Error(msg string) {
	p.line("%s %s", p.danger.Render("error:"), msg)
}

// Warn prints a warning.
func (p *Printer) Warn(msg string) {
	p.line("%s %s", p.warn.Render("warning:"), msg)
}

// Info prints a de-emphasized note.
func (p *Printer) Info(msg string) {
	p.line("%s", p.muted.Render(msg))
}

// StatusRow is one rule in a status report.
type StatusRow struct {
	Rule    string
	Kind    string
	Active  bool
	Result  string
	Runs    int
	Reasons []string
}

// Status prints a table of rules and what would make them run.
func (p *Printer) Status(rows []StatusRow) {
	width := 4
	for _, r := range rows {
		width = max(width, len(r.Rule))
	}
	for _, r := range rows {
		name := fmt.Sprintf("%-*s", width, r.Rule)
		state := p.success.Render("up to date")
		switch {
		case !r.Active:
			state = p.muted.Render("inactive")
		case len(r.Reasons) > 0:
			state = p.warn.Render("out of date")
		}
		p.line("%s  %-8s %-10s runs=%-3d %s", p.header.Render(name), r.Kind, r.Result, r.Runs, state)
		for _, reason := range r.Reasons {
			p.line("    %s", p.muted.Render(reason))
		}
	}
}

// Removed lists files deleted by clean.
func (p *Printer) Removed(paths []string) {
	if len(paths) == 0 {
		p.Info("nothing to clean")
		return
	}
	p.line("%s %s", p.success.Render("removed"), strings.Join(paths, " "))
}
