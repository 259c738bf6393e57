package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/quire/internal/config"
	"github.com/papapumpkin/quire/internal/engine"
	"github.com/papapumpkin/quire/internal/manifest"
	"github.com/papapumpkin/quire/internal/metrics"
	"github.com/papapumpkin/quire/internal/proc"
	"github.com/papapumpkin/quire/internal/search"
	"github.com/papapumpkin/quire/internal/telemetry"
	"github.com/papapumpkin/quire/internal/ui"
)

// errNoSource is returned when no document was named and none can be guessed.
var errNoSource = errors.New("no source file given")

// session is everything a subcommand needs to work on one document.
type session struct {
	cfg     config.Config
	printer *ui.Printer
	log     *slog.Logger
	driver  *engine.Driver
	events  *telemetry.Emitter
}

// openSession loads configuration and the manifest, sets up the rule network
// of the document named by args and restores its saved state.
func openSession(cmd *cobra.Command, args []string) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	applyFlagOverrides(cmd, &cfg)

	printer := ui.New()
	log := newLogger(os.Stderr, cfg.Verbose)

	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	source, err := resolveSource(wd, args)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(source)

	manifestPath := cfg.Manifest
	if !filepath.IsAbs(manifestPath) {
		manifestPath = filepath.Join(dir, manifestPath)
	}
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrConfig, err)
	}

	formats := make([]manifest.Format, len(cfg.Output.Formats))
	for i, f := range cfg.Output.Formats {
		formats[i] = manifest.Format(f)
	}
	bc, err := engine.NewContext(m, engine.Options{
		Dir:    dir,
		Source: filepath.Base(source),
		Outputs: manifest.Outputs{
			Formats: formats,
			Engine:  manifest.Engine(cfg.Output.Engine),
		},
		MaxPasses:           cfg.MaxPasses,
		IgnoreUserDeletions: cfg.IgnoreUserDeletions,
		FLSTolerance:        cfg.FLSTolerance,
		Granularity:         cfg.TimestampGranularity,
		SystemDirs:          cfg.SystemDirs,
		PollInterval:        cfg.PollInterval,
		InactivityTimeout:   cfg.InactivityTimeout,
	}, log)
	if err != nil {
		return nil, err
	}

	resolver, err := search.NewResolver(cfg.SearchPaths, []string{".tex"}, cfg.SearchCacheSize)
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, printer: printer, log: log}
	if cfg.TelemetryFile != "" {
		s.events, err = telemetry.NewEmitter(cfg.TelemetryFile)
		if err != nil {
			// Telemetry is optional; build without it.
			printer.Warn(err.Error())
		}
	}
	deps := engine.Deps{
		Invoker:   &proc.Shell{Path: cfg.Shell, Log: log},
		Resolver:  resolver,
		Printer:   printer,
		Telemetry: s.events,
	}
	if cfg.MetricsFile != "" {
		deps.Metrics = metrics.New()
		deps.MetricsFile = cfg.MetricsFile
	}
	if cfg.Verbose {
		deps.Output = os.Stderr
	}
	s.driver = engine.NewDriver(bc, deps)

	if err := s.driver.LoadState(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the session's telemetry file.
func (s *session) Close() {
	if err := s.events.Close(); err != nil {
		s.log.Warn("closing telemetry", "error", err)
	}
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// resolveSource returns the absolute path of the document to build. A name
// without extension gets ".tex". With no argument the working directory
// must hold exactly one .tex file.
func resolveSource(wd string, args []string) (string, error) {
	if len(args) == 0 {
		matches, err := filepath.Glob(filepath.Join(wd, "*.tex"))
		if err != nil {
			return "", err
		}
		switch len(matches) {
		case 0:
			return "", fmt.Errorf("%w: no .tex file in %s", errNoSource, wd)
		case 1:
			return matches[0], nil
		default:
			return "", fmt.Errorf("%w: %d .tex files in %s, name one", errNoSource, len(matches), wd)
		}
	}

	name := args[0]
	if filepath.Ext(name) == "" {
		name += ".tex"
	}
	if !filepath.IsAbs(name) {
		name = filepath.Join(wd, name)
	}
	info, err := os.Stat(name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errNoSource, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", errNoSource, name)
	}
	return name, nil
}

// setupSignalContext returns a context that is canceled on SIGINT or SIGTERM.
// printer may be nil.
func setupSignalContext(printer *ui.Printer) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			if printer != nil {
				printer.Info("shutting down after the current run...")
			}
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
