package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/papapumpkin/quire/internal/config"
	"github.com/papapumpkin/quire/internal/telemetry"
)

var eventsCmd = &cobra.Command{
	Use:   "events [file.jsonl]",
	Short: "View the JSONL telemetry of past builds",
	Long: `Reads and formats a telemetry file written by builds run with
telemetry_file set. Without an argument, reads the configured file.
With --follow (-f), watches the file for new events (like tail -f).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().BoolP("follow", "f", false, "follow the file for new events")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	follow, _ := cmd.Flags().GetBool("follow")

	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		path = cfg.TelemetryFile
	}
	if path == "" {
		return errors.New("events: no telemetry file configured")
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("events: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		printEvent(cmd.OutOrStdout(), line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("events: read %s: %w", path, err)
	}

	if !follow {
		return nil
	}
	ctx, cancel := setupSignalContext(nil)
	defer cancel()
	return tailFollow(ctx.Done(), cmd.OutOrStdout(), f, path)
}

// tailFollow prints events appended to f until done is closed.
func tailFollow(done <-chan struct{}, w io.Writer, f *os.File, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("events: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("events: watch %s: %w", path, err)
	}

	reader := bufio.NewReader(f)
	for {
		select {
		case <-done:
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("events: watch %s: %w", path, err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) {
				continue
			}
			for {
				line, err := reader.ReadString('\n')
				line = strings.TrimSpace(line)
				if line != "" {
					printEvent(w, line)
				}
				if err != nil {
					break
				}
			}
		}
	}
}

// printEvent decodes a JSONL line and prints a human-readable representation.
func printEvent(w io.Writer, line string) {
	var evt telemetry.Event
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		fmt.Fprintf(w, "??? %s\n", line)
		return
	}

	parts := []string{fmt.Sprintf("[%s]", evt.Timestamp.Format(time.TimeOnly)), evt.Kind}
	if evt.Build != "" {
		parts = append(parts, "build="+evt.Build)
	}
	if evt.Pass != 0 {
		parts = append(parts, fmt.Sprintf("pass=%d", evt.Pass))
	}
	if evt.Rule != "" {
		parts = append(parts, fmt.Sprintf("rule=%q", evt.Rule))
	}
	if evt.Data != nil {
		if m, ok := evt.Data.(map[string]any); ok {
			parts = append(parts, formatDataMap(m))
		} else {
			data, _ := json.Marshal(evt.Data)
			parts = append(parts, string(data))
		}
	}

	fmt.Fprintln(w, strings.Join(parts, " "))
}

// formatDataMap formats a data map as key=value pairs sorted by key.
func formatDataMap(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", k, m[k])
	}
	return b.String()
}
