package cmd

import (
	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build [file.tex]",
	Short: "Bring the document's outputs up to date",
	Long: `Runs every out-of-date rule until the outputs are stable.

With --continuous, keeps watching the sources and rebuilds whenever they
change, until interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBuild,
}

func init() {
	addBuildFlags(buildCmd.Flags())
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd, args)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := setupSignalContext(s.printer)
	defer cancel()

	if force, _ := cmd.Flags().GetBool("force"); force {
		s.driver.Context().Opts.Force = true
	}
	if s.cfg.Continuous {
		return s.driver.Watch(ctx)
	}
	_, err = s.driver.Build(ctx)
	return err
}
