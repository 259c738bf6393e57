package cmd

import (
	"github.com/spf13/cobra"
)

var cleanCmd = &cobra.Command{
	Use:   "clean [file.tex]",
	Short: "Remove generated files",
	Long: `Removes the files the rules generated, keeping the outputs.
With --all, removes the outputs and the state file too.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolP("all", "a", false, "also remove outputs and the state file")
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd, args)
	if err != nil {
		return err
	}
	defer s.Close()

	all, _ := cmd.Flags().GetBool("all")
	removed, err := s.driver.Clean(all)
	s.printer.Removed(removed)
	return err
}
