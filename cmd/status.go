package cmd

import (
	"github.com/spf13/cobra"

	"github.com/papapumpkin/quire/internal/engine"
	"github.com/papapumpkin/quire/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status [file.tex]",
	Short: "Show which rules would run and why",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd, args)
	if err != nil {
		return err
	}
	defer s.Close()

	sts, err := s.driver.Status()
	s.printer.Status(statusRows(sts))
	return err
}

func statusRows(sts []engine.RuleStatus) []ui.StatusRow {
	rows := make([]ui.StatusRow, 0, len(sts))
	for _, st := range sts {
		row := ui.StatusRow{
			Rule:   st.Rule.ID,
			Kind:   st.Rule.Kind.String(),
			Active: st.Rule.Active,
			Result: st.Rule.LastResult.String(),
			Runs:   st.Rule.RunCount,
		}
		for _, c := range st.Reasons {
			row.Reasons = append(row.Reasons, c.String())
		}
		rows = append(rows, row)
	}
	return rows
}
