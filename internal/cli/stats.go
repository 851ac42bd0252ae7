package cli

import (
	"time"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		Run:   runStats,
	}

	cmd.Flags().Int64P("account", "a", 0, "Restrict to one account")

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	accountID, _ := cmd.Flags().GetInt64("account")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	stats, err := s.Stats(cmd.Context(), getDBPath(), accountID, time.Now())
	if err != nil {
		exitErr("stats", err)
	}
	output(cmd.OutOrStdout(), stats, nil)
}
