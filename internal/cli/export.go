package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export <account>",
		Short: "Export memories as JSON",
		Long:  "Export an account's memory records, embeddings included. Filter by chat with -c.",
		Args:  cobra.ExactArgs(1),
		Run:   runExport,
	}

	cmd.Flags().Int64P("chat", "c", 0, "Only this chat")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	accountID := parseID("account id", args[0])
	chatID, _ := cmd.Flags().GetInt64("chat")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	recs, err := s.ExportMemories(cmd.Context(), accountID, chatID)
	if err != nil {
		exitErr("export", err)
	}
	output(cmd.OutOrStdout(), recs, nil)
}
