package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/persona-fleet/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import <account>",
		Short: "Import memories from JSON",
		Long:  "Import memory records from stdin into an account. Expects the format produced by export.",
		Args:  cobra.ExactArgs(1),
		Run:   runImport,
	}

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	accountID := parseID("account id", args[0])

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		exitErr("read stdin", err)
	}

	var recs []store.ExportedMemory
	if err := json.Unmarshal(data, &recs); err != nil {
		exitErr("parse json", err)
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	imported, err := s.ImportMemories(cmd.Context(), accountID, recs)
	if err != nil {
		exitErr("import", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"imported":%d}`+"\n", imported)
}
