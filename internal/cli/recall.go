package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/persona-fleet/internal/clock"
	"github.com/rcliao/persona-fleet/internal/embedding"
	"github.com/rcliao/persona-fleet/internal/memory"
	"github.com/rcliao/persona-fleet/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "recall <account> <chat> <query...>",
		Short: "Show the memories a query would retrieve",
		Long:  "Run memory retrieval for a chat exactly as a turn would, using the configured embedding provider.",
		Args:  cobra.MinimumNArgs(3),
		Run:   runRecall,
	}

	cmd.Flags().IntP("top", "k", 0, "Number of memories (default: memory.top_k)")

	RootCmd.AddCommand(cmd)
}

func runRecall(cmd *cobra.Command, args []string) {
	accountID := parseID("account id", args[0])
	chatID := parseID("chat id", args[1])
	query := strings.Join(args[2:], " ")
	k, _ := cmd.Flags().GetInt("top")

	cfg := loadConfig()
	emb, err := embedding.New(cfg.Embedding)
	if err != nil {
		exitErr("embedding", err)
	}
	if emb == nil {
		exitErr("recall", errors.New("no embedding provider configured"))
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	svc := memory.NewService(s, emb, nil, clock.Real{}, cfg.Memory, nil)
	hits, err := svc.Retrieve(cmd.Context(), accountID, chatID, query, k)
	if err != nil {
		exitErr("recall", err)
	}
	output(cmd.OutOrStdout(), hits, func(w io.Writer) {
		fmt.Fprint(w, memory.Format(hits))
	})
}
