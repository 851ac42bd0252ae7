package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/persona-fleet/internal/clock"
	"github.com/rcliao/persona-fleet/internal/security"
)

func init() {
	unblock := &cobra.Command{
		Use:   "unblock <account> <sender>",
		Short: "Clear a sender's strikes and block",
		Args:  cobra.ExactArgs(2),
		Run:   runUnblock,
	}

	blocked := &cobra.Command{
		Use:   "blocked <account>",
		Short: "List senders currently blocked for an account",
		Args:  cobra.ExactArgs(1),
		Run:   runBlocked,
	}

	RootCmd.AddCommand(unblock, blocked)
}

func runUnblock(cmd *cobra.Command, args []string) {
	accountID := parseID("account id", args[0])
	senderID := parseID("sender id", args[1])

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	screen, err := security.NewScreen(s, nil, nil, clock.Real{}, nil)
	if err != nil {
		exitErr("security", err)
	}
	if err := screen.Reset(cmd.Context(), accountID, senderID); err != nil {
		exitErr("unblock", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"account":%d,"sender":%d}`+"\n", accountID, senderID)
}

func runBlocked(cmd *cobra.Command, args []string) {
	accountID := parseID("account id", args[0])

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	states, err := s.ListBlocked(cmd.Context(), accountID, time.Now())
	if err != nil {
		exitErr("list blocked", err)
	}
	output(cmd.OutOrStdout(), states, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SENDER\tSTRIKES\tBLOCKED UNTIL")
		for _, st := range states {
			until := ""
			if st.BlockedUntil != nil {
				until = st.BlockedUntil.Local().Format(time.DateTime)
			}
			fmt.Fprintf(tw, "%d\t%d\t%s\n", st.SenderID, st.Strikes, until)
		}
		tw.Flush()
	})
}
