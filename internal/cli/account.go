package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rcliao/persona-fleet/internal/model"
	"github.com/rcliao/persona-fleet/internal/store"
)

func init() {
	accountCmd := &cobra.Command{
		Use:   "account",
		Short: "Manage chat accounts",
	}

	add := &cobra.Command{
		Use:   "add",
		Short: "Create or update an account",
		Long:  "Create an account, or update it when --id names an existing one. Unset flags keep the defaults.",
		Run:   runAccountAdd,
	}
	def := model.DefaultHumanization()
	add.Flags().Int64("id", 0, "Account id (the chat network user id); empty allocates one")
	add.Flags().StringP("name", "n", "", "Username the account is addressed by (required)")
	add.Flags().StringP("persona", "p", "", "Persona name")
	add.Flags().Duration("min-read", def.MinReadDelay, "Minimum delay before reading a message")
	add.Flags().Duration("max-read", def.MaxReadDelay, "Maximum delay before reading a message")
	add.Flags().Int("cpm", def.TypingSpeedCPM, "Typing speed in characters per minute")
	add.Flags().Float64("reply-prob", def.ReplyProbability, "Probability of quoting the message in groups")
	add.Flags().Float64("response-prob", def.ResponseProbability, "Probability of answering an eligible message")
	add.Flags().Bool("always-pm", def.AlwaysRespondInPM, "Always answer private messages")
	add.Flags().Duration("ignore-older", def.IgnoreOlderThan, "Ignore messages older than this")
	add.Flags().Bool("inactive", false, "Do not start the account with run")
	add.MarkFlagRequired("name")

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List accounts",
		Run:   runAccountList,
	}
	ls.Flags().Bool("active", false, "Only active accounts")

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete an account with its memories, policies and history",
		Args:  cobra.ExactArgs(1),
		Run:   runAccountRm,
	}

	enable := &cobra.Command{
		Use:   "enable <id>",
		Short: "Mark an account active",
		Args:  cobra.ExactArgs(1),
		Run:   func(cmd *cobra.Command, args []string) { setActive(cmd, args[0], true) },
	}
	disable := &cobra.Command{
		Use:   "disable <id>",
		Short: "Mark an account inactive",
		Args:  cobra.ExactArgs(1),
		Run:   func(cmd *cobra.Command, args []string) { setActive(cmd, args[0], false) },
	}

	accountCmd.AddCommand(add, ls, rm, enable, disable)
	RootCmd.AddCommand(accountCmd)
}

func runAccountAdd(cmd *cobra.Command, args []string) {
	f := cmd.Flags()
	id, _ := f.GetInt64("id")
	name, _ := f.GetString("name")
	persona, _ := f.GetString("persona")
	inactive, _ := f.GetBool("inactive")

	var h model.Humanization
	h.MinReadDelay, _ = f.GetDuration("min-read")
	h.MaxReadDelay, _ = f.GetDuration("max-read")
	h.TypingSpeedCPM, _ = f.GetInt("cpm")
	h.ReplyProbability, _ = f.GetFloat64("reply-prob")
	h.ResponseProbability, _ = f.GetFloat64("response-prob")
	h.AlwaysRespondInPM, _ = f.GetBool("always-pm")
	h.IgnoreOlderThan, _ = f.GetDuration("ignore-older")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if persona != "" {
		if _, err := s.GetPersona(cmd.Context(), persona); err != nil {
			exitErr("persona", err)
		}
	}

	acct, err := s.PutAccount(cmd.Context(), store.PutAccountParams{
		ID:           id,
		Name:         name,
		PersonaName:  persona,
		Active:       !inactive,
		Humanization: h,
	})
	if err != nil {
		exitErr("put account", err)
	}
	output(cmd.OutOrStdout(), acct, nil)
}

func runAccountList(cmd *cobra.Command, args []string) {
	activeOnly, _ := cmd.Flags().GetBool("active")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	accts, err := s.ListAccounts(cmd.Context(), activeOnly)
	if err != nil {
		exitErr("list accounts", err)
	}
	output(cmd.OutOrStdout(), accts, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tPERSONA\tACTIVE")
		for _, a := range accts {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%v\n", a.ID, a.Name, a.PersonaName, a.Active)
		}
		tw.Flush()
	})
}

func runAccountRm(cmd *cobra.Command, args []string) {
	id := parseID("account id", args[0])

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if err := s.DeleteAccount(cmd.Context(), id); err != nil {
		exitErr("rm", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"id":%d}`+"\n", id)
}

func setActive(cmd *cobra.Command, arg string, active bool) {
	id := parseID("account id", arg)

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if err := s.SetAccountActive(cmd.Context(), id, active); err != nil {
		exitErr("set active", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"id":%d,"active":%v}`+"\n", id, active)
}
