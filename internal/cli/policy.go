package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rcliao/persona-fleet/internal/model"
	"github.com/rcliao/persona-fleet/internal/store"
)

func init() {
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage per-chat reply policies",
	}

	set := &cobra.Command{
		Use:   "set <account> <chat>",
		Short: "Create or update a chat policy",
		Long:  "Create or update the policy of one chat. Only the flags given change; the rest keep their stored or default values.\nGroup chat ids are negative: put them after --, e.g. policy set --mode all_messages -- 42 -100123.",
		Args:  cobra.ExactArgs(2),
		Run:   runPolicySet,
	}
	set.Flags().Bool("enabled", true, "Answer in this chat at all")
	set.Flags().StringP("mode", "m", string(model.ModeMentionOnly), "Reply mode: mention_only or all_messages")
	set.Flags().StringP("triggers", "t", "", "Comma-separated trigger keywords")
	set.Flags().Duration("cooldown", 0, "Minimum gap between answers in this chat")
	set.Flags().Bool("memory", true, "Use semantic memory")
	set.Flags().Int("depth", 10, "Recent messages included in the prompt")
	set.Flags().Bool("web", false, "Allow web search")

	ls := &cobra.Command{
		Use:   "ls <account>",
		Short: "List chat policies of an account",
		Args:  cobra.ExactArgs(1),
		Run:   runPolicyList,
	}

	policyCmd.AddCommand(set, ls)
	RootCmd.AddCommand(policyCmd)
}

func runPolicySet(cmd *cobra.Command, args []string) {
	accountID := parseID("account id", args[0])
	chatID := parseID("chat id", args[1])

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	pol := model.DefaultChatPolicy(accountID, chatID)
	existing, err := s.GetChatPolicy(cmd.Context(), accountID, chatID)
	switch {
	case err == nil:
		pol = *existing
	case !errors.Is(err, store.ErrNotFound):
		exitErr("get policy", err)
	}

	if err := applyPolicyFlags(&pol, cmd.Flags()); err != nil {
		exitErr("policy", err)
	}
	if err := s.PutChatPolicy(cmd.Context(), pol); err != nil {
		exitErr("put policy", err)
	}
	output(cmd.OutOrStdout(), pol, nil)
}

// applyPolicyFlags copies the flags the user set onto pol.
func applyPolicyFlags(pol *model.ChatPolicy, f *pflag.FlagSet) error {
	var err error
	f.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "enabled":
			pol.Enabled, _ = f.GetBool("enabled")
		case "mode":
			mode, _ := f.GetString("mode")
			switch model.ReplyMode(mode) {
			case model.ModeMentionOnly, model.ModeAllMessages:
				pol.ReplyMode = model.ReplyMode(mode)
			default:
				err = fmt.Errorf("unknown reply mode %q", mode)
			}
		case "triggers":
			raw, _ := f.GetString("triggers")
			pol.Triggers = splitList(raw)
		case "cooldown":
			pol.Cooldown, _ = f.GetDuration("cooldown")
		case "memory":
			pol.MemoryEnabled, _ = f.GetBool("memory")
		case "depth":
			pol.ContextDepth, _ = f.GetInt("depth")
		case "web":
			pol.WebSearch, _ = f.GetBool("web")
		}
	})
	return err
}

func splitList(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func runPolicyList(cmd *cobra.Command, args []string) {
	accountID := parseID("account id", args[0])

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	pols, err := s.ListChatPolicies(cmd.Context(), accountID)
	if err != nil {
		exitErr("list policies", err)
	}
	output(cmd.OutOrStdout(), pols, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CHAT\tENABLED\tMODE\tCOOLDOWN\tMEMORY\tDEPTH\tWEB\tTRIGGERS")
		for _, p := range pols {
			fmt.Fprintf(tw, "%d\t%v\t%s\t%s\t%v\t%d\t%v\t%s\n",
				p.ChatID, p.Enabled, p.ReplyMode, p.Cooldown, p.MemoryEnabled, p.ContextDepth, p.WebSearch, strings.Join(p.Triggers, ","))
		}
		tw.Flush()
	})
}
