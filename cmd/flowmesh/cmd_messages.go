package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/flowmesh/core"
)

// newMessagesCmd creates the "flowmesh messages" subcommand.
func newMessagesCmd(a *app) *cobra.Command {
	var pendingOnly bool
	cmd := &cobra.Command{
		Use:   "messages [session-id]",
		Short: "List bus messages",
		Long:  "Lists the messages sent to or from session-id, or every message when no id is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.open(ctx)
			if err != nil {
				return fmt.Errorf("messages: %w", err)
			}
			defer func() { _ = e.close() }()

			var msgs []core.SessionMessage
			if pendingOnly {
				msgs, err = e.store.ReadPendingMessages(ctx)
			} else {
				var id string
				if len(args) == 1 {
					id = args[0]
				}
				msgs, err = e.store.ListMessages(ctx, id)
			}
			if err != nil {
				return fmt.Errorf("messages: %w", err)
			}
			if pendingOnly && len(args) == 1 {
				msgs = involving(msgs, args[0])
			}

			out := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintln(out, "No messages.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTYPE\tFROM\tTO\tSTATUS\tPAYLOAD")
			for _, m := range msgs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					m.Timestamp.Format("2006-01-02 15:04:05"), m.Type, m.From, m.To, m.Status, truncate(string(m.Payload), 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&pendingOnly, "pending", false, "only list pending messages")
	return cmd
}

func involving(msgs []core.SessionMessage, id string) []core.SessionMessage {
	out := msgs[:0]
	for _, m := range msgs {
		if m.From == id || m.To == id {
			out = append(out, m)
		}
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
