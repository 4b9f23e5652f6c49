package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var newCmd = &cobra.Command{
	Use:   "new <model>",
	Short: "Create a chat for a model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		s, err := a.chats.Create(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), s.ID)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list <model>",
	Short: "List your chats for a model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		chats, err := a.chats.ListByModel(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMESSAGES\tLAST CHATTED")
		for _, s := range chats {
			last := "-"
			if s.LastChatted != nil {
				last = humanize.Time(*s.LastChatted)
			}
			fmt.Fprintf(w, "%s\t%d\t%s\n", s.ID, len(s.Messages), last)
		}
		return w.Flush()
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <chat-id>",
	Short: "Delete a chat and its local transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.chats.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		if a.transcript != nil {
			if err := a.transcript.DeleteSession(cmd.Context(), args[0]); err != nil {
				a.logger.Warn().Err(err).Str("session", args[0]).Msg("transcript cleanup failed")
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

func setup() (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(cfg, logger)
}
