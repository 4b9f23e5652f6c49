package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var transcriptLimit int

var transcriptCmd = &cobra.Command{
	Use:   "transcript <chat-id>",
	Short: "Print the locally journaled frames of a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		if a.transcript == nil {
			return errors.New("no transcript configured (set AGENTCHAT_TRANSCRIPT_PATH)")
		}

		ctx := cmd.Context()
		total, err := a.transcript.Count(ctx, args[0])
		if err != nil {
			return err
		}
		frames, err := a.transcript.Recent(ctx, args[0], transcriptLimit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: %d of %d frames\n", args[0], len(frames), total)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, f := range frames {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.At.Local().Format(time.DateTime), f.Direction, f.Message.Kind, formatMessage(f.Message))
		}
		if err := w.Flush(); err != nil {
			return err
		}

		size, err := a.transcript.DBSizeBytes()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "journal %s (%s)\n", a.transcript.Path(), humanize.Bytes(uint64(size)))
		return nil
	},
}

func init() {
	transcriptCmd.Flags().IntVarP(&transcriptLimit, "limit", "n", 50, "number of frames to print")
}
