package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/john/chatkeep/internal/store"
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List channels with a store in the data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := store.Discover(cmd.Context(), dataDir)
		if err != nil {
			return fmt.Errorf("discover stores: %w", err)
		}

		summaries := make([]store.Summary, 0, len(keys))
		for _, key := range keys {
			r, err := store.OpenReader(dataDir, key)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipping %s: %v\n", key, err)
				continue
			}
			sum, err := r.Summary(cmd.Context())
			r.Close()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipping %s: %v\n", key, err)
				continue
			}
			summaries = append(summaries, sum)
		}

		printChannels(cmd.OutOrStdout(), summaries)
		return nil
	},
}

func printChannels(w io.Writer, summaries []store.Summary) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No channel stores found in "+dataDir))
		return
	}

	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%d stored channel(s)", len(summaries))))
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "PLATFORM\tCHANNEL\tMESSAGES\tSIZE\tLAST MESSAGE")
	for _, sum := range summaries {
		last := "-"
		if !sum.LastMessage.IsZero() {
			last = sum.LastMessage.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			sum.Key.Platform, sum.Key.Name, sum.Messages, humanBytes(sum.SizeBytes), last)
	}
	tw.Flush()
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
