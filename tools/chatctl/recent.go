package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/john/chatkeep/internal/message"
	"github.com/john/chatkeep/internal/store"
)

var (
	recentPlatform string
	recentLimit    int
	recentJSON     bool
)

var recentCmd = &cobra.Command{
	Use:   "recent <channel>",
	Short: "Print a channel's most recent stored messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		platform, err := message.ParsePlatform(recentPlatform)
		if err != nil {
			return err
		}
		key := message.NewKey(args[0], platform)
		if err := key.Validate(); err != nil {
			return err
		}

		r, err := store.OpenReader(dataDir, key)
		if err != nil {
			return fmt.Errorf("open %s: %w", key, err)
		}
		defer r.Close()

		msgs, err := r.RecentMessages(cmd.Context(), recentLimit)
		if err != nil {
			return err
		}
		if recentJSON {
			return printJSONLines(cmd.OutOrStdout(), msgs)
		}
		printMessages(cmd.OutOrStdout(), msgs)
		return nil
	},
}

func init() {
	recentCmd.Flags().StringVarP(&recentPlatform, "platform", "p", message.DefaultPlatform.String(), "Platform: twitch or kick")
	recentCmd.Flags().IntVarP(&recentLimit, "limit", "n", 50, "Number of messages")
	recentCmd.Flags().BoolVar(&recentJSON, "json", false, "Print JSON lines instead of text")
}

// printMessages prints oldest first so the newest line ends up at the bottom
func printMessages(w io.Writer, msgs []message.ChatMessage) {
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		var b strings.Builder
		for _, span := range msg.Spans {
			if span.IsMention() {
				b.WriteString(mentionStyle.Render(span.Text))
			} else {
				b.WriteString(span.Text)
			}
		}
		fmt.Fprintf(w, "%s %s: %s\n",
			dimStyle.Render(msg.Timestamp.Local().Format(time.TimeOnly)),
			nameStyle.Render(msg.Username),
			b.String())
	}
}

func printJSONLines(w io.Writer, msgs []message.ChatMessage) error {
	enc := json.NewEncoder(w)
	for i := len(msgs) - 1; i >= 0; i-- {
		if err := enc.Encode(msgs[i]); err != nil {
			return err
		}
	}
	return nil
}
