package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/john/chatkeep/internal/kick"
	"github.com/john/chatkeep/internal/message"
)

var (
	resolveAPIURL  string
	resolveTimeout time.Duration
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <slug> [slug...]",
	Short: "Resolve Kick channel slugs to chatroom ids",
	Long: `Look up the chatroom id of each Kick channel and print a config snippet
that pins them, so the daemon never needs to call the Kick API for them.`,
	Example: "  chatctl resolve paymoneywubby xqc",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), resolveTimeout)
		defer cancel()

		resolver := kick.NewResolver(resolveAPIURL, nil)
		rooms, failures := resolveAll(ctx, resolver, args)
		printResolved(cmd.OutOrStdout(), rooms, failures)

		if len(rooms) == 0 {
			return fmt.Errorf("no channels resolved")
		}
		return nil
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveAPIURL, "api-url", kick.DefaultAPIBaseURL, "Kick API base URL")
	resolveCmd.Flags().DurationVar(&resolveTimeout, "timeout", 30*time.Second, "Overall timeout")
}

func resolveAll(ctx context.Context, resolver *kick.Resolver, slugs []string) ([]kick.Room, map[string]string) {
	var rooms []kick.Room
	failures := make(map[string]string)
	for _, slug := range slugs {
		slug = message.NormalizeChannel(slug)
		room, err := resolver.Resolve(ctx, slug)
		if err != nil {
			failures[slug] = err.Error()
			continue
		}
		rooms = append(rooms, room)
	}
	return rooms, failures
}

func printResolved(w io.Writer, rooms []kick.Room, failures map[string]string) {
	if len(rooms) > 0 {
		fmt.Fprintln(w, okStyle.Render("✓ Resolved:"))
		for _, room := range rooms {
			fmt.Fprintf(w, "  %s: %d\n", nameStyle.Render(room.Slug), room.ChatroomID)
		}
		fmt.Fprintln(w)
	}

	if len(failures) > 0 {
		fmt.Fprintln(w, failStyle.Render("✗ Failed to resolve:"))
		slugs := make([]string, 0, len(failures))
		for slug := range failures {
			slugs = append(slugs, slug)
		}
		sort.Strings(slugs)
		for _, slug := range slugs {
			fmt.Fprintf(w, "  %s: %s\n", slug, failures[slug])
		}
		fmt.Fprintln(w)
	}

	if len(rooms) > 0 {
		fmt.Fprintln(w, dimStyle.Render("Add this to your config.yaml:"))
		fmt.Fprintln(w, "kick:")
		fmt.Fprintln(w, "  channels:")
		for _, room := range rooms {
			fmt.Fprintf(w, "    - slug: %s\n", room.Slug)
			fmt.Fprintf(w, "      chatroom_id: %d\n", room.ChatroomID)
		}
	}
}
