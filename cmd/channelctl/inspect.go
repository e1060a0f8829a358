package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var hopCmd = &cobra.Command{
	Use:   "hop",
	Short: "Leave the current channel and connect to an unvisited one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		userID, _ := cmd.Flags().GetString("user")
		from, _ := cmd.Flags().GetString("from")

		res, err := client.Hop(cmd.Context(), sessionID, userID, from)
		if err != nil {
			return describe(err)
		}
		fmt.Printf("connected to %s (session=%s room=%s)\n", res.HostID, res.SessionID, res.Result.RoomID)
		return nil
	},
}

var heartbeatsCmd = &cobra.Command{
	Use:   "heartbeats",
	Short: "List live heartbeats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		hbs, err := client.Heartbeats(cmd.Context())
		if err != nil {
			return describe(err)
		}
		if len(hbs) == 0 {
			fmt.Println("no live heartbeats")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CHANNEL\tROLE\tUSER\tROOM\tAGE")
		for _, h := range hbs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", h.ChannelName, h.Role, h.UserID, h.RoomID, time.Since(h.LastSeen).Truncate(time.Second))
		}
		return w.Flush()
	},
}

var attemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "Show recent connection attempts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		res, err := client.Attempts(cmd.Context(), limit)
		if err != nil {
			return describe(err)
		}
		fmt.Printf("total attempts: %d\n", res.Total)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tCHANNEL\tUSER\tSTATUS\tERROR\tDURATION")
		for _, a := range res.Attempts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				a.Timestamp.Format(time.RFC3339), a.ChannelID, a.UserID, a.Status, a.ErrorType, a.Duration)
		}
		return w.Flush()
	},
}

func init() {
	hopCmd.Flags().String("session", "", "session id (required)")
	hopCmd.Flags().String("user", "", "caller id (required)")
	hopCmd.Flags().String("from", "", "current host id (server-tracked channel when empty)")
	_ = hopCmd.MarkFlagRequired("session")
	_ = hopCmd.MarkFlagRequired("user")

	attemptsCmd.Flags().Int("limit", 20, "number of attempts to show")
}
