package main

import (
	"fmt"
	"io"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/fnbcost/fnbcost/jobs"
)

func newJobsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Interact with background jobs",
	}
	var before string
	trigger := &cobra.Command{
		Use:       "trigger <task>",
		Short:     "Enqueue a background task now",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{jobs.TaskUnlockExpiredAccounts},
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != jobs.TaskUnlockExpiredAccounts {
				return fmt.Errorf("unknown task %q", args[0])
			}
			var payload jobs.UnlockExpiredPayload
			if before != "" {
				t, err := time.Parse(time.RFC3339, before)
				if err != nil {
					return fmt.Errorf("--before: %w", err)
				}
				payload.Before = &t
			}
			client := jobs.NewClient(asynq.RedisClientOpt{Addr: g.cfg.RedisAddr})
			defer client.Close()
			info, err := client.EnqueueUnlockExpired(cmd.Context(), payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s (id %s, queue %s)\n", info.Type, info.ID, info.Queue)
			return nil
		},
	}
	trigger.Flags().StringVar(&before, "before", "", "Unlock windows ending before this RFC3339 time")
	cmd.AddCommand(trigger)
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show queue counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := jobs.Stats(asynq.RedisClientOpt{Addr: g.cfg.RedisAddr})
			if err != nil {
				return err
			}
			return g.print(cmd.OutOrStdout(), stats, func(w io.Writer) {
				fmt.Fprintf(w, "queue %s: pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
					stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
			})
		},
	})
	return cmd
}
