package cli

import (
	"github.com/spf13/cobra"
)

func newQueueCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the worker queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "metrics",
		Short: "Show waiting, active, completed, failed and delayed counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := opts.client().QueueMetrics(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, snap)
			}
			printf(out, "Waiting:    %d\n", snap.Waiting)
			printf(out, "Active:     %d\n", snap.Active)
			printf(out, "Delayed:    %d\n", snap.Delayed)
			printf(out, "Completed:  %d\n", snap.Completed)
			printf(out, "Failed:     %d\n", snap.Failed)
			return nil
		},
	})
	return cmd
}
