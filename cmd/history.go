package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/httprunner/DeviceAgent/internal/storage"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var flagLimit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent invocations from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.Open(resolveDBPath())
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.RecentInvocations(cmd.Context(), flagLimit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ENDED\tSERIAL\tATTEMPT\tOUTCOME\tELAPSED\tCOMMAND")
			for _, rec := range records {
				outcome := rec.Outcome
				if rec.Rescheduled {
					outcome += " (rescheduled)"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					rec.EndAt.Local().Format(time.DateTime),
					rec.DeviceSerial,
					rec.Attempt,
					outcome,
					rec.EndAt.Sub(rec.StartAt).Round(time.Millisecond),
					strings.Join(rec.Args, " "),
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&flagLimit, "limit", 20, "Number of invocations to show")
	return cmd
}
