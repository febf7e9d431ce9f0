//go:build linux

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tinyrange/gvm/internal/timeslice"
)

func newTimesliceCmd(a *app) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "timeslice FILE",
		Short: "Summarize a phase timing recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			if raw {
				return timeslice.ReadAll(f, func(s timeslice.Sample) error {
					_, err := fmt.Fprintf(a.stdout, "%s %s %s\n", s.Kind, s.Flags, s.Duration)
					return err
				})
			}

			stats, err := timeslice.Summarize(f)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 8, 2, ' ', tabwriter.AlignRight)
			fmt.Fprintln(tw, "KIND\tFLAGS\tCOUNT\tTOTAL\tMIN\tMEAN\tMAX\t")
			for _, s := range stats {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t\n",
					s.Kind, s.Flags, s.Count, s.Total, s.Min, s.Mean(), s.Max)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print every sample instead of a summary")
	return cmd
}
