//go:build linux

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyrange/gvm/internal/debug"
	"github.com/tinyrange/gvm/internal/hv/gvm"
)

func newTraceCmd(a *app) *cobra.Command {
	var (
		sources []string
		kinds   []string
		limit   int
		summary bool
		failed  bool
	)
	cmd := &cobra.Command{
		Use:   "trace FILE",
		Short: "Print a binary debug trace",
		Example: `  gvmctl trace gvm.trace --source "gvm exit" --limit 50
  gvmctl trace gvm.trace --kind ioctl --errors
  gvmctl trace gvm.trace --summary`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closer, err := debug.OpenReader(args[0])
			if err != nil {
				return err
			}
			defer closer.Close()

			if summary {
				return printTraceSummary(a, r)
			}

			f := debug.Filter{Sources: sources, Limit: limit}
			for _, k := range kinds {
				kind, err := parseKind(k)
				if err != nil {
					return err
				}
				f.Kinds = append(f.Kinds, kind)
			}
			if failed {
				f.Kinds = []debug.Kind{debug.KindIoctl}
			}

			return r.Each(f, func(e debug.Entry) error {
				line, show, err := formatEntry(e, failed)
				if err != nil || !show {
					return err
				}
				_, err = fmt.Fprintln(a.stdout, line)
				return err
			})
		},
	}
	cmd.Flags().StringSliceVar(&sources, "source", nil, "only show these sources")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "only show these record kinds (text, ioctl, exit)")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many entries (0 for all)")
	cmd.Flags().BoolVar(&summary, "summary", false, "print per-source counts instead of entries")
	cmd.Flags().BoolVar(&failed, "errors", false, "only show failed ioctls")
	return cmd
}

func parseKind(s string) (debug.Kind, error) {
	for _, k := range []debug.Kind{debug.KindText, debug.KindIoctl, debug.KindExit} {
		if k.String() == s {
			return k, nil
		}
	}
	return debug.KindInvalid, fmt.Errorf("unknown record kind %q", s)
}

// formatEntry renders one record. With failedOnly, successful ioctls are
// skipped.
func formatEntry(e debug.Entry, failedOnly bool) (string, bool, error) {
	ts := e.Time.Format(time.RFC3339Nano)
	switch e.Kind {
	case debug.KindIoctl:
		rec, err := debug.DecodeIoctl(e.Data)
		if err != nil {
			return "", false, err
		}
		if failedOnly && rec.Errno == 0 {
			return "", false, nil
		}
		result := "ok"
		if rec.Errno != 0 {
			result = fmt.Sprintf("errno %d", rec.Errno)
		}
		return fmt.Sprintf("%s [%s] fd=%d %s: %s", ts, e.Source, rec.FD, rec.Name, result), true, nil
	case debug.KindExit:
		rec, err := debug.DecodeExit(e.Data)
		if err != nil {
			return "", false, err
		}
		return fmt.Sprintf("%s [%s] vcpu %d %s 0x%x", ts, e.Source, rec.VCPU, gvm.ExitReasonName(rec.Reason), rec.Detail), true, nil
	default:
		return fmt.Sprintf("%s [%s] %s", ts, e.Source, e.Data), true, nil
	}
}

func printTraceSummary(a *app, r *debug.Reader) error {
	stats, err := r.Summarize()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tCOUNT\tSPAN")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", s.Source, s.Count, s.Last.Sub(s.First))
	}
	return tw.Flush()
}
