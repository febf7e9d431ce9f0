//go:build linux

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tinyrange/gvm/internal/hv/gvm"
)

func newTSCCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tsc",
		Short: "Inspect or create TSC snapshot blobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show FILE",
		Short: "Decode a TSC state blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			st, err := gvm.ReadTSCState(f)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(a.stdout, "tsc=%d valid=%v\n", st.TSC, st.Valid)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "write FILE TSC",
		Short: "Write a TSC state blob",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tsc, err := strconv.ParseUint(args[1], 0, 64)
			if err != nil {
				return fmt.Errorf("parse tsc: %w", err)
			}
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			if err := gvm.WriteTSCState(f, gvm.TSCState{TSC: tsc, Valid: true}); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	})
	return cmd
}
