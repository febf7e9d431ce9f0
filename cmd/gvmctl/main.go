//go:build linux

// Command gvmctl probes and exercises the GVM accelerator and inspects the
// trace, timing and snapshot files it produces.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tinyrange/gvm/internal/config"
	"github.com/tinyrange/gvm/internal/debug"
	"github.com/tinyrange/gvm/internal/timeslice"
)

type app struct {
	configPath    string
	tracePath     string
	timeslicePath string
	verbose       bool

	cfg    config.Accelerator
	stdout io.Writer
	stderr io.Writer

	// closers run after the command in reverse order.
	closers []func() error
}

func (a *app) loadConfig() error {
	if a.configPath == "" {
		a.cfg = config.Default()
		return nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// startRecording opens the trace and timing sinks named by flags or the
// configuration file.
func (a *app) startRecording() error {
	trace := a.tracePath
	if trace == "" {
		trace = a.cfg.Trace
	}
	if trace != "" {
		if err := debug.OpenFile(trace); err != nil {
			return fmt.Errorf("open trace %s: %w", trace, err)
		}
		a.closers = append(a.closers, debug.Close)
	}

	ts := a.timeslicePath
	if ts == "" {
		ts = a.cfg.Timeslice
	}
	if ts != "" {
		f, err := os.Create(ts)
		if err != nil {
			return fmt.Errorf("create timeslice file: %w", err)
		}
		rec, err := timeslice.Start(f)
		if err != nil {
			f.Close()
			return err
		}
		a.closers = append(a.closers, f.Close, rec.Close)
	}
	return nil
}

func (a *app) finish() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "gvmctl",
		Short:         "Probe and exercise the GVM hypervisor accelerator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if a.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level})))
			return a.loadConfig()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "accelerator configuration file (YAML)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newProbeCmd(a),
		newSmokeCmd(a),
		newTraceCmd(a),
		newTimesliceCmd(a),
		newTSCCmd(a),
	)
	return root
}

// addRecordingFlags adds the flags of commands that open a session.
func addRecordingFlags(cmd *cobra.Command, a *app) {
	cmd.Flags().StringVar(&a.tracePath, "trace", "", "write a binary debug trace to this file")
	cmd.Flags().StringVar(&a.timeslicePath, "timeslice", "", "write phase timings to this file")
}

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gvmctl: %v\n", err)
		os.Exit(1)
	}
}
