package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/mrzor/calltrace/internal/output"
	"github.com/spf13/cobra"
)

func newReportCmd() *cobra.Command {
	var recent int

	cmd := &cobra.Command{
		Use:   "report DATABASE",
		Short: "Summarize a recording made with --record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				return fmt.Errorf("recording: %w", err)
			}
			rec, err := output.OpenRecorder(args[0], 0)
			if err != nil {
				return err
			}
			defer rec.Close() //nolint:errcheck // read-only
			return report(cmd.OutOrStdout(), rec, recent)
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 0, "also list the N most recent calls")
	return cmd
}

func report(out io.Writer, rec *output.Recorder, recent int) error {
	calls, err := rec.Count()
	if err != nil {
		return err
	}
	gcs, err := rec.GCCount()
	if err != nil {
		return err
	}
	summary, err := rec.Summary()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%d calls, %d collections\n\n", calls, gcs)
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "METHOD\tCALLS\tTOTAL\tMAX")
	for _, s := range summary {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", s.Name, s.Count, s.Total, s.Max)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if recent <= 0 {
		return nil
	}
	records, err := rec.Recent(recent)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "START\tMETHOD\tDURATION\tEXPRS")
	for _, r := range records {
		name := r.Name()
		if r.Slow {
			name += " (slow)"
		}
		fmt.Fprintf(w, "%s\t%s%s\t%s\t%s\n",
			r.Start.Format("15:04:05.000000"), strings.Repeat("  ", r.Depth), name, r.Duration, formatExprs(r.Exprs))
	}
	return w.Flush()
}

func formatExprs(exprs map[string]string) string {
	keys := make([]string, 0, len(exprs))
	for k := range exprs {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+exprs[k])
	}
	return strings.Join(parts, ", ")
}
