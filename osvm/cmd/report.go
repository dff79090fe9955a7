package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/sarchlab/osvm/datarecording"
	"github.com/sarchlab/osvm/tracing"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report [trace.sqlite3]",
	Short: "Summarize the events recorded by osvm run --trace-db.",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		kind, _ := c.Flags().GetString("kind")
		limit, _ := c.Flags().GetInt("limit")

		return report(c.Context(), args[0], kind, limit, c.OutOrStdout())
	},
}

func init() {
	reportCmd.Flags().String("kind", "",
		"List the events of this kind, for example Evict.")
	reportCmd.Flags().Int("limit", 20, "Maximum number of events to list.")

	rootCmd.AddCommand(reportCmd)
}

func report(
	ctx context.Context,
	path, kind string,
	limit int,
	out io.Writer,
) error {
	if ctx == nil {
		ctx = context.Background()
	}

	reader := datarecording.NewReader(path)
	defer reader.Close()

	reader.MapTable(tracing.RunTable, tracing.RunEntry{})
	reader.MapTable(tracing.EventTable, tracing.EventEntry{})

	runs, _, err := reader.Query(ctx, tracing.RunTable,
		datarecording.QueryParams{OrderBy: "Start"})
	if err != nil {
		return fmt.Errorf("read runs from %s: %w", path, err)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()

	for _, r := range runs {
		run := r.(*tracing.RunEntry)

		err = reportRun(ctx, reader, run, w)
		if err != nil {
			return err
		}
	}

	if kind == "" {
		return nil
	}

	events, total, err := reader.Query(ctx, tracing.EventTable,
		datarecording.QueryParams{
			Where:   "Kind = ?",
			Args:    []any{kind},
			OrderBy: "Time",
			Limit:   limit,
		})
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s events\t%d\n", kind, total)

	for _, e := range events {
		evt := e.(*tracing.EventEntry)
		fmt.Fprintf(w, "%d\tasid %d\tvpn %#x\tframe %d\tslot %d\t%s\n",
			evt.Time, evt.ASID, evt.VPN, evt.Frame, evt.Slot, evt.Fault)
	}

	return nil
}

func reportRun(
	ctx context.Context,
	reader datarecording.DataReader,
	run *tracing.RunEntry,
	w io.Writer,
) error {
	events, _, err := reader.Query(ctx, tracing.EventTable,
		datarecording.QueryParams{
			Where: "RunID = ?",
			Args:  []any{run.RunID},
		})
	if err != nil {
		return err
	}

	counts := make(map[string]int)
	for _, e := range events {
		counts[e.(*tracing.EventEntry).Kind]++
	}

	kinds := make([]string, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	durationMS := float64(run.End-run.Start) / 1e6
	fmt.Fprintf(w, "run %s\t%d events\t%.1f ms\n",
		run.RunID, run.Events, durationMS)

	for _, kind := range kinds {
		fmt.Fprintf(w, "\t%s\t%d\n", kind, counts[kind])
	}

	return nil
}
