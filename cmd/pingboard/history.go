package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hazz-dev/pingboard/internal/storage"
	"github.com/hazz-dev/pingboard/internal/target"
)

type historyStore interface {
	History(ctx context.Context, targetID string, limit, offset int) ([]storage.Observation, int, error)
	UptimePercent(ctx context.Context, targetID string, last int) (float64, error)
}

// executeHistory prints the newest observations of one target. name may be
// the target's display name or its id.
func executeHistory(cmd *cobra.Command, db historyStore, name string, limit int) error {
	out := cmd.OutOrStdout()
	id := target.Slug(name)
	if limit <= 0 {
		limit = 20
	}

	obs, total, err := db.History(cmdContext(cmd), id, limit, 0)
	if err != nil {
		return fmt.Errorf("querying history: %w", err)
	}
	if total == 0 {
		fmt.Fprintf(out, "No observations for %q.\n", name)
		return nil
	}

	pct, err := db.UptimePercent(cmdContext(cmd), id, total)
	if err != nil {
		return fmt.Errorf("calculating uptime: %w", err)
	}
	fmt.Fprintf(out, "%s: %d observations, %.1f%% up\n", obs[0].Name, total, pct)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tCYCLE\tSTATUS\tLATENCY")
	for _, o := range obs {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			o.Timestamp.Local().Format("2006-01-02 15:04:05.000"),
			o.Cycle,
			o.Status,
			formatLatency(o.LatencyMs),
		)
	}
	w.Flush()
	return nil
}
