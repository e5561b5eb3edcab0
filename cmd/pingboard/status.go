package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hazz-dev/pingboard/internal/storage"
)

type statusStore interface {
	AllLatest(ctx context.Context) ([]storage.Observation, error)
}

func executeStatus(cmd *cobra.Command, db statusStore) error {
	out := cmd.OutOrStdout()
	obs, err := db.AllLatest(cmdContext(cmd))
	if err != nil {
		return fmt.Errorf("querying status: %w", err)
	}

	if len(obs) == 0 {
		fmt.Fprintln(out, "No observations yet. Run 'pingboard serve' first.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tADDRESS\tSTATUS\tLATENCY\tLAST CHECKED")
	for _, o := range obs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			o.Name,
			o.Address,
			o.Status,
			formatLatency(o.LatencyMs),
			o.Timestamp.Local().Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()
	return nil
}
