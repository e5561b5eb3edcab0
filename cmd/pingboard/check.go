package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hazz-dev/pingboard/internal/cache"
	"github.com/hazz-dev/pingboard/internal/checker"
	"github.com/hazz-dev/pingboard/internal/config"
	"github.com/hazz-dev/pingboard/internal/coordinator"
	"github.com/hazz-dev/pingboard/internal/status"
	"github.com/hazz-dev/pingboard/internal/target"
)

var errTargetsDown = errors.New("one or more targets are down")

func executeCheck(cmd *cobra.Command, cfg *config.Config, prober checker.Prober) error {
	return runChecks(cmdContext(cmd), cmd.OutOrStdout(), cfg, prober)
}

// runChecks runs a single cycle without persistence and prints it.
func runChecks(ctx context.Context, out io.Writer, cfg *config.Config, prober checker.Prober) error {
	registry, err := target.NewRegistry(cfg.TargetSpecs())
	if err != nil {
		return fmt.Errorf("building target registry: %w", err)
	}

	coord := coordinator.New(registry, prober, nil, cache.New(), coordinator.Options{
		Timeout:   cfg.Probe.Timeout.Duration,
		Threshold: cfg.Probe.Threshold.Duration,
		Workers:   cfg.Probe.Workers,
	}, slog.Default())

	delta, err := coord.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("running probe cycle: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tADDRESS\tSTATUS\tLATENCY")
	anyDown := false
	for _, r := range delta.Records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.Name,
			r.Address,
			r.Status,
			formatLatency(r.LatencyMs),
		)
		if r.Status == status.Down {
			anyDown = true
		}
	}
	w.Flush()

	if anyDown {
		return errTargetsDown
	}
	return nil
}

func formatLatency(ms *float64) string {
	if ms == nil {
		return "-"
	}
	return fmt.Sprintf("%.1fms", *ms)
}
