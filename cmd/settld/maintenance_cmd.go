package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/joho/godotenv"

	"github.com/settld-labs/settld/pkg/config"
	"github.com/settld-labs/settld/pkg/workers"
)

// runMaintenanceCmd implements `settld maintenance`: one retention sweep
// against the configured store, for deployments that run janitor work
// from cron instead of the in-server loop.
func runMaintenanceCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("maintenance", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var max int
	cmd.IntVar(&max, "max", 1000, "Max rows to purge per table")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	_ = godotenv.Load()
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	st, _, _, err := openStore(ctx, cfg, logger, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: store: %v\n", err)
		return 1
	}
	defer st.Close()

	sweep := workers.NewRetentionCleanup(st, nil, logger, time.Now, workers.RetentionTTLs{
		IngestRecords:    cfg.IngestRetention,
		Deliveries:       cfg.DeliveryRetention,
		DeliveryReceipts: cfg.DeliveryRetention,
	})
	purged, err := sweep.Run(ctx, max)
	if err != nil {
		fmt.Fprintf(stderr, "Error: retention sweep: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "purged %d rows\n", purged)
	return 0
}
