// gputracker - AWS GPU on-demand price tracker with historical back-fill
//
// Usage:
//   gputracker collect [options]
//   gputracker status [options]
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/amorton45/aws-gpu-price-tracker/internal/ledger"
	"github.com/amorton45/aws-gpu-price-tracker/internal/pricelist"
	"github.com/amorton45/aws-gpu-price-tracker/internal/reconcile"
	"github.com/amorton45/aws-gpu-price-tracker/pkg/platform"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "gputracker",
		Usage:   "Track AWS GPU instance on-demand prices in an append-only ledger",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"GPUTRACKER_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "backend",
				Value:   "csv",
				Usage:   "Ledger backend (csv, postgres, clickhouse)",
				EnvVars: []string{"GPUTRACKER_BACKEND"},
			},
			&cli.StringFlag{
				Name:    "ledger",
				Value:   "gpu_prices.csv",
				Usage:   "Ledger CSV file path (csv backend)",
				EnvVars: []string{"GPUTRACKER_LEDGER"},
			},
			&cli.StringFlag{
				Name:    "postgres-dsn",
				Value:   "postgres://localhost/gputracker?sslmode=disable",
				Usage:   "PostgreSQL DSN (postgres backend)",
				EnvVars: []string{"GPUTRACKER_POSTGRES_DSN"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-host",
				Value:   "localhost",
				Usage:   "ClickHouse host (clickhouse backend)",
				EnvVars: []string{"CLICKHOUSE_HOST"},
			},
			&cli.IntFlag{
				Name:    "clickhouse-port",
				Value:   9000,
				Usage:   "ClickHouse native port",
				EnvVars: []string{"CLICKHOUSE_PORT"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-database",
				Value:   "gputracker",
				Usage:   "ClickHouse database",
				EnvVars: []string{"CLICKHOUSE_DATABASE"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-user",
				Value:   "default",
				Usage:   "ClickHouse user",
				EnvVars: []string{"CLICKHOUSE_USER"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-password",
				Value:   "",
				Usage:   "ClickHouse password",
				EnvVars: []string{"CLICKHOUSE_PASSWORD"},
			},
		},

		Commands: []*cli.Command{
			collectCommand(),
			statusCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// COLLECT COMMAND
// =============================================================================

func collectCommand() *cli.Command {
	return &cli.Command{
		Name:  "collect",
		Usage: "Back-fill missing months and record today's price",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "region",
				Value:   "us-east-1",
				Usage:   "Pricing API region endpoint and catalog region code",
				EnvVars: []string{"GPUTRACKER_REGION"},
			},
			&cli.StringFlag{
				Name:    "preferred-region",
				Value:   "us-east-1",
				Usage:   "Region code preferred when multiple offers match",
				EnvVars: []string{"GPUTRACKER_PREFERRED_REGION"},
			},
			&cli.StringFlag{
				Name:    "backfill-start",
				Value:   "2023-01-01",
				Usage:   "Earliest month to back-fill (YYYY-MM-DD)",
				EnvVars: []string{"GPUTRACKER_BACKFILL_START"},
			},
			&cli.StringSliceFlag{
				Name:    "instance",
				Value:   cli.NewStringSlice("p5.48xlarge=H100"),
				Usage:   "Instance type to track, as type or type=label (repeatable)",
				EnvVars: []string{"GPUTRACKER_INSTANCES"},
			},
			&cli.StringFlag{
				Name:    "precision",
				Value:   "second",
				Usage:   "Timestamp precision for today's row (second, day)",
				EnvVars: []string{"GPUTRACKER_PRECISION"},
			},
		},
		Action: runCollect,
	}
}

func runCollect(c *cli.Context) error {
	ctx := context.Background()
	logger := platform.InitLogger(c.String("log-level"))

	instances, err := parseInstances(c.StringSlice("instance"))
	if err != nil {
		return err
	}

	start, err := time.Parse("2006-01-02", c.String("backfill-start"))
	if err != nil {
		return fmt.Errorf("invalid --backfill-start: %w", err)
	}

	precision := reconcile.Precision(c.String("precision"))
	switch precision {
	case reconcile.PrecisionSecond, reconcile.PrecisionDay:
	default:
		return fmt.Errorf("invalid --precision %q (want second or day)", precision)
	}

	store, err := openStore(ctx, c)
	if err != nil {
		return err
	}
	defer store.Close()

	resolver, err := pricelist.NewResolver(ctx, c.String("region"), logger)
	if err != nil {
		return err
	}
	extractor := &pricelist.Extractor{
		PreferredRegion: c.String("preferred-region"),
	}

	engine := reconcile.NewEngine(resolver, extractor, store, logger, reconcile.Config{
		Instances:     instances,
		BackfillStart: start,
		Precision:     precision,
	})

	result, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	if result.RowsWritten == 0 {
		fmt.Println("No new data to add.")
	} else {
		fmt.Printf("Wrote %d new rows.\n", result.RowsWritten)
	}
	return nil
}

// =============================================================================
// STATUS COMMAND
// =============================================================================

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Summarize recorded ledger coverage",
		Action: func(c *cli.Context) error {
			ctx := context.Background()
			platform.InitLogger(c.String("log-level"))

			store, err := openStore(ctx, c)
			if err != nil {
				return err
			}
			defer store.Close()

			stamps, err := store.ExistingTimestamps(ctx)
			if err != nil {
				return err
			}
			if len(stamps) == 0 {
				fmt.Println("Ledger is empty.")
				return nil
			}

			keys := make([]string, 0, len(stamps))
			for ts := range stamps {
				keys = append(keys, ts)
			}
			sort.Strings(keys)
			fmt.Printf("%d recorded timestamps, earliest %s, latest %s\n",
				len(keys), keys[0], keys[len(keys)-1])
			return nil
		},
	}
}

// =============================================================================
// SHARED WIRING
// =============================================================================

func openStore(ctx context.Context, c *cli.Context) (ledger.Store, error) {
	switch backend := c.String("backend"); backend {
	case "csv":
		return ledger.NewCSVStore(c.String("ledger")), nil
	case "postgres":
		return ledger.NewPostgresStore(ctx, c.String("postgres-dsn"))
	case "clickhouse":
		return ledger.NewClickHouseStore(ctx, &ledger.ClickHouseConfig{
			Host:     c.String("clickhouse-host"),
			Port:     c.Int("clickhouse-port"),
			Database: c.String("clickhouse-database"),
			Username: c.String("clickhouse-user"),
			Password: c.String("clickhouse-password"),
		})
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", backend)
	}
}

// parseInstances turns "p5.48xlarge=H100" entries into ordered targets.
// A bare type is allowed; the label then repeats the type.
func parseInstances(specs []string) ([]reconcile.InstanceTarget, error) {
	seen := make(map[string]struct{})
	targets := make([]reconcile.InstanceTarget, 0, len(specs))
	for _, spec := range specs {
		instType, label, found := strings.Cut(spec, "=")
		instType = strings.TrimSpace(instType)
		if instType == "" {
			return nil, fmt.Errorf("invalid --instance %q", spec)
		}
		if !found || strings.TrimSpace(label) == "" {
			label = instType
		}
		if _, dup := seen[instType]; dup {
			return nil, fmt.Errorf("duplicate --instance %q", instType)
		}
		seen[instType] = struct{}{}
		targets = append(targets, reconcile.InstanceTarget{
			Type:  instType,
			Label: strings.TrimSpace(label),
		})
	}
	return targets, nil
}
