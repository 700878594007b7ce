package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/smukkama/weather-warehouse/internal/aggregation"
	"github.com/smukkama/weather-warehouse/internal/logger"
	"github.com/smukkama/weather-warehouse/internal/warehouse"
	"github.com/smukkama/weather-warehouse/pkg/config"
)

// Recomputes hourly aggregates for a time range from the stored facts and
// rewrites the flat export.
func main() {
	var (
		fromFlag = flag.String("from", "", "first hour to recompute (RFC 3339, default: 24h ago)")
		toFlag   = flag.String("to", "", "end of the range, exclusive (RFC 3339, default: now)")
		noExport = flag.Bool("no-export", false, "skip rewriting the flat export")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)

	now := time.Now().UTC()
	from, err := parseTime(*fromFlag, now.Add(-24*time.Hour))
	if err != nil {
		logger.Fatalf("Invalid -from: %v", err)
	}
	to, err := parseTime(*toFlag, now)
	if err != nil {
		logger.Fatalf("Invalid -to: %v", err)
	}
	if !from.Before(to) {
		logger.Fatalf("-from (%s) must be before -to (%s)", from, to)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := warehouse.Connect(ctx, cfg.Database.ConnectionString())
	if err != nil {
		logger.Fatalf("Failed to connect to warehouse: %v", err)
	}
	defer db.Close()

	store := warehouse.NewStore(db, warehouse.Options{
		BatchSize: cfg.ETL.BatchSize,
		Retry:     warehouse.RetryPolicy{MaxRetries: cfg.ETL.MaxRetries, Backoff: cfg.ETL.RetryBackoff},
	})

	updated, err := recompute(ctx, store, from, to)
	logger.Infof("Recomputed %d hourly buckets between %s and %s", updated, from.Format(time.RFC3339), to.Format(time.RFC3339))
	if err != nil {
		logger.Errorf("Some buckets were not updated: %v", err)
	}

	if !*noExport && (cfg.ETL.ExportCSV != "" || cfg.ETL.ExportParquet != "") {
		rows, lerr := store.ListHourly(ctx, now.Add(-cfg.ETL.AggregateWindow), now.Add(time.Hour))
		if lerr != nil {
			logger.Fatalf("Failed to list aggregates: %v", lerr)
		}
		exporter := &aggregation.Exporter{CSVPath: cfg.ETL.ExportCSV, ParquetPath: cfg.ETL.ExportParquet}
		if xerr := exporter.Export(rows); xerr != nil {
			logger.Fatalf("Failed to write export: %v", xerr)
		}
		logger.Infof("Exported %d aggregate rows", len(rows))
	}

	if err != nil {
		os.Exit(1)
	}
}

func recompute(ctx context.Context, store *warehouse.Store, from, to time.Time) (int, error) {
	var (
		errs    error
		updated int
	)
	for hour := aggregation.HourStart(from); hour.Before(to); hour = hour.Add(time.Hour) {
		samples, err := store.HourlySamples(ctx, hour)
		if err != nil {
			if warehouse.IsUnavailable(err) {
				return updated, err
			}
			errs = multierror.Append(errs, err)
			continue
		}

		rows, err := aggregation.ComputeHourly(samples)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		for _, h := range rows {
			if err := store.UpsertHourly(ctx, h); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			updated++
		}
		logger.Debugf("hour %s: %d samples, %d buckets", hour.Format(time.RFC3339), len(samples), len(rows))
	}
	return updated, errs
}

func parseTime(value string, def time.Time) (time.Time, error) {
	if value == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
