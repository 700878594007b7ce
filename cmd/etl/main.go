package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smukkama/weather-warehouse/internal/aggregation"
	"github.com/smukkama/weather-warehouse/internal/anomaly"
	"github.com/smukkama/weather-warehouse/internal/checkpoint"
	"github.com/smukkama/weather-warehouse/internal/logger"
	"github.com/smukkama/weather-warehouse/internal/metrics"
	"github.com/smukkama/weather-warehouse/internal/notification"
	"github.com/smukkama/weather-warehouse/internal/pipeline"
	"github.com/smukkama/weather-warehouse/internal/queue"
	"github.com/smukkama/weather-warehouse/internal/reading"
	"github.com/smukkama/weather-warehouse/internal/scheduler"
	"github.com/smukkama/weather-warehouse/internal/source"
	"github.com/smukkama/weather-warehouse/internal/warehouse"
	"github.com/smukkama/weather-warehouse/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Infof("Starting Weather Warehouse ETL...")

	if err := warehouse.RunMigrations(cfg.Database.ConnectionString()); err != nil {
		logger.Fatalf("Failed to run migrations: %v", err)
	}

	db, err := warehouse.Connect(ctx, cfg.Database.ConnectionString())
	if err != nil {
		logger.Fatalf("Failed to connect to warehouse: %v", err)
	}
	defer db.Close()
	logger.Infof("Connected to warehouse")

	store := warehouse.NewStore(db, warehouse.Options{
		BatchSize: cfg.ETL.BatchSize,
		Retry:     warehouse.RetryPolicy{MaxRetries: cfg.ETL.MaxRetries, Backoff: cfg.ETL.RetryBackoff},
	})

	checkpoints, closeCheckpoints := newCheckpointStore(ctx, cfg)
	defer closeCheckpoints()

	sources := []source.Source{
		source.NewJSONL(cfg.ETL.JSONLPath(), checkpoints),
		source.NewCSV(cfg.ETL.CSVPath(), checkpoints),
	}

	var publisher pipeline.Publisher
	if cfg.Kafka.Enabled {
		for _, topic := range []string{cfg.Kafka.TopicReadings, cfg.Kafka.TopicAnomalies} {
			if err := queue.EnsureTopic(cfg.Kafka.Brokers, topic, 3, 1); err != nil {
				logger.Warnf("Failed to ensure topic %s: %v", topic, err)
			}
		}

		consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicReadings, cfg.Kafka.GroupID)
		defer consumer.Close()
		sources = append(sources, source.NewKafka(consumer, cfg.Kafka.PollWindow, cfg.Kafka.MaxPerCycle))

		producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAnomalies)
		defer producer.Close()
		publisher = queue.NewAnomalyPublisher(producer)
		logger.Infof("Kafka enabled: consuming %s, publishing anomalies to %s",
			cfg.Kafka.TopicReadings, cfg.Kafka.TopicAnomalies)
	}

	var exporter pipeline.Exporter
	if cfg.ETL.ExportCSV != "" || cfg.ETL.ExportParquet != "" {
		exporter = &aggregation.Exporter{CSVPath: cfg.ETL.ExportCSV, ParquetPath: cfg.ETL.ExportParquet}
	}

	p := pipeline.New(sources, store, pipeline.Options{
		Validator: reading.NewValidator(cfg.ETL.ClockSkew),
		Detector: anomaly.NewDetector(anomaly.Config{
			ZScoreThreshold: cfg.Anomaly.ZScoreThreshold,
			StuckRun:        cfg.Anomaly.StuckRun,
			MaxGap:          cfg.Anomaly.MaxGap(),
		}),
		Publisher:       publisher,
		Exporter:        exporter,
		AggregateWindow: cfg.ETL.AggregateWindow,
	})

	states := make([]string, len(scheduler.States))
	for i, s := range scheduler.States {
		states[i] = string(s)
	}
	recorder := metrics.NewPrometheusRecorder(states)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(recorder), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("Metrics server failed: %v", err)
			}
		}()
		defer srv.Close()
		logger.Infof("Serving metrics on %s/metrics", cfg.MetricsAddr)
	}

	notifier := notification.NewEmailNotifier(&cfg.SMTP)
	if notifier.Configured() {
		if err := notifier.TestConnection(); err != nil {
			logger.Warnf("SMTP check failed, alerts may not be delivered: %v", err)
		}
	}

	sched := scheduler.New(func() scheduler.Cycle { return p.NewCycle() }, scheduler.Options{
		Period:     cfg.ETL.CyclePeriod,
		Timeout:    cfg.ETL.CycleTimeout,
		MaxBackoff: cfg.ETL.MaxBackoff,
		AlertAfter: cfg.AlertAfter,
		Recorder:   recorder,
		Notifier:   notifier,
	})

	logger.Infof("Reading %s and %s every %s", cfg.ETL.JSONLPath(), cfg.ETL.CSVPath(), cfg.ETL.CyclePeriod)
	logger.Infof("Press Ctrl+C to stop")

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("Scheduler stopped: %v", err)
	}
	logger.Infof("Weather Warehouse ETL stopped")
}

func newCheckpointStore(ctx context.Context, cfg *config.Config) (checkpoint.Store, func()) {
	if cfg.Checkpointer == "memory" {
		logger.Warnf("Using in-memory checkpoints, files are re-read from the start after a restart")
		return checkpoint.NewMemoryStore(), func() {}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	logger.Infof("Connected to Redis")
	return checkpoint.NewRedisStore(redisClient), func() { _ = redisClient.Close() }
}

func metricsMux(recorder *metrics.PrometheusRecorder) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
