package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/smukkama/weather-warehouse/internal/anomaly"
	"github.com/smukkama/weather-warehouse/internal/logger"
	"github.com/smukkama/weather-warehouse/internal/reading"
)

// Fact is an annotated reading ready to be loaded.
type Fact struct {
	Reading    reading.Reading
	Annotation anomaly.Annotation
}

// StatusCode is the status dimension code stored with the fact: the anomaly
// type for anomalous readings, otherwise the status the sensor reported.
func (f Fact) StatusCode() string {
	if f.Annotation.IsAnomaly {
		return string(f.Annotation.Type)
	}
	return f.Reading.Status
}

// LoadResult counts what happened to the facts handed to LoadFacts.
type LoadResult struct {
	Inserted int
	// Duplicates are facts whose (sensor, time) pair was already stored.
	Duplicates int
	Failed     int
	// Loaded holds the facts that were actually inserted, in load order.
	Loaded []Fact
}

func (r *LoadResult) add(o LoadResult) {
	r.Inserted += o.Inserted
	r.Duplicates += o.Duplicates
	r.Failed += o.Failed
	r.Loaded = append(r.Loaded, o.Loaded...)
}

// LoadFacts writes facts in batches, one transaction per batch. Transient
// errors are retried with backoff. A batch that keeps failing for any other
// reason is replayed row by row so that only the offending rows are counted
// as failed. An unreachable warehouse aborts the load with ErrUnavailable and
// the partial result.
func (s *Store) LoadFacts(ctx context.Context, facts []Fact) (LoadResult, error) {
	var res LoadResult

	ready := make([]Fact, 0, len(facts))
	for _, f := range facts {
		if f.Reading.Location.City == "" {
			logger.Warnf("not loading reading sensor=%s ts=%s: %v: city",
				f.Reading.Sensor.ID, f.Reading.Timestamp.Format(time.RFC3339Nano), ErrMissingAttribute)
			res.Failed++
			continue
		}
		ready = append(ready, f)
	}

	for start := 0; start < len(ready); start += s.opts.BatchSize {
		batch := ready[start:min(start+s.opts.BatchSize, len(ready))]

		var out LoadResult
		err := s.opts.Retry.Do(ctx, "fact batch", func() error {
			var err error
			out, err = s.insertBatch(ctx, batch)
			return err
		})
		if err == nil {
			res.add(out)
			continue
		}

		if err = classify(err); errors.Is(err, ErrUnavailable) {
			return res, fmt.Errorf("failed to load fact batch: %w", err)
		}
		if IsTransient(err) {
			logger.Errorf("fact batch of %d rows failed after %d retries: %v", len(batch), s.opts.Retry.MaxRetries, err)
			res.Failed += len(batch)
			continue
		}

		logger.Warnf("fact batch of %d rows failed, loading rows one by one: %v", len(batch), err)
		out, err = s.insertRows(ctx, batch)
		res.add(out)
		if err != nil {
			return res, err
		}
	}

	return res, nil
}

func (s *Store) insertRows(ctx context.Context, facts []Fact) (LoadResult, error) {
	var res LoadResult
	for _, f := range facts {
		var out LoadResult
		err := s.opts.Retry.Do(ctx, "fact row", func() error {
			var err error
			out, err = s.insertBatch(ctx, []Fact{f})
			return err
		})
		switch {
		case err == nil:
			res.add(out)
		case IsConflict(err):
			res.Duplicates++
		default:
			if err = classify(err); errors.Is(err, ErrUnavailable) {
				return res, fmt.Errorf("failed to load fact row: %w", err)
			}
			logger.Errorf("failed to load reading sensor=%s ts=%s: %v",
				f.Reading.Sensor.ID, f.Reading.Timestamp.Format(time.RFC3339Nano), err)
			res.Failed++
		}
	}
	return res, nil
}

// insertBatch writes facts in one transaction. Dimension keys resolved in the
// transaction reach the shared cache only after commit.
func (s *Store) insertBatch(ctx context.Context, facts []Fact) (LoadResult, error) {
	var res LoadResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sess := s.resolver.Session(tx)
	ingested := s.now().UTC()
	for _, f := range facts {
		inserted, err := insertFact(ctx, tx, sess, f, ingested)
		if err != nil {
			return LoadResult{}, err
		}
		if inserted {
			res.Inserted++
			res.Loaded = append(res.Loaded, f)
		} else {
			res.Duplicates++
		}
	}

	if err := tx.Commit(); err != nil {
		return LoadResult{}, fmt.Errorf("failed to commit fact batch: %w", err)
	}
	sess.Commit()
	return res, nil
}

func insertFact(ctx context.Context, tx *sql.Tx, sess *Session, f Fact, ingested time.Time) (bool, error) {
	r := f.Reading

	timeKey, err := sess.TimeKey(ctx, r.Timestamp)
	if err != nil {
		return false, err
	}
	sensorKey, err := sess.SensorKey(ctx, r.Sensor)
	if err != nil {
		return false, err
	}
	locationKey, err := sess.LocationKey(ctx, r.Location)
	if err != nil {
		return false, err
	}
	statusKey, err := sess.StatusKey(ctx, f.StatusCode())
	if err != nil {
		return false, err
	}

	var anomalyType sql.NullString
	if f.Annotation.IsAnomaly {
		anomalyType = sql.NullString{String: string(f.Annotation.Type), Valid: true}
	}

	query := `
		INSERT INTO fact_weather_reading (
			time_key, sensor_key, location_key, status_key,
			temperature, humidity, pressure, wind_speed, wind_direction, rainfall, unit,
			is_anomaly, anomaly_type, signal_strength, reading_quality, source,
			ingestion_ts, processing_latency_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (sensor_key, time_key) DO NOTHING
	`
	res, err := tx.ExecContext(ctx, query,
		timeKey, sensorKey, locationKey, statusKey,
		r.Temperature, r.Humidity, r.Pressure, r.WindSpeed, r.WindDirection, r.Rainfall, r.Unit,
		f.Annotation.IsAnomaly, anomalyType, r.SignalStrength, r.ReadingQuality, string(r.Source),
		ingested, ingested.Sub(r.Timestamp).Milliseconds(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert fact sensor=%s: %w", r.Sensor.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
