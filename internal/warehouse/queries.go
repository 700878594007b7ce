package warehouse

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/smukkama/weather-warehouse/internal/aggregation"
	"github.com/smukkama/weather-warehouse/internal/reading"
)

// ExistingKeys returns the dedup keys already stored for the sensors and time
// span of w.
func (s *Store) ExistingKeys(ctx context.Context, w reading.Window) (map[reading.Key]struct{}, error) {
	query := `
		SELECT s.sensor_id, t.ts
		FROM fact_weather_reading f
		JOIN dim_sensor s ON s.sensor_key = f.sensor_key
		JOIN dim_time t ON t.time_key = f.time_key
		WHERE s.sensor_id = ANY($1) AND t.ts BETWEEN $2 AND $3
	`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(w.SensorIDs), w.From.UTC(), w.To.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query stored keys: %w", classify(err))
	}
	defer rows.Close()

	keys := make(map[reading.Key]struct{})
	for rows.Next() {
		var sensorID string
		var ts time.Time
		if err := rows.Scan(&sensorID, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan stored key: %w", err)
		}
		keys[reading.NewKey(sensorID, ts)] = struct{}{}
	}
	return keys, classify(rows.Err())
}

// LastSeen returns, per sensor, the latest stored reading timestamp strictly
// before that sensor's cutoff in before. Sensors with no earlier reading are
// absent.
func (s *Store) LastSeen(ctx context.Context, before map[string]time.Time) (map[string]time.Time, error) {
	last := make(map[string]time.Time)
	if len(before) == 0 {
		return last, nil
	}

	ids := make([]string, 0, len(before))
	for id := range before {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	cutoffs := make([]string, len(ids))
	for i, id := range ids {
		cutoffs[i] = before[id].UTC().Format(time.RFC3339Nano)
	}

	query := `
		SELECT s.sensor_id, MAX(t.ts)
		FROM fact_weather_reading f
		JOIN dim_sensor s ON s.sensor_key = f.sensor_key
		JOIN dim_time t ON t.time_key = f.time_key
		JOIN unnest($1::text[], $2::timestamptz[]) AS c(sensor_id, cutoff) ON c.sensor_id = s.sensor_id
		WHERE t.ts < c.cutoff
		GROUP BY s.sensor_id
	`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(ids), pq.Array(cutoffs))
	if err != nil {
		return nil, fmt.Errorf("failed to query last readings: %w", classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		var sensorID string
		var ts time.Time
		if err := rows.Scan(&sensorID, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan last reading: %w", err)
		}
		last[sensorID] = ts.UTC()
	}
	return last, classify(rows.Err())
}

// HourlySamples returns every stored fact whose timestamp falls in the UTC
// hour starting at hour.
func (s *Store) HourlySamples(ctx context.Context, hour time.Time) ([]aggregation.Sample, error) {
	query := `
		SELECT f.sensor_key, f.location_key, s.sensor_id, l.city_name, t.ts,
		       f.temperature, f.humidity, f.pressure, f.wind_speed, f.rainfall, f.is_anomaly
		FROM fact_weather_reading f
		JOIN dim_time t ON t.time_key = f.time_key
		JOIN dim_sensor s ON s.sensor_key = f.sensor_key
		JOIN dim_location l ON l.location_key = f.location_key
		WHERE t.ts >= $1 AND t.ts < $2
	`
	start := aggregation.HourStart(hour)
	rows, err := s.db.QueryContext(ctx, query, start, start.Add(time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to query facts for hour %s: %w", start.Format(time.RFC3339), classify(err))
	}
	defer rows.Close()

	var samples []aggregation.Sample
	for rows.Next() {
		var sm aggregation.Sample
		if err := rows.Scan(
			&sm.SensorKey,
			&sm.LocationKey,
			&sm.SensorID,
			&sm.City,
			&sm.Timestamp,
			&sm.Temperature,
			&sm.Humidity,
			&sm.Pressure,
			&sm.WindSpeed,
			&sm.Rainfall,
			&sm.IsAnomaly,
		); err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		samples = append(samples, sm)
	}
	return samples, classify(rows.Err())
}

// UpsertHourly stores an hourly aggregate, replacing a previous computation
// of the same bucket.
func (s *Store) UpsertHourly(ctx context.Context, h aggregation.Hourly) error {
	query := `
		INSERT INTO agg_hourly_reading (
			sensor_key, location_key, hour_start, readings_count, anomaly_count,
			avg_temperature, min_temperature, max_temperature, std_temperature,
			avg_humidity, min_humidity, max_humidity, std_humidity,
			avg_pressure, min_pressure, max_pressure, std_pressure,
			avg_wind_speed, total_rainfall, computed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (sensor_key, location_key, hour_start) DO UPDATE
		SET readings_count = EXCLUDED.readings_count,
		    anomaly_count = EXCLUDED.anomaly_count,
		    avg_temperature = EXCLUDED.avg_temperature,
		    min_temperature = EXCLUDED.min_temperature,
		    max_temperature = EXCLUDED.max_temperature,
		    std_temperature = EXCLUDED.std_temperature,
		    avg_humidity = EXCLUDED.avg_humidity,
		    min_humidity = EXCLUDED.min_humidity,
		    max_humidity = EXCLUDED.max_humidity,
		    std_humidity = EXCLUDED.std_humidity,
		    avg_pressure = EXCLUDED.avg_pressure,
		    min_pressure = EXCLUDED.min_pressure,
		    max_pressure = EXCLUDED.max_pressure,
		    std_pressure = EXCLUDED.std_pressure,
		    avg_wind_speed = EXCLUDED.avg_wind_speed,
		    total_rainfall = EXCLUDED.total_rainfall,
		    computed_at = EXCLUDED.computed_at
	`
	_, err := s.db.ExecContext(ctx, query,
		h.SensorKey, h.LocationKey, h.HourStart.UTC(), h.Count, h.AnomalyCount,
		h.Temperature.Mean, h.Temperature.Min, h.Temperature.Max, h.Temperature.StdDev,
		h.Humidity.Mean, h.Humidity.Min, h.Humidity.Max, h.Humidity.StdDev,
		h.Pressure.Mean, h.Pressure.Min, h.Pressure.Max, h.Pressure.StdDev,
		h.WindSpeedMean, h.RainfallTotal, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert hourly aggregate sensor=%s hour=%s: %w",
			h.SensorID, h.HourStart.Format(time.RFC3339), classify(err))
	}
	return nil
}

// ListHourly returns the stored hourly aggregates with hour_start in [from, to),
// ordered by hour then sensor.
func (s *Store) ListHourly(ctx context.Context, from, to time.Time) ([]aggregation.Hourly, error) {
	query := `
		SELECT a.sensor_key, a.location_key, s.sensor_id, l.city_name, a.hour_start,
		       a.readings_count, a.anomaly_count,
		       a.avg_temperature, a.min_temperature, a.max_temperature, a.std_temperature,
		       a.avg_humidity, a.min_humidity, a.max_humidity, a.std_humidity,
		       a.avg_pressure, a.min_pressure, a.max_pressure, a.std_pressure,
		       a.avg_wind_speed, a.total_rainfall
		FROM agg_hourly_reading a
		JOIN dim_sensor s ON s.sensor_key = a.sensor_key
		JOIN dim_location l ON l.location_key = a.location_key
		WHERE a.hour_start >= $1 AND a.hour_start < $2
		ORDER BY a.hour_start, s.sensor_id, a.location_key
	`
	rows, err := s.db.QueryContext(ctx, query, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly aggregates: %w", classify(err))
	}
	defer rows.Close()

	var out []aggregation.Hourly
	for rows.Next() {
		var h aggregation.Hourly
		if err := rows.Scan(
			&h.SensorKey, &h.LocationKey, &h.SensorID, &h.City, &h.HourStart,
			&h.Count, &h.AnomalyCount,
			&h.Temperature.Mean, &h.Temperature.Min, &h.Temperature.Max, &h.Temperature.StdDev,
			&h.Humidity.Mean, &h.Humidity.Min, &h.Humidity.Max, &h.Humidity.StdDev,
			&h.Pressure.Mean, &h.Pressure.Min, &h.Pressure.Max, &h.Pressure.StdDev,
			&h.WindSpeedMean, &h.RainfallTotal,
		); err != nil {
			return nil, fmt.Errorf("failed to scan hourly aggregate: %w", err)
		}
		h.HourStart = h.HourStart.UTC()
		out = append(out, h)
	}
	return out, classify(rows.Err())
}
