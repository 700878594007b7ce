// Package aggregation computes hourly per-sensor statistics from stored
// facts and writes them to flat CSV and Parquet exports.
package aggregation

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Sample is one stored fact as seen by the aggregator.
type Sample struct {
	SensorKey   int64
	LocationKey int64
	SensorID    string
	City        string
	Timestamp   time.Time
	Temperature float64
	Humidity    float64
	Pressure    float64
	WindSpeed   float64
	Rainfall    float64
	IsAnomaly   bool
}

// Stats summarizes one measure within a bucket.
type Stats struct {
	Mean   float64
	Min    float64
	Max    float64
	StdDev float64
}

// Hourly is the aggregate of one (sensor, location, hour) bucket.
type Hourly struct {
	SensorKey     int64
	LocationKey   int64
	SensorID      string
	City          string
	HourStart     time.Time
	Count         int
	AnomalyCount  int
	Temperature   Stats
	Humidity      Stats
	Pressure      Stats
	WindSpeedMean float64
	RainfallTotal float64
}

// BucketKey identifies an hourly bucket.
type BucketKey struct {
	SensorKey   int64
	LocationKey int64
	HourUnix    int64
}

// Key returns the bucket key of h.
func (h Hourly) Key() BucketKey {
	return BucketKey{SensorKey: h.SensorKey, LocationKey: h.LocationKey, HourUnix: h.HourStart.Unix()}
}

// HourStart truncates t to its UTC hour.
func HourStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// ComputeHourly groups samples into (sensor, location, hour) buckets and
// computes their statistics from scratch. Buckets whose statistics are not
// finite are skipped and reported in the returned error; the rest are still
// returned, ordered by hour then sensor.
func ComputeHourly(samples []Sample) ([]Hourly, error) {
	buckets := make(map[BucketKey][]Sample)
	for _, s := range samples {
		key := BucketKey{SensorKey: s.SensorKey, LocationKey: s.LocationKey, HourUnix: HourStart(s.Timestamp).Unix()}
		buckets[key] = append(buckets[key], s)
	}

	var errs error
	out := make([]Hourly, 0, len(buckets))
	for key, bucket := range buckets {
		h, err := computeBucket(key, bucket)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		out = append(out, h)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].HourStart.Equal(out[j].HourStart) {
			return out[i].HourStart.Before(out[j].HourStart)
		}
		if out[i].SensorID != out[j].SensorID {
			return out[i].SensorID < out[j].SensorID
		}
		return out[i].LocationKey < out[j].LocationKey
	})

	return out, errs
}

func computeBucket(key BucketKey, bucket []Sample) (Hourly, error) {
	first := bucket[0]
	h := Hourly{
		SensorKey:   key.SensorKey,
		LocationKey: key.LocationKey,
		SensorID:    first.SensorID,
		City:        first.City,
		HourStart:   time.Unix(key.HourUnix, 0).UTC(),
		Count:       len(bucket),
	}

	temps := make([]float64, len(bucket))
	hums := make([]float64, len(bucket))
	press := make([]float64, len(bucket))
	var wind float64
	for i, s := range bucket {
		temps[i] = s.Temperature
		hums[i] = s.Humidity
		press[i] = s.Pressure
		wind += s.WindSpeed
		h.RainfallTotal += s.Rainfall
		if s.IsAnomaly {
			h.AnomalyCount++
		}
	}
	h.WindSpeedMean = wind / float64(len(bucket))
	h.Temperature = summarize(temps)
	h.Humidity = summarize(hums)
	h.Pressure = summarize(press)

	for _, v := range []float64{
		h.Temperature.Mean, h.Temperature.StdDev,
		h.Humidity.Mean, h.Humidity.StdDev,
		h.Pressure.Mean, h.Pressure.StdDev,
		h.WindSpeedMean, h.RainfallTotal,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Hourly{}, fmt.Errorf("bucket sensor=%s city=%s hour=%s has non-finite statistics",
				h.SensorID, h.City, h.HourStart.Format(time.RFC3339))
		}
	}

	return h, nil
}

// summarize returns mean, min, max and the sample standard deviation
// (zero for fewer than two values).
func summarize(values []float64) Stats {
	st := Stats{Min: values[0], Max: values[0]}
	var sum float64
	for _, v := range values {
		sum += v
		if v < st.Min {
			st.Min = v
		}
		if v > st.Max {
			st.Max = v
		}
	}
	st.Mean = sum / float64(len(values))

	if len(values) > 1 {
		var sq float64
		for _, v := range values {
			d := v - st.Mean
			sq += d * d
		}
		st.StdDev = math.Sqrt(sq / float64(len(values)-1))
	}
	return st
}

// Hours returns the distinct UTC hour buckets touched by the given instants, ascending.
func Hours(instants []time.Time) []time.Time {
	seen := make(map[int64]struct{})
	var out []time.Time
	for _, t := range instants {
		h := HourStart(t)
		if _, ok := seen[h.Unix()]; ok {
			continue
		}
		seen[h.Unix()] = struct{}{}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
