package aggregation

import (
	"bytes"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hour = time.Date(2025, 10, 18, 10, 0, 0, 0, time.UTC)

func sample(sensorKey int64, offset time.Duration, temp float64) Sample {
	return Sample{
		SensorKey:   sensorKey,
		LocationKey: 1,
		SensorID:    "S" + string(rune('0'+sensorKey)),
		City:        "Cairo",
		Timestamp:   hour.Add(offset),
		Temperature: temp,
		Humidity:    50,
		Pressure:    1010,
		WindSpeed:   2,
		Rainfall:    0.5,
	}
}

func TestComputeHourly_Statistics(t *testing.T) {
	samples := []Sample{
		sample(1, 5*time.Minute, 18),
		sample(1, 10*time.Minute, 20),
		sample(1, 15*time.Minute, 22),
	}
	samples[2].IsAnomaly = true

	got, err := ComputeHourly(samples)
	require.NoError(t, err)
	require.Len(t, got, 1)

	h := got[0]
	assert.Equal(t, hour, h.HourStart)
	assert.Equal(t, 3, h.Count)
	assert.Equal(t, 1, h.AnomalyCount)
	assert.Equal(t, 20.0, h.Temperature.Mean)
	assert.Equal(t, 18.0, h.Temperature.Min)
	assert.Equal(t, 22.0, h.Temperature.Max)
	assert.InDelta(t, 2.0, h.Temperature.StdDev, 1e-9)
	assert.Equal(t, 0.0, h.Humidity.StdDev)
	assert.InDelta(t, 1.5, h.RainfallTotal, 1e-9)
	assert.Equal(t, 2.0, h.WindSpeedMean)
}

func TestComputeHourly_BucketsBySensorAndHour(t *testing.T) {
	samples := []Sample{
		sample(2, 5*time.Minute, 10),
		sample(1, 65*time.Minute, 12),
		sample(1, 5*time.Minute, 11),
		sample(1, 59*time.Minute, 13),
	}

	got, err := ComputeHourly(samples)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, int64(1), got[0].SensorKey)
	assert.Equal(t, 2, got[0].Count)
	assert.Equal(t, int64(2), got[1].SensorKey)
	assert.Equal(t, hour.Add(time.Hour), got[2].HourStart)
	assert.Equal(t, 0.0, got[2].Temperature.StdDev, "single sample has no spread")
}

func TestComputeHourly_SkipsBrokenBucket(t *testing.T) {
	samples := []Sample{
		sample(1, 5*time.Minute, 20),
		sample(2, 5*time.Minute, math.NaN()),
	}

	got, err := ComputeHourly(samples)
	assert.Error(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].SensorKey)
}

func TestHours(t *testing.T) {
	eet := time.FixedZone("EET", 2*3600)
	got := Hours([]time.Time{
		hour.Add(70 * time.Minute),
		hour.Add(5 * time.Minute).In(eet),
		hour.Add(55 * time.Minute),
	})

	assert.Equal(t, []time.Time{hour, hour.Add(time.Hour)}, got)
}

func TestWriteCSV(t *testing.T) {
	rows, err := ComputeHourly([]Sample{sample(1, time.Minute, 18), sample(1, 2*time.Minute, 22)})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, rows))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, "S1", records[1][0])
	assert.Equal(t, "2025-10-18T10:00:00Z", records[1][2])
	assert.Equal(t, "2", records[1][3])
	assert.Equal(t, "20.0000", records[1][5])
}

func TestExporter_WritesBothFormats(t *testing.T) {
	dir := t.TempDir()
	e := &Exporter{
		CSVPath:     filepath.Join(dir, "nested", "hourly.csv"),
		ParquetPath: filepath.Join(dir, "hourly.parquet"),
	}
	rows, err := ComputeHourly([]Sample{sample(1, time.Minute, 18)})
	require.NoError(t, err)

	require.NoError(t, e.Export(rows))

	content, err := os.ReadFile(e.CSVPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "sensor_id,city,hour_start")

	pq, err := os.ReadFile(e.ParquetPath)
	require.NoError(t, err)
	require.Greater(t, len(pq), 8)
	assert.Equal(t, "PAR1", string(pq[:4]))
	assert.Equal(t, "PAR1", string(pq[len(pq)-4:]))
}

func TestParquetColumnsMatchCSV(t *testing.T) {
	typ := reflect.TypeOf(parquetRow{})
	var columns []string
	for i := 0; i < typ.NumField(); i++ {
		for _, part := range strings.Split(typ.Field(i).Tag.Get("parquet"), ",") {
			if name, ok := strings.CutPrefix(part, "name="); ok {
				columns = append(columns, name)
			}
		}
	}

	assert.Equal(t, csvHeader, columns)
}
