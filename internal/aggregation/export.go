package aggregation

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// csvHeader names the flat export columns. parquetRow carries the same
// columns in the same order.
var csvHeader = []string{
	"sensor_id", "city", "hour_start", "readings_count", "anomaly_count",
	"avg_temperature", "min_temperature", "max_temperature", "std_temperature",
	"avg_humidity", "min_humidity", "max_humidity", "std_humidity",
	"avg_pressure", "min_pressure", "max_pressure", "std_pressure",
	"avg_wind_speed", "total_rainfall",
}

// WriteCSV encodes rows as a flat CSV table with a header row.
func WriteCSV(buf *bytes.Buffer, rows []Hourly) error {
	w := csv.NewWriter(buf)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, h := range rows {
		record := []string{
			h.SensorID,
			h.City,
			h.HourStart.UTC().Format(time.RFC3339),
			strconv.Itoa(h.Count),
			strconv.Itoa(h.AnomalyCount),
		}
		for _, st := range []Stats{h.Temperature, h.Humidity, h.Pressure} {
			record = append(record, formatFloat(st.Mean), formatFloat(st.Min), formatFloat(st.Max), formatFloat(st.StdDev))
		}
		record = append(record, formatFloat(h.WindSpeedMean), formatFloat(h.RainfallTotal))
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

type parquetRow struct {
	SensorID       string  `parquet:"name=sensor_id,type=BYTE_ARRAY,convertedtype=UTF8"`
	City           string  `parquet:"name=city,type=BYTE_ARRAY,convertedtype=UTF8"`
	HourStart      int64   `parquet:"name=hour_start,type=INT64,convertedtype=TIMESTAMP_MILLIS"`
	ReadingsCount  int64   `parquet:"name=readings_count,type=INT64"`
	AnomalyCount   int64   `parquet:"name=anomaly_count,type=INT64"`
	AvgTemperature float64 `parquet:"name=avg_temperature,type=DOUBLE"`
	MinTemperature float64 `parquet:"name=min_temperature,type=DOUBLE"`
	MaxTemperature float64 `parquet:"name=max_temperature,type=DOUBLE"`
	StdTemperature float64 `parquet:"name=std_temperature,type=DOUBLE"`
	AvgHumidity    float64 `parquet:"name=avg_humidity,type=DOUBLE"`
	MinHumidity    float64 `parquet:"name=min_humidity,type=DOUBLE"`
	MaxHumidity    float64 `parquet:"name=max_humidity,type=DOUBLE"`
	StdHumidity    float64 `parquet:"name=std_humidity,type=DOUBLE"`
	AvgPressure    float64 `parquet:"name=avg_pressure,type=DOUBLE"`
	MinPressure    float64 `parquet:"name=min_pressure,type=DOUBLE"`
	MaxPressure    float64 `parquet:"name=max_pressure,type=DOUBLE"`
	StdPressure    float64 `parquet:"name=std_pressure,type=DOUBLE"`
	AvgWindSpeed   float64 `parquet:"name=avg_wind_speed,type=DOUBLE"`
	TotalRainfall  float64 `parquet:"name=total_rainfall,type=DOUBLE"`
}

// WriteParquet encodes rows as a single Snappy-compressed Parquet file.
func WriteParquet(buf *bytes.Buffer, rows []Hourly) (err error) {
	pw, err := writer.NewParquetWriterFromWriter(buf, new(parquetRow), 4)
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, h := range rows {
		row := parquetRow{
			SensorID:       h.SensorID,
			City:           h.City,
			HourStart:      h.HourStart.UnixMilli(),
			ReadingsCount:  int64(h.Count),
			AnomalyCount:   int64(h.AnomalyCount),
			AvgTemperature: h.Temperature.Mean,
			MinTemperature: h.Temperature.Min,
			MaxTemperature: h.Temperature.Max,
			StdTemperature: h.Temperature.StdDev,
			AvgHumidity:    h.Humidity.Mean,
			MinHumidity:    h.Humidity.Min,
			MaxHumidity:    h.Humidity.Max,
			StdHumidity:    h.Humidity.StdDev,
			AvgPressure:    h.Pressure.Mean,
			MinPressure:    h.Pressure.Min,
			MaxPressure:    h.Pressure.Max,
			StdPressure:    h.Pressure.StdDev,
			AvgWindSpeed:   h.WindSpeedMean,
			TotalRainfall:  h.RainfallTotal,
		}
		if err := pw.Write(row); err != nil {
			return fmt.Errorf("failed to write parquet row: %w", err)
		}
	}

	// WriteStop can panic on schema problems inside the library.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parquet writer panicked: %v", r)
		}
	}()
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("failed to finish parquet file: %w", err)
	}
	return nil
}

// Exporter rewrites the flat aggregate exports. Empty paths are skipped.
type Exporter struct {
	CSVPath     string
	ParquetPath string
}

// Export writes rows to every configured target, replacing previous files atomically.
func (e *Exporter) Export(rows []Hourly) error {
	if e.CSVPath != "" {
		var buf bytes.Buffer
		if err := WriteCSV(&buf, rows); err != nil {
			return fmt.Errorf("failed to encode csv export: %w", err)
		}
		if err := replaceFile(e.CSVPath, buf.Bytes()); err != nil {
			return err
		}
	}

	if e.ParquetPath != "" {
		var buf bytes.Buffer
		if err := WriteParquet(&buf, rows); err != nil {
			return err
		}
		if err := replaceFile(e.ParquetPath, buf.Bytes()); err != nil {
			return err
		}
	}

	return nil
}

func replaceFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("failed to write export %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace export %s: %w", path, err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
