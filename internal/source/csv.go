package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/smukkama/weather-warehouse/internal/checkpoint"
	"github.com/smukkama/weather-warehouse/internal/reading"
)

// CSV reads the flattened sensor feed. Columns are matched by the header
// row, so their order does not matter; blank cells are treated as missing.
type CSV struct {
	tail *tail
}

// NewCSV creates a CSV file source tracked under checkpoint name "csv".
func NewCSV(path string, store checkpoint.Store) *CSV {
	return &CSV{tail: newTail(string(reading.SourceCSV), path, store)}
}

func (s *CSV) Name() string { return s.tail.name }

func (s *CSV) Extract(ctx context.Context) ([]reading.Raw, error) {
	lines, err := s.tail.read(ctx)
	if err != nil || len(lines) == 0 {
		return nil, err
	}

	header, headerLen, err := s.readHeader()
	if err != nil {
		return nil, err
	}

	out := make([]reading.Raw, 0, len(lines))
	for _, l := range lines {
		if l.offset < headerLen {
			continue
		}
		out = append(out, decodeCSVLine(l.text, header, s.tail.position(l)))
	}
	return out, nil
}

func (s *CSV) Commit(ctx context.Context) error {
	return s.tail.commit(ctx)
}

// readHeader returns the column index by name and the byte length of the header line.
func (s *CSV) readHeader() (map[string]int, int64, error) {
	f, err := os.Open(s.tail.path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %s: %w", s.tail.path, err)
	}
	defer f.Close()

	first, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header of %s: %w", s.tail.path, err)
	}

	names, err := csv.NewReader(bytes.NewReader(first)).Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse header of %s: %w", s.tail.path, err)
	}

	header := make(map[string]int, len(names))
	for i, name := range names {
		header[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	if _, ok := header["sensor_id"]; !ok {
		return nil, 0, fmt.Errorf("header of %s has no sensor_id column", s.tail.path)
	}
	return header, int64(len(first)), nil
}

func decodeCSVLine(text []byte, header map[string]int, pos string) reading.Raw {
	raw := reading.Raw{Source: reading.SourceCSV, Position: pos}

	r := csv.NewReader(bytes.NewReader(text))
	r.FieldsPerRecord = -1
	record, err := r.Read()
	if err != nil {
		raw.DecodeErr = fmt.Errorf("failed to parse csv line: %w", err)
		return raw
	}
	if len(record) != len(header) {
		raw.DecodeErr = fmt.Errorf("expected %d columns, got %d", len(header), len(record))
		return raw
	}

	get := func(name string) string {
		if i, ok := header[name]; ok {
			return strings.TrimSpace(record[i])
		}
		return ""
	}

	var errs error
	num := func(name string) *float64 {
		v := get(name)
		if v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("column %s: %q is not a number", name, v))
			return nil
		}
		return &f
	}

	raw.Timestamp = get("timestamp")
	raw.SensorID = get("sensor_id")
	raw.SensorType = get("sensor_type")
	raw.SensorModel = get("sensor_model")
	raw.Manufacturer = get("manufacturer")
	raw.FirmwareVersion = get("firmware_version")
	raw.Status = get("status")
	raw.IsSimulated, _ = strconv.ParseBool(get("is_simulated"))
	raw.Seq, _ = strconv.ParseInt(get("seq"), 10, 64)
	raw.Temperature = num("temperature")
	raw.Humidity = num("humidity")
	raw.Pressure = num("pressure")
	raw.WindSpeed = num("wind_speed")
	raw.WindDirection = get("wind_direction")
	raw.Rainfall = num("rainfall")
	raw.Unit = get("unit")
	raw.City = get("city")
	raw.Region = get("region")
	raw.Country = get("country")
	raw.Lat = num("lat")
	raw.Lon = num("lon")
	raw.Altitude = num("altitude")
	raw.SignalStrength = num("signal_strength")
	raw.ReadingQuality = num("reading_quality")

	raw.DecodeErr = errs
	return raw
}
