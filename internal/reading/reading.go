// Package reading holds the sensor reading types that flow through the ETL
// cycle, the record validator and the dedup helpers.
package reading

import (
	"time"
)

// Source identifies which feed a raw record came from.
type Source string

const (
	SourceJSONL Source = "jsonl"
	SourceCSV   Source = "csv"
	SourceKafka Source = "kafka"
)

// Raw is one record as decoded by a source adapter, before any validation.
// Optional numeric fields are nil when the source did not carry them.
type Raw struct {
	Source Source
	// Position is a source-specific locator (line number or partition/offset) used in logs.
	Position string

	Timestamp       string
	SensorID        string
	SensorType      string
	SensorModel     string
	Manufacturer    string
	FirmwareVersion string
	Status          string
	IsSimulated     bool
	Seq             int64

	Temperature   *float64
	Humidity      *float64
	Pressure      *float64
	WindSpeed     *float64
	WindDirection string
	Rainfall      *float64
	Unit          string

	City     string
	Region   string
	Country  string
	Lat      *float64
	Lon      *float64
	Altitude *float64

	SignalStrength *float64
	ReadingQuality *float64

	// DecodeErr is set when the adapter could not decode the record at all.
	DecodeErr error
}

// Sensor carries the sensor dimension attributes of a reading.
type Sensor struct {
	ID              string
	Type            string
	Model           string
	Manufacturer    string
	FirmwareVersion string
}

// Location carries the location dimension attributes of a reading.
type Location struct {
	City     string
	Region   string
	Country  string
	Lat      *float64
	Lon      *float64
	Altitude *float64
}

// Reading is a validated reading.
type Reading struct {
	Source    Source
	Timestamp time.Time
	Sensor    Sensor
	Location  Location
	Status    string

	Temperature   float64
	Humidity      float64
	Pressure      float64
	WindSpeed     float64
	WindDirection string
	Rainfall      float64
	Unit          string

	SignalStrength *float64
	ReadingQuality *float64
}

// Key is the dedup key of a reading: sensor identity plus the exact instant.
type Key struct {
	SensorID string
	UnixNano int64
}

// NewKey builds the dedup key for a sensor at t.
func NewKey(sensorID string, t time.Time) Key {
	return Key{SensorID: sensorID, UnixNano: t.UnixNano()}
}

// Key returns the reading's dedup key.
func (r Reading) Key() Key {
	return NewKey(r.Sensor.ID, r.Timestamp)
}

// HourStart truncates the reading timestamp to its UTC hour bucket.
func (r Reading) HourStart() time.Time {
	return r.Timestamp.UTC().Truncate(time.Hour)
}

func floatPtr(v float64) *float64 {
	return &v
}
