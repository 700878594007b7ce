// Package protocol defines the wire formats shared by the sensor feeds and
// the ETL: the sensor event found in JSONL files, CSV files and on the raw
// readings topic, and the anomaly event published after each load.
package protocol

import (
	"encoding/json"
	"strconv"

	"github.com/smukkama/weather-warehouse/internal/reading"
)

// SensorEvent is one reading as emitted by a field sensor.
type SensorEvent struct {
	Timestamp       string        `json:"timestamp"`
	SensorID        string        `json:"sensor_id"`
	SensorType      string        `json:"sensor_type"`
	Value           EventValue    `json:"value"`
	Unit            string        `json:"unit"`
	Metadata        EventMetadata `json:"metadata"`
	Status          string        `json:"status"`
	IsSimulated     bool          `json:"is_simulated"`
	Seq             int64         `json:"seq"`
	FirmwareVersion string        `json:"firmware_version"`
	SensorModel     string        `json:"sensor_model"`
	Manufacturer    string        `json:"manufacturer"`
	SignalStrength  *float64      `json:"signal_strength,omitempty"`
	ReadingQuality  *float64      `json:"reading_quality,omitempty"`
	EventType       string        `json:"event_type,omitempty"`
}

// EventValue holds the measurements. Absent measurements decode to nil.
type EventValue struct {
	Temperature   *float64 `json:"temperature"`
	Humidity      *float64 `json:"humidity"`
	Pressure      *float64 `json:"pressure"`
	WindSpeed     *float64 `json:"wind_speed"`
	WindDirection string   `json:"wind_direction"`
	Rainfall      *float64 `json:"rainfall"`
}

// EventMetadata describes where the sensor is installed.
type EventMetadata struct {
	City     string   `json:"city"`
	Region   string   `json:"region"`
	Country  string   `json:"country"`
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
	Altitude *float64 `json:"altitude"`
}

// CSVHeader is the column layout of the flattened CSV feed.
var CSVHeader = []string{
	"timestamp", "sensor_id", "sensor_type", "status", "seq", "is_simulated",
	"firmware_version", "sensor_model", "manufacturer", "signal_strength", "reading_quality", "event_type",
	"temperature", "humidity", "pressure", "wind_speed", "wind_direction", "rainfall", "unit",
	"city", "region", "country", "lat", "lon", "altitude",
}

// EncodeSensorEvent encodes a SensorEvent to JSON
func EncodeSensorEvent(e *SensorEvent) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeSensorEvent decodes JSON to SensorEvent
func DecodeSensorEvent(data []byte) (*SensorEvent, error) {
	var e SensorEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Raw converts the event into an unvalidated reading.
func (e *SensorEvent) Raw(src reading.Source, position string) reading.Raw {
	return reading.Raw{
		Source:          src,
		Position:        position,
		Timestamp:       e.Timestamp,
		SensorID:        e.SensorID,
		SensorType:      e.SensorType,
		SensorModel:     e.SensorModel,
		Manufacturer:    e.Manufacturer,
		FirmwareVersion: e.FirmwareVersion,
		Status:          e.Status,
		IsSimulated:     e.IsSimulated,
		Seq:             e.Seq,
		Temperature:     e.Value.Temperature,
		Humidity:        e.Value.Humidity,
		Pressure:        e.Value.Pressure,
		WindSpeed:       e.Value.WindSpeed,
		WindDirection:   e.Value.WindDirection,
		Rainfall:        e.Value.Rainfall,
		Unit:            e.Unit,
		City:            e.Metadata.City,
		Region:          e.Metadata.Region,
		Country:         e.Metadata.Country,
		Lat:             e.Metadata.Lat,
		Lon:             e.Metadata.Lon,
		Altitude:        e.Metadata.Altitude,
		SignalStrength:  e.SignalStrength,
		ReadingQuality:  e.ReadingQuality,
	}
}

// CSVRecord flattens the event into a row matching CSVHeader.
func (e *SensorEvent) CSVRecord() []string {
	return []string{
		e.Timestamp, e.SensorID, e.SensorType, e.Status,
		strconv.FormatInt(e.Seq, 10), strconv.FormatBool(e.IsSimulated),
		e.FirmwareVersion, e.SensorModel, e.Manufacturer,
		formatOptional(e.SignalStrength), formatOptional(e.ReadingQuality), e.EventType,
		formatOptional(e.Value.Temperature), formatOptional(e.Value.Humidity), formatOptional(e.Value.Pressure),
		formatOptional(e.Value.WindSpeed), e.Value.WindDirection, formatOptional(e.Value.Rainfall), e.Unit,
		e.Metadata.City, e.Metadata.Region, e.Metadata.Country,
		formatOptional(e.Metadata.Lat), formatOptional(e.Metadata.Lon), formatOptional(e.Metadata.Altitude),
	}
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
