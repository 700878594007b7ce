package reading

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Reason classifies why a raw record was rejected.
type Reason string

const (
	MalformedRecord    Reason = "MalformedRecord"
	MalformedTimestamp Reason = "MalformedTimestamp"
	FutureTimestamp    Reason = "FutureTimestamp"
	OutOfRangeValue    Reason = "OutOfRangeValue"
	MissingField       Reason = "MissingField"
)

// Reasons lists every rejection reason in a stable order.
var Reasons = []Reason{MalformedRecord, MalformedTimestamp, FutureTimestamp, OutOfRangeValue, MissingField}

// Rejection is returned by Validate for records that must not be loaded.
type Rejection struct {
	Reason Reason
	Field  string
	Detail string
}

func (r *Rejection) Error() string {
	if r.Field == "" {
		return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", r.Reason, r.Field, r.Detail)
}

// Range is a closed interval of physically plausible values.
type Range struct {
	Min float64
	Max float64
}

func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Ranges are the accepted value ranges for the measured fields.
type Ranges struct {
	Temperature Range
	Humidity    Range
	Pressure    Range
	WindSpeed   Range
	Rainfall    Range
}

// DefaultRanges are the documented sensor ranges (°C, %, hPa, m/s, mm).
var DefaultRanges = Ranges{
	Temperature: Range{Min: -50, Max: 60},
	Humidity:    Range{Min: 0, Max: 100},
	Pressure:    Range{Min: 900, Max: 1100},
	WindSpeed:   Range{Min: 0, Max: 150},
	Rainfall:    Range{Min: 0, Max: 500},
}

const (
	defaultSensorType    = "weather_station"
	defaultWindDirection = "N"
	defaultUnit          = "C/%/hPa"
	defaultStatus        = "OK"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Validator normalizes raw records and applies the range checks.
type Validator struct {
	Ranges    Ranges
	ClockSkew time.Duration
	Now       func() time.Time
}

// NewValidator creates a validator with the default ranges.
func NewValidator(clockSkew time.Duration) *Validator {
	return &Validator{
		Ranges:    DefaultRanges,
		ClockSkew: clockSkew,
		Now:       time.Now,
	}
}

// Validate returns the validated reading, or a *Rejection describing why the
// whole record was dropped. Values are never clamped.
func (v *Validator) Validate(raw Raw) (Reading, error) {
	if raw.DecodeErr != nil {
		return Reading{}, &Rejection{Reason: MalformedRecord, Detail: raw.DecodeErr.Error()}
	}

	sensorID := strings.TrimSpace(raw.SensorID)
	if sensorID == "" {
		return Reading{}, &Rejection{Reason: MissingField, Field: "sensor_id", Detail: "empty"}
	}

	ts, rej := v.parseTimestamp(raw.Timestamp)
	if rej != nil {
		return Reading{}, rej
	}

	temperature, rej := required("temperature", raw.Temperature, v.Ranges.Temperature)
	if rej != nil {
		return Reading{}, rej
	}
	humidity, rej := required("humidity", raw.Humidity, v.Ranges.Humidity)
	if rej != nil {
		return Reading{}, rej
	}
	pressure, rej := required("pressure", raw.Pressure, v.Ranges.Pressure)
	if rej != nil {
		return Reading{}, rej
	}
	windSpeed, rej := optional("wind_speed", raw.WindSpeed, v.Ranges.WindSpeed)
	if rej != nil {
		return Reading{}, rej
	}
	rainfall, rej := optional("rainfall", raw.Rainfall, v.Ranges.Rainfall)
	if rej != nil {
		return Reading{}, rej
	}
	if rej := coordinate("lat", raw.Lat, 90); rej != nil {
		return Reading{}, rej
	}
	if rej := coordinate("lon", raw.Lon, 180); rej != nil {
		return Reading{}, rej
	}

	return Reading{
		Source:    raw.Source,
		Timestamp: ts,
		Sensor: Sensor{
			ID:              sensorID,
			Type:            orDefault(raw.SensorType, defaultSensorType),
			Model:           strings.TrimSpace(raw.SensorModel),
			Manufacturer:    strings.TrimSpace(raw.Manufacturer),
			FirmwareVersion: strings.TrimSpace(raw.FirmwareVersion),
		},
		Location: Location{
			City:     strings.TrimSpace(raw.City),
			Region:   strings.TrimSpace(raw.Region),
			Country:  strings.TrimSpace(raw.Country),
			Lat:      finiteOrNil(raw.Lat),
			Lon:      finiteOrNil(raw.Lon),
			Altitude: finiteOrNil(raw.Altitude),
		},
		Status:         strings.ToUpper(orDefault(raw.Status, defaultStatus)),
		Temperature:    temperature,
		Humidity:       humidity,
		Pressure:       pressure,
		WindSpeed:      windSpeed,
		WindDirection:  orDefault(raw.WindDirection, defaultWindDirection),
		Rainfall:       rainfall,
		Unit:           orDefault(raw.Unit, defaultUnit),
		SignalStrength: finiteOrNil(raw.SignalStrength),
		ReadingQuality: finiteOrNil(raw.ReadingQuality),
	}, nil
}

func (v *Validator) parseTimestamp(value string) (time.Time, *Rejection) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, &Rejection{Reason: MissingField, Field: "timestamp", Detail: "empty"}
	}

	var (
		ts  time.Time
		err error
	)
	for _, layout := range timestampLayouts {
		if ts, err = time.Parse(layout, value); err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, &Rejection{Reason: MalformedTimestamp, Field: "timestamp", Detail: value}
	}

	now := v.Now
	if now == nil {
		now = time.Now
	}
	if ts.After(now().Add(v.ClockSkew)) {
		return time.Time{}, &Rejection{Reason: FutureTimestamp, Field: "timestamp", Detail: value}
	}
	// The warehouse keeps microseconds; dedup keys must match what it returns.
	return ts.UTC().Truncate(time.Microsecond), nil
}

func required(field string, value *float64, r Range) (float64, *Rejection) {
	if value == nil {
		return 0, &Rejection{Reason: MissingField, Field: field, Detail: "missing"}
	}
	return checkRange(field, *value, r)
}

// optional treats a missing value as zero, matching how the generator omits calm wind and dry hours.
func optional(field string, value *float64, r Range) (float64, *Rejection) {
	if value == nil {
		return 0, nil
	}
	return checkRange(field, *value, r)
}

func checkRange(field string, v float64, r Range) (float64, *Rejection) {
	if math.IsNaN(v) || math.IsInf(v, 0) || !r.Contains(v) {
		return 0, &Rejection{
			Reason: OutOfRangeValue,
			Field:  field,
			Detail: fmt.Sprintf("%g outside [%g, %g]", v, r.Min, r.Max),
		}
	}
	return v, nil
}

func coordinate(field string, value *float64, limit float64) *Rejection {
	if value == nil {
		return nil
	}
	_, rej := checkRange(field, *value, Range{Min: -limit, Max: limit})
	return rej
}

func finiteOrNil(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return floatPtr(*v)
}

func orDefault(value, def string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return def
}
