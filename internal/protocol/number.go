package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// lenientFloat decodes a JSON number, or a string holding one, into an
// optional float, the same way the CSV feed parses its columns. null and
// empty strings decode to nil.
type lenientFloat struct {
	v *float64
}

func (f *lenientFloat) UnmarshalJSON(data []byte) error {
	f.v = nil
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("%q is not a number", s)
		}
		f.v = &v
		return nil
	default:
		var v float64
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("expected a number, got %s", data)
		}
		f.v = &v
		return nil
	}
}

// UnmarshalJSON accepts measurements sent as numbers or numeric strings.
func (v *EventValue) UnmarshalJSON(data []byte) error {
	type plain EventValue
	aux := struct {
		*plain
		Temperature lenientFloat `json:"temperature"`
		Humidity    lenientFloat `json:"humidity"`
		Pressure    lenientFloat `json:"pressure"`
		WindSpeed   lenientFloat `json:"wind_speed"`
		Rainfall    lenientFloat `json:"rainfall"`
	}{plain: (*plain)(v)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	v.Temperature = aux.Temperature.v
	v.Humidity = aux.Humidity.v
	v.Pressure = aux.Pressure.v
	v.WindSpeed = aux.WindSpeed.v
	v.Rainfall = aux.Rainfall.v
	return nil
}

// UnmarshalJSON accepts coordinates sent as numbers or numeric strings.
func (m *EventMetadata) UnmarshalJSON(data []byte) error {
	type plain EventMetadata
	aux := struct {
		*plain
		Lat      lenientFloat `json:"lat"`
		Lon      lenientFloat `json:"lon"`
		Altitude lenientFloat `json:"altitude"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Lat = aux.Lat.v
	m.Lon = aux.Lon.v
	m.Altitude = aux.Altitude.v
	return nil
}

// UnmarshalJSON accepts signal strength and reading quality sent as numbers
// or numeric strings.
func (e *SensorEvent) UnmarshalJSON(data []byte) error {
	type plain SensorEvent
	aux := struct {
		*plain
		SignalStrength lenientFloat `json:"signal_strength"`
		ReadingQuality lenientFloat `json:"reading_quality"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.SignalStrength = aux.SignalStrength.v
	e.ReadingQuality = aux.ReadingQuality.v
	return nil
}
