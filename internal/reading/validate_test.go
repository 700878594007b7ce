package reading

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 10, 18, 12, 0, 0, 0, time.UTC)

func newTestValidator() *Validator {
	v := NewValidator(5 * time.Minute)
	v.Now = func() time.Time { return testNow }
	return v
}

func f(v float64) *float64 { return &v }

func validRaw() Raw {
	return Raw{
		Source:      SourceJSONL,
		Timestamp:   "2025-10-18T13:30:00+02:00",
		SensorID:    "S1",
		SensorType:  "weather_station",
		Temperature: f(21.5),
		Humidity:    f(55),
		Pressure:    f(1012),
		WindSpeed:   f(3.2),
		Rainfall:    f(0),
		City:        "Cairo",
		Country:     "Egypt",
		Lat:         f(30.0444),
		Lon:         f(31.2357),
		Status:      "ok",
	}
}

func rejectionOf(t *testing.T, err error) *Rejection {
	t.Helper()
	var rej *Rejection
	require.True(t, errors.As(err, &rej), "expected *Rejection, got %v", err)
	return rej
}

func TestValidate_Accepts(t *testing.T) {
	r, err := newTestValidator().Validate(validRaw())
	require.NoError(t, err)

	assert.Equal(t, "S1", r.Sensor.ID)
	assert.True(t, r.Timestamp.Equal(time.Date(2025, 10, 18, 11, 30, 0, 0, time.UTC)))
	assert.Equal(t, 21.5, r.Temperature)
	assert.Equal(t, "OK", r.Status)
	assert.Equal(t, "N", r.WindDirection)
	assert.Equal(t, "Cairo", r.Location.City)
}

func TestValidate_RejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*Raw)
		field string
	}{
		{"hot", func(r *Raw) { r.Temperature = f(200) }, "temperature"},
		{"cold", func(r *Raw) { r.Temperature = f(-50.1) }, "temperature"},
		{"humidity", func(r *Raw) { r.Humidity = f(101) }, "humidity"},
		{"pressure", func(r *Raw) { r.Pressure = f(899.9) }, "pressure"},
		{"nan", func(r *Raw) { r.Pressure = f(math.NaN()) }, "pressure"},
		{"wind", func(r *Raw) { r.WindSpeed = f(-1) }, "wind_speed"},
		{"lat", func(r *Raw) { r.Lat = f(91) }, "lat"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validRaw()
			tt.mut(&raw)
			_, err := newTestValidator().Validate(raw)
			rej := rejectionOf(t, err)
			assert.Equal(t, OutOfRangeValue, rej.Reason)
			assert.Equal(t, tt.field, rej.Field)
		})
	}
}

func TestValidate_RangeBoundsInclusive(t *testing.T) {
	raw := validRaw()
	raw.Temperature = f(60)
	raw.Humidity = f(0)
	raw.Pressure = f(1100)

	_, err := newTestValidator().Validate(raw)
	assert.NoError(t, err)
}

func TestValidate_MissingFields(t *testing.T) {
	raw := validRaw()
	raw.Humidity = nil
	_, err := newTestValidator().Validate(raw)
	assert.Equal(t, MissingField, rejectionOf(t, err).Reason)

	raw = validRaw()
	raw.SensorID = "  "
	_, err = newTestValidator().Validate(raw)
	assert.Equal(t, MissingField, rejectionOf(t, err).Reason)

	raw = validRaw()
	raw.Timestamp = ""
	_, err = newTestValidator().Validate(raw)
	assert.Equal(t, MissingField, rejectionOf(t, err).Reason)
}

func TestValidate_OptionalFieldsDefault(t *testing.T) {
	raw := validRaw()
	raw.WindSpeed = nil
	raw.Rainfall = nil
	raw.SensorType = ""

	r, err := newTestValidator().Validate(raw)
	require.NoError(t, err)
	assert.Zero(t, r.WindSpeed)
	assert.Zero(t, r.Rainfall)
	assert.Equal(t, "weather_station", r.Sensor.Type)
}

func TestValidate_Timestamps(t *testing.T) {
	v := newTestValidator()

	raw := validRaw()
	raw.Timestamp = "yesterday"
	_, err := v.Validate(raw)
	assert.Equal(t, MalformedTimestamp, rejectionOf(t, err).Reason)

	raw.Timestamp = testNow.Add(4 * time.Minute).Format(time.RFC3339)
	_, err = v.Validate(raw)
	assert.NoError(t, err, "within clock skew")

	raw.Timestamp = testNow.Add(10 * time.Minute).Format(time.RFC3339)
	_, err = v.Validate(raw)
	assert.Equal(t, FutureTimestamp, rejectionOf(t, err).Reason)

	raw.Timestamp = "2025-10-18T10:00:00.123456"
	r, err := v.Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, r.Timestamp.Location())

	raw.Timestamp = "2025-10-18T10:00:00.123456789Z"
	r, err = v.Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, 123456000, r.Timestamp.Nanosecond(), "truncated to microseconds")
}

func TestValidate_DecodeError(t *testing.T) {
	_, err := newTestValidator().Validate(Raw{DecodeErr: errors.New("bad json")})
	assert.Equal(t, MalformedRecord, rejectionOf(t, err).Reason)
}
