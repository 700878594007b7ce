package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/smukkama/weather-warehouse/internal/reading"
)

// Querier is the subset of *sql.DB and *sql.Tx the dimension lookups need.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Resolver maps dimension natural keys to surrogate keys, creating rows on
// first sight. Resolved keys are cached in process, but only once the
// transaction that produced them has committed, so a rolled back insert
// never leaks a dangling key into later cycles.
type Resolver struct {
	mu        sync.RWMutex
	times     map[int64]int64
	sensors   map[string]int64
	locations map[string]int64
	statuses  map[string]int64
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		times:     make(map[int64]int64),
		sensors:   make(map[string]int64),
		locations: make(map[string]int64),
		statuses:  make(map[string]int64),
	}
}

// Session scopes lookups to one transaction. It is not safe for concurrent use.
type Session struct {
	r         *Resolver
	q         Querier
	times     map[int64]int64
	sensors   map[string]int64
	locations map[string]int64
	statuses  map[string]int64
}

// Session starts a lookup session bound to q.
func (r *Resolver) Session(q Querier) *Session {
	return &Session{
		r:         r,
		q:         q,
		times:     make(map[int64]int64),
		sensors:   make(map[string]int64),
		locations: make(map[string]int64),
		statuses:  make(map[string]int64),
	}
}

// Commit publishes the keys resolved in this session to the shared cache.
// Call it only after the session's transaction committed.
func (s *Session) Commit() {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	for k, v := range s.times {
		s.r.times[k] = v
	}
	for k, v := range s.sensors {
		s.r.sensors[k] = v
	}
	for k, v := range s.locations {
		s.r.locations[k] = v
	}
	for k, v := range s.statuses {
		s.r.statuses[k] = v
	}
}

func cached[K comparable](s *Session, pending map[K]int64, shared map[K]int64, key K) (int64, bool) {
	if id, ok := pending[key]; ok {
		return id, true
	}
	s.r.mu.RLock()
	defer s.r.mu.RUnlock()
	id, ok := shared[key]
	return id, ok
}

// TimeKey returns the time dimension key for ts. Calendar fields are derived in UTC.
func (s *Session) TimeKey(ctx context.Context, ts time.Time) (int64, error) {
	ts = ts.UTC()
	if id, ok := cached(s, s.times, s.r.times, ts.UnixNano()); ok {
		return id, nil
	}

	weekday := (int(ts.Weekday()) + 6) % 7
	id, err := s.getOrCreate(ctx, `
		INSERT INTO dim_time (ts, date, year, month, day, hour, minute, second, day_of_week, day_name, is_weekend)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (ts) DO NOTHING
		RETURNING time_key
	`, `SELECT time_key FROM dim_time WHERE ts = $1`,
		ts, ts.Format(time.DateOnly), ts.Year(), int(ts.Month()), ts.Day(),
		ts.Hour(), ts.Minute(), ts.Second(), weekday, ts.Weekday().String(), weekday >= 5,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve time %s: %w", ts.Format(time.RFC3339Nano), err)
	}
	s.times[ts.UnixNano()] = id
	return id, nil
}

// SensorKey returns the sensor dimension key, creating the sensor as active
// on first sight. Attributes of an existing sensor are left untouched.
func (s *Session) SensorKey(ctx context.Context, sensor reading.Sensor) (int64, error) {
	if sensor.ID == "" {
		return 0, fmt.Errorf("%w: sensor_id", ErrMissingAttribute)
	}
	if sensor.Type == "" {
		return 0, fmt.Errorf("%w: sensor_type for %s", ErrMissingAttribute, sensor.ID)
	}
	if id, ok := cached(s, s.sensors, s.r.sensors, sensor.ID); ok {
		return id, nil
	}

	id, err := s.getOrCreate(ctx, `
		INSERT INTO dim_sensor (sensor_id, sensor_type, sensor_model, manufacturer, firmware_version, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (sensor_id) DO NOTHING
		RETURNING sensor_key
	`, `SELECT sensor_key FROM dim_sensor WHERE sensor_id = $1`,
		sensor.ID, sensor.Type, nullString(sensor.Model), nullString(sensor.Manufacturer), nullString(sensor.FirmwareVersion),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve sensor %s: %w", sensor.ID, err)
	}
	s.sensors[sensor.ID] = id
	return id, nil
}

// LocationKey returns the location dimension key, keyed by city name.
func (s *Session) LocationKey(ctx context.Context, loc reading.Location) (int64, error) {
	if loc.City == "" {
		return 0, fmt.Errorf("%w: city", ErrMissingAttribute)
	}
	if id, ok := cached(s, s.locations, s.r.locations, loc.City); ok {
		return id, nil
	}

	id, err := s.getOrCreate(ctx, `
		INSERT INTO dim_location (city_name, region, country, lat, lon, altitude, location_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (city_name) DO NOTHING
		RETURNING location_key
	`, `SELECT location_key FROM dim_location WHERE city_name = $1`,
		loc.City, nullString(loc.Region), nullString(loc.Country), loc.Lat, loc.Lon, loc.Altitude, LocationCode(loc.City),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve location %s: %w", loc.City, err)
	}
	s.locations[loc.City] = id
	return id, nil
}

// StatusKey returns the status dimension key for code.
func (s *Session) StatusKey(ctx context.Context, code string) (int64, error) {
	if code == "" {
		return 0, fmt.Errorf("%w: status", ErrMissingAttribute)
	}
	if id, ok := cached(s, s.statuses, s.r.statuses, code); ok {
		return id, nil
	}

	id, err := s.getOrCreate(ctx, `
		INSERT INTO dim_status (status_code)
		VALUES ($1)
		ON CONFLICT (status_code) DO NOTHING
		RETURNING status_key
	`, `SELECT status_key FROM dim_status WHERE status_code = $1`, code)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve status %s: %w", code, err)
	}
	s.statuses[code] = id
	return id, nil
}

// getOrCreate runs the conflict-ignoring insert and falls back to selecting
// the existing row by its natural key, which must be the first insert argument.
func (s *Session) getOrCreate(ctx context.Context, insert, lookup string, args ...any) (int64, error) {
	var id int64
	err := s.q.QueryRowContext(ctx, insert, args...).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	if err := s.q.QueryRowContext(ctx, lookup, args[0]).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("row vanished after conflict: %w", ErrNotFound)
		}
		return 0, err
	}
	return id, nil
}

// LocationCode derives the short location code from a city name: its first
// three letters, upper-cased.
func LocationCode(city string) string {
	var b strings.Builder
	n := 0
	for _, r := range city {
		if !unicode.IsLetter(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
		if n++; n == 3 {
			break
		}
	}
	return b.String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
