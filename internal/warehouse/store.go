package warehouse

import (
	"context"
	"fmt"
	"time"
)

// Options configures a Store.
type Options struct {
	// BatchSize is the number of facts written per transaction.
	BatchSize int
	Retry     RetryPolicy
}

// Store is the warehouse as seen by the ETL cycle: the fact loader, the
// lookups that scope dedup and anomaly detection, and the aggregate table.
type Store struct {
	db       *DB
	resolver *Resolver
	opts     Options
	now      func() time.Time
}

// NewStore creates a store over db.
func NewStore(db *DB, opts Options) *Store {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Store{
		db:       db,
		resolver: NewResolver(),
		opts:     opts,
		now:      time.Now,
	}
}

// SetSensorActive flips the active flag of a sensor.
func (s *Store) SetSensorActive(ctx context.Context, sensorID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dim_sensor
		SET is_active = $2, updated_at = CURRENT_TIMESTAMP
		WHERE sensor_id = $1
	`, sensorID, active)
	if err != nil {
		return fmt.Errorf("failed to update sensor %s: %w", sensorID, classify(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update sensor %s: %w", sensorID, err)
	}
	if n == 0 {
		return fmt.Errorf("sensor %s: %w", sensorID, ErrNotFound)
	}
	return nil
}
