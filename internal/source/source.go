// Package source adapts the sensor feeds into raw readings. Every source
// returns only what was added since its last commit, and commits only after
// the cycle that consumed the records has loaded them.
package source

import (
	"context"

	"github.com/smukkama/weather-warehouse/internal/reading"
)

// Source is one input feed of the ETL cycle.
type Source interface {
	Name() string
	// Extract returns the records appended since the last commit. Calling it
	// again without Commit returns the same records again, plus any new ones.
	Extract(ctx context.Context) ([]reading.Raw, error)
	// Commit marks everything returned by the last Extract as consumed.
	Commit(ctx context.Context) error
}
