package pipeline

import (
	"fmt"
	"time"

	"github.com/smukkama/weather-warehouse/internal/anomaly"
	"github.com/smukkama/weather-warehouse/internal/metrics"
	"github.com/smukkama/weather-warehouse/internal/reading"
)

// Summary is the operational record of one cycle.
type Summary struct {
	CycleID string
	Started time.Time
	Elapsed time.Duration

	// Read counts raw records by source name.
	Read         map[string]int
	SourceErrors int

	Validated int
	Rejected  map[reading.Reason]int

	BatchDuplicates     int
	WarehouseDuplicates int
	ConflictDuplicates  int

	Anomalies map[anomaly.Type]int

	Inserted int
	Failed   int

	AggregatesUpdated int
	AggregateErrors   int
}

func newSummary(id string, started time.Time) Summary {
	return Summary{
		CycleID:   id,
		Started:   started,
		Read:      make(map[string]int),
		Rejected:  make(map[reading.Reason]int),
		Anomalies: make(map[anomaly.Type]int),
	}
}

// RawCount is the number of raw records extracted from all sources.
func (s Summary) RawCount() int {
	return sum(s.Read)
}

// RejectedCount is the number of raw records that failed validation.
func (s Summary) RejectedCount() int {
	return sum(s.Rejected)
}

// SkippedDuplicates counts readings dropped because they were already stored,
// whether found by the lookup before load or by the insert conflict.
func (s Summary) SkippedDuplicates() int {
	return s.WarehouseDuplicates + s.ConflictDuplicates
}

// AnomalyCount is the number of readings flagged by any rule.
func (s Summary) AnomalyCount() int {
	return sum(s.Anomalies)
}

// Balanced reports whether every raw record is accounted for: each one was
// either rejected or validated, and each validated reading that survived
// the in-batch dedup was inserted, skipped as already stored, or failed.
func (s Summary) Balanced() bool {
	return s.Validated+s.RejectedCount() == s.RawCount() &&
		s.Inserted+s.SkippedDuplicates()+s.Failed == s.Validated-s.BatchDuplicates
}

// Stats converts the summary into metric counts.
func (s Summary) Stats() metrics.CycleStats {
	stats := metrics.CycleStats{
		Read:     s.Read,
		Rejected: make(map[string]int, len(s.Rejected)),
		Duplicates: map[string]int{
			"batch":     s.BatchDuplicates,
			"warehouse": s.WarehouseDuplicates,
			"conflict":  s.ConflictDuplicates,
		},
		Anomalies: make(map[string]int, len(s.Anomalies)),
		Inserted:  s.Inserted,
		Failed:    s.Failed,
	}
	for reason, n := range s.Rejected {
		stats.Rejected[string(reason)] = n
	}
	for typ, n := range s.Anomalies {
		stats.Anomalies[string(typ)] = n
	}
	return stats
}

func (s Summary) String() string {
	return fmt.Sprintf("cycle=%s read=%d validated=%d rejected=%d duplicates=%d anomalies=%d inserted=%d failed=%d elapsed=%s",
		s.CycleID, s.RawCount(), s.Validated, s.RejectedCount(),
		s.BatchDuplicates+s.SkippedDuplicates(), s.AnomalyCount(),
		s.Inserted, s.Failed, s.Elapsed.Round(time.Millisecond))
}

func sum[K comparable](m map[K]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
