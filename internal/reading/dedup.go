package reading

import (
	"sort"
	"time"
)

// Dedupe drops repeated readings within one batch, keeping the first
// occurrence of each (sensor, timestamp) pair. Input order is preserved.
func Dedupe(readings []Reading) ([]Reading, int) {
	seen := make(map[Key]struct{}, len(readings))
	unique := make([]Reading, 0, len(readings))
	for _, r := range readings {
		key := r.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, r)
	}
	return unique, len(readings) - len(unique)
}

// ExcludeKnown drops readings whose key is already stored.
func ExcludeKnown(readings []Reading, known map[Key]struct{}) ([]Reading, int) {
	if len(known) == 0 {
		return readings, 0
	}
	fresh := make([]Reading, 0, len(readings))
	for _, r := range readings {
		if _, ok := known[r.Key()]; ok {
			continue
		}
		fresh = append(fresh, r)
	}
	return fresh, len(readings) - len(fresh)
}

// Window summarizes the sensors and time span covered by a batch, used to
// scope the warehouse lookup of already stored keys.
type Window struct {
	SensorIDs []string
	From      time.Time
	To        time.Time
}

// SpanOf returns the window covering readings; ok is false for an empty batch.
func SpanOf(readings []Reading) (Window, bool) {
	if len(readings) == 0 {
		return Window{}, false
	}
	ids := make(map[string]struct{})
	w := Window{From: readings[0].Timestamp, To: readings[0].Timestamp}
	for _, r := range readings {
		if _, ok := ids[r.Sensor.ID]; !ok {
			ids[r.Sensor.ID] = struct{}{}
			w.SensorIDs = append(w.SensorIDs, r.Sensor.ID)
		}
		if r.Timestamp.Before(w.From) {
			w.From = r.Timestamp
		}
		if r.Timestamp.After(w.To) {
			w.To = r.Timestamp
		}
	}
	sort.Strings(w.SensorIDs)
	return w, true
}

// FirstBySensor returns the earliest timestamp of each sensor in readings.
func FirstBySensor(readings []Reading) map[string]time.Time {
	first := make(map[string]time.Time)
	for _, r := range readings {
		if ts, ok := first[r.Sensor.ID]; !ok || r.Timestamp.Before(ts) {
			first[r.Sensor.ID] = r.Timestamp
		}
	}
	return first
}
