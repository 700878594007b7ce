// Package anomaly flags statistical spikes, stuck sensors and data gaps in a
// sensor's readings for one processing window.
package anomaly

import (
	"math"
	"sort"
	"time"

	"github.com/smukkama/weather-warehouse/internal/reading"
)

// Type labels the rule that flagged a reading.
type Type string

const (
	None    Type = ""
	Spike   Type = "SPIKE"
	Stuck   Type = "STUCK"
	Dropout Type = "DROPOUT"
)

// Types lists the anomaly types in evaluation order.
var Types = []Type{Spike, Stuck, Dropout}

// Annotation is the detector verdict for one reading.
type Annotation struct {
	IsAnomaly bool
	Type      Type
	// Metric names the measurement that triggered a SPIKE.
	Metric string
}

// Config holds the detector thresholds.
type Config struct {
	ZScoreThreshold float64
	StuckRun        int
	// MaxGap is the longest gap between consecutive readings that is not a dropout. Zero disables the check.
	MaxGap time.Duration
}

// Detector annotates readings. It is stateless and safe for concurrent use.
type Detector struct {
	cfg Config
}

// NewDetector creates a detector.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

type metric struct {
	name  string
	value func(reading.Reading) float64
}

var spikeMetrics = []metric{
	{"temperature", func(r reading.Reading) float64 { return r.Temperature }},
	{"humidity", func(r reading.Reading) float64 { return r.Humidity }},
	{"pressure", func(r reading.Reading) float64 { return r.Pressure }},
}

// Detect annotates a whole batch. Readings are grouped by sensor and each
// group is ordered by time before the rules run; the result is indexed like
// the input. lastSeen optionally carries each sensor's latest stored
// timestamp so a gap at the start of the window is also caught.
func (d *Detector) Detect(readings []reading.Reading, lastSeen map[string]time.Time) []Annotation {
	out := make([]Annotation, len(readings))

	groups := make(map[string][]int)
	for i, r := range readings {
		groups[r.Sensor.ID] = append(groups[r.Sensor.ID], i)
	}

	for sensorID, idx := range groups {
		sort.SliceStable(idx, func(a, b int) bool {
			return readings[idx[a]].Timestamp.Before(readings[idx[b]].Timestamp)
		})

		group := make([]reading.Reading, len(idx))
		for j, i := range idx {
			group[j] = readings[i]
		}

		var prev time.Time
		if last, ok := lastSeen[sensorID]; ok && last.Before(group[0].Timestamp) {
			prev = last
		}

		for j, a := range d.detectGroup(group, prev) {
			out[idx[j]] = a
		}
	}

	return out
}

// DetectGroup annotates one sensor's readings, which must be sorted by time.
func (d *Detector) DetectGroup(group []reading.Reading) []Annotation {
	return d.detectGroup(group, time.Time{})
}

func (d *Detector) detectGroup(group []reading.Reading, prev time.Time) []Annotation {
	out := make([]Annotation, len(group))
	if len(group) == 0 {
		return out
	}

	// Evaluation order decides the label: SPIKE, then STUCK, then DROPOUT.
	d.markSpikes(group, out)
	d.markStuck(group, out)
	d.markDropouts(group, prev, out)

	return out
}

func (d *Detector) markSpikes(group []reading.Reading, out []Annotation) {
	if len(group) < 2 || d.cfg.ZScoreThreshold <= 0 {
		return
	}

	values := make([]float64, len(group))
	for _, m := range spikeMetrics {
		for i, r := range group {
			values[i] = m.value(r)
		}
		mean, sd := meanStdDev(values)
		if sd == 0 || math.IsNaN(sd) {
			continue
		}
		for i, v := range values {
			if out[i].IsAnomaly {
				continue
			}
			if math.Abs(v-mean)/sd >= d.cfg.ZScoreThreshold {
				out[i] = Annotation{IsAnomaly: true, Type: Spike, Metric: m.name}
			}
		}
	}
}

func (d *Detector) markStuck(group []reading.Reading, out []Annotation) {
	if d.cfg.StuckRun < 2 {
		return
	}

	start := 0
	for i := 1; i <= len(group); i++ {
		if i < len(group) && math.Float64bits(group[i].Temperature) == math.Float64bits(group[start].Temperature) {
			continue
		}
		if i-start >= d.cfg.StuckRun {
			for j := start; j < i; j++ {
				if !out[j].IsAnomaly {
					out[j] = Annotation{IsAnomaly: true, Type: Stuck, Metric: "temperature"}
				}
			}
		}
		start = i
	}
}

func (d *Detector) markDropouts(group []reading.Reading, prev time.Time, out []Annotation) {
	if d.cfg.MaxGap <= 0 {
		return
	}

	for i, r := range group {
		if i > 0 {
			prev = group[i-1].Timestamp
		}
		if prev.IsZero() {
			continue
		}
		if r.Timestamp.Sub(prev) > d.cfg.MaxGap && !out[i].IsAnomaly {
			out[i] = Annotation{IsAnomaly: true, Type: Dropout}
		}
	}
}

// meanStdDev returns the mean and population standard deviation of values.
func meanStdDev(values []float64) (float64, float64) {
	n := float64(len(values))
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / n

	var sq float64
	for _, v := range values {
		diff := v - mean
		sq += diff * diff
	}
	return mean, math.Sqrt(sq / n)
}
