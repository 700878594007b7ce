// Package pipeline runs one ETL cycle: extract raw records from every
// source, validate, dedupe and annotate them, then load them into the
// warehouse and refresh the derived hourly aggregates.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/smukkama/weather-warehouse/internal/aggregation"
	"github.com/smukkama/weather-warehouse/internal/anomaly"
	"github.com/smukkama/weather-warehouse/internal/logger"
	"github.com/smukkama/weather-warehouse/internal/protocol"
	"github.com/smukkama/weather-warehouse/internal/reading"
	"github.com/smukkama/weather-warehouse/internal/source"
	"github.com/smukkama/weather-warehouse/internal/warehouse"
)

// ErrAllSourcesFailed is returned by Extract when no source could be read.
var ErrAllSourcesFailed = errors.New("all sources failed")

// Warehouse is the storage the cycle reads from and writes to.
type Warehouse interface {
	ExistingKeys(ctx context.Context, w reading.Window) (map[reading.Key]struct{}, error)
	LastSeen(ctx context.Context, before map[string]time.Time) (map[string]time.Time, error)
	LoadFacts(ctx context.Context, facts []warehouse.Fact) (warehouse.LoadResult, error)
	HourlySamples(ctx context.Context, hour time.Time) ([]aggregation.Sample, error)
	UpsertHourly(ctx context.Context, h aggregation.Hourly) error
	ListHourly(ctx context.Context, from, to time.Time) ([]aggregation.Hourly, error)
}

// Publisher receives the anomalies loaded by a cycle.
type Publisher interface {
	Publish(ctx context.Context, events []protocol.AnomalyEvent) error
}

// Exporter rewrites the flat aggregate export.
type Exporter interface {
	Export(rows []aggregation.Hourly) error
}

// Options configures a Pipeline. Publisher and Exporter are optional.
type Options struct {
	Validator *reading.Validator
	Detector  *anomaly.Detector
	Publisher Publisher
	Exporter  Exporter
	// AggregateWindow is how far back the flat export reaches.
	AggregateWindow time.Duration
}

// Pipeline holds the collaborators shared by every cycle.
type Pipeline struct {
	sources []source.Source
	wh      Warehouse
	opts    Options
	now     func() time.Time
}

// New creates a pipeline. Sources are read in order, and when the same
// reading shows up in several of them the first one wins.
func New(sources []source.Source, wh Warehouse, opts Options) *Pipeline {
	if opts.AggregateWindow <= 0 {
		opts.AggregateWindow = 7 * 24 * time.Hour
	}
	return &Pipeline{sources: sources, wh: wh, opts: opts, now: time.Now}
}

// Cycle is a single run through the three stages. Stages must be called in
// order, each at most once.
type Cycle struct {
	p         *Pipeline
	summary   Summary
	raw       []reading.Raw
	extracted []source.Source
	facts     []warehouse.Fact
}

// NewCycle starts a cycle with a fresh id.
func (p *Pipeline) NewCycle() *Cycle {
	return &Cycle{p: p, summary: newSummary(uuid.NewString(), p.now())}
}

// ID returns the cycle id.
func (c *Cycle) ID() string {
	return c.summary.CycleID
}

// Summary returns the counters gathered so far.
func (c *Cycle) Summary() Summary {
	s := c.summary
	s.Elapsed = c.p.now().Sub(s.Started)
	return s
}

// RunOnce runs a whole cycle.
func (p *Pipeline) RunOnce(ctx context.Context) (Summary, error) {
	c := p.NewCycle()
	if err := c.Extract(ctx); err != nil {
		return c.Summary(), err
	}
	if err := c.Transform(ctx); err != nil {
		return c.Summary(), err
	}
	err := c.Load(ctx)
	return c.Summary(), err
}

// Extract reads every source. A failing source is logged and skipped; the
// cycle only fails when none of them could be read.
func (c *Cycle) Extract(ctx context.Context) error {
	var errs error
	for _, src := range c.p.sources {
		raws, err := src.Extract(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warnf("cycle=%s source %s failed: %v", c.ID(), src.Name(), err)
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			c.summary.SourceErrors++
			continue
		}
		c.raw = append(c.raw, raws...)
		c.summary.Read[src.Name()] += len(raws)
		c.extracted = append(c.extracted, src)
	}

	if len(c.extracted) == 0 && len(c.p.sources) > 0 {
		return fmt.Errorf("%w: %w", ErrAllSourcesFailed, errs)
	}

	logger.Infof("cycle=%s extracted %d raw records from %d/%d sources",
		c.ID(), len(c.raw), len(c.extracted), len(c.p.sources))
	return nil
}

// Transform validates, dedupes and annotates the extracted records.
func (c *Cycle) Transform(ctx context.Context) error {
	validated := make([]reading.Reading, 0, len(c.raw))
	for _, raw := range c.raw {
		r, err := c.p.opts.Validator.Validate(raw)
		if err != nil {
			var rej *reading.Rejection
			if !errors.As(err, &rej) {
				return fmt.Errorf("failed to validate %s: %w", raw.Position, err)
			}
			c.summary.Rejected[rej.Reason]++
			logger.Debugf("cycle=%s rejected %s %s: %v", c.ID(), raw.Source, raw.Position, rej)
			continue
		}
		validated = append(validated, r)
	}
	c.raw = nil
	c.summary.Validated = len(validated)

	unique, batchDups := reading.Dedupe(validated)
	c.summary.BatchDuplicates = batchDups

	var lastSeen map[string]time.Time
	if w, ok := reading.SpanOf(unique); ok {
		known, err := c.p.wh.ExistingKeys(ctx, w)
		if err != nil {
			return fmt.Errorf("failed to look up stored readings: %w", err)
		}
		var whDups int
		unique, whDups = reading.ExcludeKnown(unique, known)
		c.summary.WarehouseDuplicates = whDups

		// Cut off at each sensor's first new reading, not at the start of
		// the batch, so replayed readings still count as the previous one.
		lastSeen, err = c.p.wh.LastSeen(ctx, reading.FirstBySensor(unique))
		if err != nil {
			if warehouse.IsUnavailable(err) {
				return fmt.Errorf("failed to look up last readings: %w", err)
			}
			logger.Warnf("cycle=%s dropout check limited to this batch: %v", c.ID(), err)
			lastSeen = nil
		}
	}

	annotations := c.p.opts.Detector.Detect(unique, lastSeen)
	c.facts = make([]warehouse.Fact, len(unique))
	for i, r := range unique {
		c.facts[i] = warehouse.Fact{Reading: r, Annotation: annotations[i]}
		if annotations[i].IsAnomaly {
			c.summary.Anomalies[annotations[i].Type]++
		}
	}

	logger.Infof("cycle=%s transformed: validated=%d rejected=%d batch_duplicates=%d stored_duplicates=%d anomalies=%d",
		c.ID(), c.summary.Validated, c.summary.RejectedCount(), batchDups, c.summary.WarehouseDuplicates, c.summary.AnomalyCount())
	return nil
}

// Load writes the facts, then refreshes aggregates, commits the source
// positions and publishes anomalies. Only a failed fact load fails the
// cycle; the later steps log their errors and carry on. A load that fails
// part way still refreshes the hours of the facts it inserted, but commits
// nothing.
func (c *Cycle) Load(ctx context.Context) error {
	res, err := c.p.wh.LoadFacts(ctx, c.facts)
	c.summary.Inserted = res.Inserted
	c.summary.ConflictDuplicates = res.Duplicates
	c.summary.Failed = res.Failed
	if err != nil {
		// Batches committed before the failure are replayed as stored
		// duplicates next cycle, so their hours are refreshed now.
		if len(res.Loaded) > 0 {
			logger.Warnf("cycle=%s load failed after %d inserts, refreshing their hours", c.ID(), len(res.Loaded))
			c.refreshAggregates(ctx, res.Loaded)
		}
		return fmt.Errorf("failed to load facts: %w", err)
	}

	c.refreshAggregates(ctx, res.Loaded)

	for _, src := range c.extracted {
		if err := src.Commit(ctx); err != nil {
			logger.Warnf("cycle=%s failed to commit %s position, records will be re-read: %v", c.ID(), src.Name(), err)
		}
	}

	c.publishAnomalies(ctx, res.Loaded)

	if !c.Summary().Balanced() {
		logger.Errorf("cycle=%s counters do not balance: %+v", c.ID(), c.summary)
	}
	logger.Infof("%s", c.Summary())
	return nil
}

// refreshAggregates recomputes every hour bucket touched by the inserted
// facts from all facts stored for that hour.
func (c *Cycle) refreshAggregates(ctx context.Context, loaded []warehouse.Fact) {
	if len(loaded) == 0 {
		return
	}
	instants := make([]time.Time, len(loaded))
	for i, f := range loaded {
		instants[i] = f.Reading.Timestamp
	}

	var errs error
	for _, hour := range aggregation.Hours(instants) {
		samples, err := c.p.wh.HourlySamples(ctx, hour)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		rows, err := aggregation.ComputeHourly(samples)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		for _, h := range rows {
			if err := c.p.wh.UpsertHourly(ctx, h); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			c.summary.AggregatesUpdated++
		}
	}
	if errs != nil {
		if merr, ok := errs.(*multierror.Error); ok {
			c.summary.AggregateErrors = merr.Len()
		}
		logger.Warnf("cycle=%s hourly aggregates partially refreshed: %v", c.ID(), errs)
	}

	if c.p.opts.Exporter == nil || c.summary.AggregatesUpdated == 0 {
		return
	}
	now := c.p.now().UTC()
	rows, err := c.p.wh.ListHourly(ctx, now.Add(-c.p.opts.AggregateWindow), now.Add(time.Hour))
	if err != nil {
		logger.Warnf("cycle=%s aggregate export skipped: %v", c.ID(), err)
		return
	}
	if err := c.p.opts.Exporter.Export(rows); err != nil {
		logger.Warnf("cycle=%s aggregate export failed: %v", c.ID(), err)
		return
	}
	logger.Debugf("cycle=%s exported %d hourly aggregate rows", c.ID(), len(rows))
}

func (c *Cycle) publishAnomalies(ctx context.Context, loaded []warehouse.Fact) {
	if c.p.opts.Publisher == nil {
		return
	}

	var events []protocol.AnomalyEvent
	for _, f := range loaded {
		if !f.Annotation.IsAnomaly {
			continue
		}
		events = append(events, protocol.AnomalyEvent{
			CycleID:     c.ID(),
			SensorID:    f.Reading.Sensor.ID,
			City:        f.Reading.Location.City,
			Timestamp:   f.Reading.Timestamp.UTC(),
			AnomalyType: string(f.Annotation.Type),
			Metric:      f.Annotation.Metric,
			Temperature: f.Reading.Temperature,
			Humidity:    f.Reading.Humidity,
			Pressure:    f.Reading.Pressure,
		})
	}
	if len(events) == 0 {
		return
	}

	if err := c.p.opts.Publisher.Publish(ctx, events); err != nil {
		logger.Warnf("cycle=%s failed to publish %d anomaly events: %v", c.ID(), len(events), err)
		return
	}
	logger.Debugf("cycle=%s published %d anomaly events", c.ID(), len(events))
}
