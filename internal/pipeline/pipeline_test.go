package pipeline

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/weather-warehouse/internal/aggregation"
	"github.com/smukkama/weather-warehouse/internal/anomaly"
	"github.com/smukkama/weather-warehouse/internal/protocol"
	"github.com/smukkama/weather-warehouse/internal/reading"
	"github.com/smukkama/weather-warehouse/internal/source"
	"github.com/smukkama/weather-warehouse/internal/warehouse"
)

var (
	t0  = time.Date(2025, 10, 18, 10, 0, 0, 0, time.UTC)
	now = t0.Add(time.Minute)
)

// memWarehouse is an in-memory Warehouse with the same dedup semantics as
// the Postgres store.
type memWarehouse struct {
	facts     map[reading.Key]warehouse.Fact
	sensors   map[string]int64
	locations map[string]int64
	hourly    map[aggregation.BucketKey]aggregation.Hourly
	loadErr   error
	lookupErr error
	// failAfter makes LoadFacts fail as unavailable once that many facts
	// were inserted; zero disables it.
	failAfter int
}

func newMemWarehouse() *memWarehouse {
	return &memWarehouse{
		facts:     make(map[reading.Key]warehouse.Fact),
		sensors:   make(map[string]int64),
		locations: make(map[string]int64),
		hourly:    make(map[aggregation.BucketKey]aggregation.Hourly),
	}
}

func (m *memWarehouse) ExistingKeys(_ context.Context, w reading.Window) (map[reading.Key]struct{}, error) {
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	ids := make(map[string]bool)
	for _, id := range w.SensorIDs {
		ids[id] = true
	}
	out := make(map[reading.Key]struct{})
	for k, f := range m.facts {
		ts := f.Reading.Timestamp
		if ids[k.SensorID] && !ts.Before(w.From) && !ts.After(w.To) {
			out[k] = struct{}{}
		}
	}
	return out, nil
}

func (m *memWarehouse) LastSeen(_ context.Context, before map[string]time.Time) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	for _, f := range m.facts {
		id, ts := f.Reading.Sensor.ID, f.Reading.Timestamp
		cutoff, ok := before[id]
		if ok && ts.Before(cutoff) && ts.After(out[id]) {
			out[id] = ts
		}
	}
	return out, nil
}

func (m *memWarehouse) LoadFacts(_ context.Context, facts []warehouse.Fact) (warehouse.LoadResult, error) {
	var res warehouse.LoadResult
	if m.loadErr != nil {
		return res, m.loadErr
	}
	for _, f := range facts {
		if f.Reading.Location.City == "" {
			res.Failed++
			continue
		}
		if _, ok := m.facts[f.Reading.Key()]; ok {
			res.Duplicates++
			continue
		}
		if m.failAfter > 0 && res.Inserted == m.failAfter {
			return res, warehouse.ErrUnavailable
		}
		m.facts[f.Reading.Key()] = f
		m.key(m.sensors, f.Reading.Sensor.ID)
		m.key(m.locations, f.Reading.Location.City)
		res.Inserted++
		res.Loaded = append(res.Loaded, f)
	}
	return res, nil
}

func (m *memWarehouse) key(keys map[string]int64, name string) int64 {
	if id, ok := keys[name]; ok {
		return id
	}
	keys[name] = int64(len(keys) + 1)
	return keys[name]
}

func (m *memWarehouse) HourlySamples(_ context.Context, hour time.Time) ([]aggregation.Sample, error) {
	var out []aggregation.Sample
	for _, f := range m.facts {
		r := f.Reading
		if !aggregation.HourStart(r.Timestamp).Equal(hour) {
			continue
		}
		out = append(out, aggregation.Sample{
			SensorKey:   m.key(m.sensors, r.Sensor.ID),
			LocationKey: m.key(m.locations, r.Location.City),
			SensorID:    r.Sensor.ID,
			City:        r.Location.City,
			Timestamp:   r.Timestamp,
			Temperature: r.Temperature,
			Humidity:    r.Humidity,
			Pressure:    r.Pressure,
			IsAnomaly:   f.Annotation.IsAnomaly,
		})
	}
	return out, nil
}

func (m *memWarehouse) UpsertHourly(_ context.Context, h aggregation.Hourly) error {
	m.hourly[h.Key()] = h
	return nil
}

func (m *memWarehouse) ListHourly(_ context.Context, from, to time.Time) ([]aggregation.Hourly, error) {
	var out []aggregation.Hourly
	for _, h := range m.hourly {
		if !h.HourStart.Before(from) && h.HourStart.Before(to) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SensorID < out[j].SensorID })
	return out, nil
}

func (m *memWarehouse) temperatures(sensorID string) []float64 {
	var out []float64
	for k, f := range m.facts {
		if k.SensorID == sensorID {
			out = append(out, f.Reading.Temperature)
		}
	}
	sort.Float64s(out)
	return out
}

// fakeSource returns its records until they are committed.
type fakeSource struct {
	name    string
	raws    []reading.Raw
	err     error
	commits int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Extract(context.Context) ([]reading.Raw, error) {
	return f.raws, f.err
}

func (f *fakeSource) Commit(context.Context) error {
	f.commits++
	return nil
}

type recordingPublisher struct{ events []protocol.AnomalyEvent }

func (r *recordingPublisher) Publish(_ context.Context, events []protocol.AnomalyEvent) error {
	r.events = append(r.events, events...)
	return nil
}

type recordingExporter struct{ rows []aggregation.Hourly }

func (r *recordingExporter) Export(rows []aggregation.Hourly) error {
	r.rows = rows
	return nil
}

func raw(src reading.Source, sensorID string, offset time.Duration, temp float64) reading.Raw {
	num := func(v float64) *float64 { return &v }
	return reading.Raw{
		Source:      src,
		Position:    string(src) + "@" + strconv.Itoa(int(offset.Seconds())),
		Timestamp:   t0.Add(offset).Format(time.RFC3339Nano),
		SensorID:    sensorID,
		SensorType:  "weather_station",
		Status:      "OK",
		Temperature: num(temp),
		Humidity:    num(45),
		Pressure:    num(1012),
		WindSpeed:   num(3),
		City:        "Cairo",
	}
}

func newPipeline(wh Warehouse, opts Options, sources ...source.Source) *Pipeline {
	v := reading.NewValidator(5 * time.Minute)
	v.Now = func() time.Time { return now }
	opts.Validator = v
	opts.Detector = anomaly.NewDetector(anomaly.Config{ZScoreThreshold: 3, StuckRun: 5, MaxGap: 15 * time.Second})

	p := New(sources, wh, opts)
	p.now = func() time.Time { return now }
	return p
}

func TestRunOnce_RejectsOutOfRangeAndLoadsTheRest(t *testing.T) {
	wh := newMemWarehouse()
	src := &fakeSource{name: "jsonl", raws: []reading.Raw{
		raw(reading.SourceJSONL, "S1", 0, 20),
		raw(reading.SourceJSONL, "S1", 5*time.Second, 21),
		raw(reading.SourceJSONL, "S1", 10*time.Second, 900),
	}}

	summary, err := newPipeline(wh, Options{}, src).RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, summary.RawCount())
	assert.Equal(t, 2, summary.Validated)
	assert.Equal(t, 1, summary.RejectedCount())
	assert.Equal(t, 1, summary.Rejected[reading.OutOfRangeValue])
	assert.Equal(t, 2, summary.Inserted)
	assert.Equal(t, 0, summary.AnomalyCount())
	assert.True(t, summary.Balanced())
	assert.Equal(t, []float64{20, 21}, wh.temperatures("S1"))
	for _, f := range wh.facts {
		assert.False(t, f.Annotation.IsAnomaly)
	}
	assert.Equal(t, 1, src.commits)
}

func TestRunOnce_IsIdempotent(t *testing.T) {
	wh := newMemWarehouse()
	src := &fakeSource{name: "jsonl", raws: []reading.Raw{
		raw(reading.SourceJSONL, "S1", 0, 20),
		raw(reading.SourceJSONL, "S1", 5*time.Second, 21),
	}}
	p := newPipeline(wh, Options{}, src)
	ctx := context.Background()

	first, err := p.RunOnce(ctx)
	require.NoError(t, err)
	second, err := p.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, first.Inserted)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 2, second.WarehouseDuplicates)
	assert.True(t, second.Balanced())
	assert.Len(t, wh.facts, 2)
}

func TestRunOnce_DedupesAcrossSources(t *testing.T) {
	wh := newMemWarehouse()
	jsonl := &fakeSource{name: "jsonl", raws: []reading.Raw{raw(reading.SourceJSONL, "S1", 0, 20)}}
	csv := &fakeSource{name: "csv", raws: []reading.Raw{
		raw(reading.SourceCSV, "S1", 0, 20),
		raw(reading.SourceCSV, "S2", 0, 19),
	}}

	summary, err := newPipeline(wh, Options{}, jsonl, csv).RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, map[string]int{"jsonl": 1, "csv": 2}, summary.Read)
	assert.Equal(t, 1, summary.BatchDuplicates)
	assert.Equal(t, 2, summary.Inserted)
	assert.True(t, summary.Balanced())
	stored := wh.facts[reading.NewKey("S1", t0)]
	assert.Equal(t, reading.SourceJSONL, stored.Reading.Source, "first source wins")
}

func TestRunOnce_MissingCityCountsAsFailed(t *testing.T) {
	wh := newMemWarehouse()
	noCity := raw(reading.SourceJSONL, "S2", 0, 20)
	noCity.City = ""
	src := &fakeSource{name: "jsonl", raws: []reading.Raw{raw(reading.SourceJSONL, "S1", 0, 20), noCity}}

	summary, err := newPipeline(wh, Options{}, src).RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Inserted)
	assert.Equal(t, 1, summary.Failed)
	assert.True(t, summary.Balanced())
}

func TestRunOnce_SkipsFailingSource(t *testing.T) {
	wh := newMemWarehouse()
	broken := &fakeSource{name: "csv", err: errors.New("permission denied")}
	ok := &fakeSource{name: "jsonl", raws: []reading.Raw{raw(reading.SourceJSONL, "S1", 0, 20)}}

	summary, err := newPipeline(wh, Options{}, broken, ok).RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.SourceErrors)
	assert.Equal(t, 1, summary.Inserted)
	assert.Equal(t, 0, broken.commits)
	assert.Equal(t, 1, ok.commits)
}

func TestRunOnce_AllSourcesFailed(t *testing.T) {
	src := &fakeSource{name: "jsonl", err: errors.New("disk gone")}

	_, err := newPipeline(newMemWarehouse(), Options{}, src).RunOnce(context.Background())

	assert.ErrorIs(t, err, ErrAllSourcesFailed)
}

func TestRunOnce_WarehouseDownKeepsPositions(t *testing.T) {
	wh := newMemWarehouse()
	wh.loadErr = warehouse.ErrUnavailable
	src := &fakeSource{name: "jsonl", raws: []reading.Raw{raw(reading.SourceJSONL, "S1", 0, 20)}}

	_, err := newPipeline(wh, Options{}, src).RunOnce(context.Background())

	assert.ErrorIs(t, err, warehouse.ErrUnavailable)
	assert.Equal(t, 0, src.commits)
}

func TestRunOnce_PartialLoadRefreshesInsertedHours(t *testing.T) {
	wh := newMemWarehouse()
	wh.failAfter = 2
	src := &fakeSource{name: "jsonl", raws: []reading.Raw{
		raw(reading.SourceJSONL, "S1", 0, 20),
		raw(reading.SourceJSONL, "S1", 5*time.Second, 22),
		raw(reading.SourceJSONL, "S1", -2*time.Hour, 30),
	}}

	summary, err := newPipeline(wh, Options{}, src).RunOnce(context.Background())

	assert.ErrorIs(t, err, warehouse.ErrUnavailable)
	assert.Equal(t, 2, summary.Inserted)
	assert.Equal(t, 0, src.commits)
	require.Len(t, wh.hourly, 1)
	for _, h := range wh.hourly {
		assert.True(t, h.HourStart.Equal(t0))
		assert.Equal(t, 2, h.Count)
		assert.Equal(t, 21.0, h.Temperature.Mean)
	}
}

func TestRunOnce_ReplayedReadingsDoNotLookLikeAGap(t *testing.T) {
	wh := newMemWarehouse()
	src := &fakeSource{name: "jsonl"}
	p := newPipeline(wh, Options{}, src)
	ctx := context.Background()
	every5s := func(from, to int) []reading.Raw {
		var out []reading.Raw
		for i := from; i <= to; i += 5 {
			out = append(out, raw(reading.SourceJSONL, "S1", time.Duration(i)*time.Second, 20+0.1*float64(i)))
		}
		return out
	}

	src.raws = every5s(-30, -5)
	_, err := p.RunOnce(ctx)
	require.NoError(t, err)

	// Loaded, but the position was lost, so the next cycle reads it again.
	src.raws = every5s(0, 25)
	_, err = p.RunOnce(ctx)
	require.NoError(t, err)

	src.raws = every5s(0, 35)
	summary, err := p.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Inserted)
	assert.Equal(t, 6, summary.WarehouseDuplicates)
	assert.Equal(t, 0, summary.AnomalyCount())
	for _, offset := range []time.Duration{30 * time.Second, 35 * time.Second} {
		f := wh.facts[reading.NewKey("S1", t0.Add(offset))]
		assert.False(t, f.Annotation.IsAnomaly, "reading at +%s", offset)
	}

	// A real gap after the stored readings is still flagged.
	src.raws = every5s(90, 90)
	summary, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Anomalies[anomaly.Dropout])
}

func TestRunOnce_LookupFailureAbortsBeforeLoad(t *testing.T) {
	wh := newMemWarehouse()
	wh.lookupErr = warehouse.ErrUnavailable
	src := &fakeSource{name: "jsonl", raws: []reading.Raw{raw(reading.SourceJSONL, "S1", 0, 20)}}

	_, err := newPipeline(wh, Options{}, src).RunOnce(context.Background())

	assert.ErrorIs(t, err, warehouse.ErrUnavailable)
	assert.Empty(t, wh.facts)
}

func TestRunOnce_PublishesAnomaliesAndRefreshesAggregates(t *testing.T) {
	wh := newMemWarehouse()
	var raws []reading.Raw
	for i := 0; i < 20; i++ {
		temp := 20 + 0.1*float64(i)
		if i == 10 {
			temp = 45
		}
		raws = append(raws, raw(reading.SourceJSONL, "S1", time.Duration(i)*5*time.Second, temp))
	}
	pub := &recordingPublisher{}
	exp := &recordingExporter{}
	p := newPipeline(wh, Options{Publisher: pub, Exporter: exp}, &fakeSource{name: "jsonl", raws: raws})

	summary, err := p.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Anomalies[anomaly.Spike])
	require.Len(t, pub.events, 1)
	assert.Equal(t, "SPIKE", pub.events[0].AnomalyType)
	assert.Equal(t, "temperature", pub.events[0].Metric)
	assert.Equal(t, summary.CycleID, pub.events[0].CycleID)

	assert.Equal(t, 1, summary.AggregatesUpdated)
	require.Len(t, exp.rows, 1)
	assert.Equal(t, 20, exp.rows[0].Count)
	assert.Equal(t, 1, exp.rows[0].AnomalyCount)
	assert.Equal(t, 45.0, exp.rows[0].Temperature.Max)
}

func TestRunOnce_LateReadingJoinsStoredHour(t *testing.T) {
	wh := newMemWarehouse()
	src := &fakeSource{name: "jsonl", raws: []reading.Raw{raw(reading.SourceJSONL, "S1", 0, 20)}}
	p := newPipeline(wh, Options{}, src)
	ctx := context.Background()
	_, err := p.RunOnce(ctx)
	require.NoError(t, err)

	src.raws = []reading.Raw{raw(reading.SourceJSONL, "S1", 10*time.Second, 22)}
	_, err = p.RunOnce(ctx)
	require.NoError(t, err)

	require.Len(t, wh.hourly, 1)
	for _, h := range wh.hourly {
		assert.Equal(t, 2, h.Count)
		assert.Equal(t, 21.0, h.Temperature.Mean)
	}
}

func TestCycle_StagesAndSummary(t *testing.T) {
	wh := newMemWarehouse()
	src := &fakeSource{name: "jsonl", raws: []reading.Raw{
		raw(reading.SourceJSONL, "S1", 0, 20),
		{Source: reading.SourceJSONL, DecodeErr: errors.New("bad json")},
	}}
	c := newPipeline(wh, Options{}, src).NewCycle()
	ctx := context.Background()

	require.NoError(t, c.Extract(ctx))
	assert.Equal(t, 2, c.Summary().RawCount())
	require.NoError(t, c.Transform(ctx))
	assert.Equal(t, 1, c.Summary().Rejected[reading.MalformedRecord])
	require.NoError(t, c.Load(ctx))

	s := c.Summary()
	assert.NotEmpty(t, s.CycleID)
	assert.Contains(t, s.String(), "cycle="+s.CycleID+" read=2 validated=1 rejected=1 duplicates=0 anomalies=0 inserted=1 failed=0")
	stats := s.Stats()
	assert.Equal(t, 1, stats.Rejected["MalformedRecord"])
	assert.Equal(t, 1, stats.Inserted)
}
