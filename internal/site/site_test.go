package site

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kmederer/pvcollect/internal/config"
	"github.com/kmederer/pvcollect/internal/production"
	"github.com/kmederer/pvcollect/model"
)

type fakeDevice struct {
	mu         sync.Mutex
	name       string
	startErr   error
	keys       []string
	state      map[string]model.Value
	liveValues map[string]model.Value
	liveErr    error
	baselines   map[model.Period]int64
	history     model.DeviceHistory
	historyErr  error
	fineHistory model.DeviceHistory
	fineErr     error
	refreshed   int
	stopped     bool
	liveReads   int
	instErrs    int // leading ReadInstantaneous failures
	instReads   int
}

func (d *fakeDevice) Name() string { return d.name }

func (d *fakeDevice) Start(ctx context.Context) ([]string, error) {
	if d.startErr != nil {
		return nil, d.startErr
	}
	return d.keys, nil
}

func (d *fakeDevice) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	return nil
}

func (d *fakeDevice) ReadInstantaneous(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.instReads++
	if d.instErrs > 0 {
		d.instErrs--
		return errors.New("no response")
	}
	return nil
}

func (d *fakeDevice) GetState(key string) (model.Value, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.state[key]
	return v, ok
}

func (d *fakeDevice) ReadKey(ctx context.Context, key string) (model.Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.liveReads++
	if d.liveErr != nil {
		return model.Value{}, d.liveErr
	}
	v, ok := d.liveValues[key]
	if !ok {
		return model.Value{}, errors.New("no such key")
	}
	return v, nil
}

func (d *fakeDevice) ReadHistory(ctx context.Context, start, stop int64) (model.DeviceHistory, error) {
	if d.historyErr != nil {
		return model.DeviceHistory{}, d.historyErr
	}
	return d.history, nil
}

func (d *fakeDevice) ReadFineHistory(ctx context.Context, start, stop int64) (model.DeviceHistory, error) {
	if d.fineErr != nil {
		return model.DeviceHistory{}, d.fineErr
	}
	return d.fineHistory, nil
}

func (d *fakeDevice) RefreshProduction(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refreshed++
	return nil
}

func (d *fakeDevice) Baseline(period model.Period) model.Baseline {
	return model.Baseline{V: d.baselines[period]}
}

type fakePublisher struct {
	mu      sync.Mutex
	batches [][]model.Sensor
}

func (p *fakePublisher) Publish(sensors []model.Sensor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, sensors)
	return nil
}

type fakeRecorder struct {
	mu         sync.Mutex
	sensors    []model.Sensor
	timestamps []int64
	histories  []model.DeviceHistory
	topics     []string
}

func (r *fakeRecorder) WriteSensors(ctx context.Context, sensors []model.Sensor, timestamp int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensors = append(r.sensors, sensors...)
	r.timestamps = append(r.timestamps, timestamp)
	return nil
}

func (r *fakeRecorder) WriteHistory(ctx context.Context, histories []model.DeviceHistory, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histories = append(r.histories, histories...)
	r.topics = append(r.topics, topic)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Site: config.Site{
			Name:       "test",
			TZ:         "UTC",
			Latitude:   41.5,
			Longitude:  -71.3,
			CO2Avoided: 0.5,
		},
		Solar:    config.Solar{Tilt: 30, Azimuth: 180, Rho: 0.2},
		Sampling: config.Sampling{Fast: 30, Medium: 60, Slow: 120},
	}
}

func scalar(v float64) model.Value {
	return model.Value{Kind: model.KindScalar, Scalar: v}
}

func newTestSite(devs ...device) *Site {
	s := New(testConfig(), zap.NewNop().Sugar())
	for _, d := range devs {
		s.AddDevice(d)
	}
	return s
}

func TestStartAllOrNothing(t *testing.T) {
	good := &fakeDevice{name: "sb71", keys: []string{acPowerKey, totalWhKey}}
	bad := &fakeDevice{name: "sb72", startErr: errors.New("login refused")}

	s := newTestSite(good, bad)
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sb72")

	s = newTestSite(good, &fakeDevice{name: "sb72", keys: []string{acPowerKey, totalWhKey}})
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.cachedKey(acPowerKey))
	assert.False(t, s.cachedKey("6100_00465700"))
}

func TestStartRejectsEmptySite(t *testing.T) {
	s := newTestSite()
	assert.Error(t, s.Start(context.Background()))
}

func TestCompositeSiteTotalFromScalars(t *testing.T) {
	d1 := &fakeDevice{name: "sb71", state: map[string]model.Value{acPowerKey: scalar(1000)}}
	d2 := &fakeDevice{name: "sb72", state: map[string]model.Value{acPowerKey: scalar(500)}}
	s := newTestSite(d1, d2)
	s.cachedKeys[acPowerKey] = true

	sensors := s.composite(context.Background(), []string{acPowerKey})
	require.Len(t, sensors, 1)
	assert.Equal(t, "ac_measurements/power", sensors[0].Topic)
	assert.Equal(t, float64(1500), sensors[0].Values[production.Site].Scalar)
	assert.Equal(t, float64(1000), sensors[0].Values["sb71"].Scalar)
}

func TestCompositeSiteTotalFromPhases(t *testing.T) {
	d1 := &fakeDevice{name: "sb71", state: map[string]model.Value{
		dcPowerKey: {Kind: model.KindPhases, Phases: map[string]float64{"a": 100, "b": 200, "sb71": 300}},
	}}
	d2 := &fakeDevice{name: "sb72", state: map[string]model.Value{dcPowerKey: scalar(50)}}
	s := newTestSite(d1, d2)
	s.cachedKeys[dcPowerKey] = true

	sensors := s.composite(context.Background(), []string{dcPowerKey})
	require.Len(t, sensors, 1)
	assert.Equal(t, float64(350), sensors[0].Values[production.Site].Scalar)
}

func TestCompositeSingleInverterNoSiteTotal(t *testing.T) {
	d := &fakeDevice{name: "sb71", state: map[string]model.Value{
		acPowerKey: scalar(950),
		dcPowerKey: scalar(1000),
	}}
	s := newTestSite(d)
	s.cachedKeys[acPowerKey] = true
	s.cachedKeys[dcPowerKey] = true

	sensors := s.composite(context.Background(), []string{acPowerKey})
	require.Len(t, sensors, 1)
	_, present := sensors[0].Values[production.Site]
	assert.False(t, present, "one inverter is the whole site already")

	// the derived efficiency map stays free of the duplicate as well
	bundle := s.slowBundle(context.Background())
	for _, sensor := range bundle {
		if sensor.Topic != "ac_measurements/efficiency" {
			continue
		}
		assert.Contains(t, sensor.Values, "sb71")
		assert.NotContains(t, sensor.Values, production.Site)
	}
}

func TestCompositeLiveReadForUncachedKey(t *testing.T) {
	d := &fakeDevice{name: "sb71", liveValues: map[string]model.Value{"6100_00465700": scalar(50)}}
	s := newTestSite(d)

	sensors := s.composite(context.Background(), []string{"6100_00465700"})
	require.Len(t, sensors, 1)
	assert.Equal(t, float64(50), sensors[0].Values["sb71"].Scalar)
	assert.Equal(t, 1, d.liveReads)
}

func TestCompositeOmitsFailedDevice(t *testing.T) {
	d1 := &fakeDevice{name: "sb71", liveValues: map[string]model.Value{acPowerKey: scalar(1000)}}
	d2 := &fakeDevice{name: "sb72", liveErr: errors.New("timeout")}
	s := newTestSite(d1, d2)

	sensors := s.composite(context.Background(), []string{acPowerKey})
	require.Len(t, sensors, 1)
	_, present := sensors[0].Values["sb72"]
	assert.False(t, present, "failed device must be omitted, not zeroed")
	assert.Equal(t, float64(1000), sensors[0].Values[production.Site].Scalar)
}

func TestUpdateTotalProduction(t *testing.T) {
	d1 := &fakeDevice{
		name:      "sb71",
		state:     map[string]model.Value{totalWhKey: scalar(4376401)},
		baselines: map[model.Period]int64{model.PeriodToday: 4376244},
	}
	d2 := &fakeDevice{
		name:      "sb72",
		state:     map[string]model.Value{totalWhKey: scalar(4366596)},
		baselines: map[model.Period]int64{model.PeriodToday: 4366487},
	}
	s := newTestSite(d1, d2)
	s.cachedKeys[totalWhKey] = true

	s.updateTotalProduction(context.Background())

	totals, ok := s.periodTotals(model.PeriodToday)
	require.True(t, ok)
	assert.Equal(t, int64(157), totals["sb71"])
	assert.Equal(t, int64(109), totals["sb72"])
	assert.Equal(t, int64(266), totals[production.Site])
}

func TestMediumBundleCarriesPeriodProduction(t *testing.T) {
	d := &fakeDevice{
		name:  "sb71",
		state: map[string]model.Value{totalWhKey: scalar(5000)},
		baselines: map[model.Period]int64{
			model.PeriodToday:    4000,
			model.PeriodMonth:    3000,
			model.PeriodYear:     2000,
			model.PeriodLifetime: 0,
		},
	}
	s := newTestSite(d)
	s.cachedKeys[totalWhKey] = true
	s.updateTotalProduction(context.Background())

	sensors := s.mediumBundle(context.Background())
	topics := make(map[string]model.Sensor, len(sensors))
	for _, sensor := range sensors {
		topics[sensor.Topic] = sensor
	}
	require.Contains(t, topics, "production/total_wh")
	require.Contains(t, topics, "production/today")
	assert.Equal(t, 1.0, topics["production/today"].Values["sb71"].Scalar)
	assert.Equal(t, 5.0, topics["production/lifetime"].Values["sb71"].Scalar)
}

func TestSlowBundleDerivedMetrics(t *testing.T) {
	d := &fakeDevice{
		name: "sb71",
		state: map[string]model.Value{
			acPowerKey: scalar(950),
			dcPowerKey: scalar(1000),
			totalWhKey: scalar(4376401),
		},
		baselines: map[model.Period]int64{model.PeriodToday: 4376244},
	}
	s := newTestSite(d)
	for _, key := range []string{acPowerKey, dcPowerKey, totalWhKey} {
		s.cachedKeys[key] = true
	}
	s.updateTotalProduction(context.Background())

	sensors := s.slowBundle(context.Background())
	topics := make(map[string]model.Sensor, len(sensors))
	for _, sensor := range sensors {
		topics[sensor.Topic] = sensor
	}

	require.Contains(t, topics, "ac_measurements/efficiency")
	assert.Equal(t, 95.0, topics["ac_measurements/efficiency"].Values["sb71"].Scalar)

	require.Contains(t, topics, "co2avoided/today")
	assert.Equal(t, 78.5, topics["co2avoided/today"].Values["sb71"].Scalar)

	assert.Contains(t, topics, "sun/position")
	assert.Contains(t, topics, "sun/irradiance")
}

func TestEmitRoutesToBothSinks(t *testing.T) {
	pub := &fakePublisher{}
	rec := &fakeRecorder{}
	s := newTestSite()
	s.SetPublisher(pub)
	s.SetRecorder(rec)

	s.emit(context.Background(), []model.Sensor{model.ScalarSensor("production/current", map[string]float64{"sb71": 1})}, 1611032400)

	require.Len(t, pub.batches, 1)
	require.Len(t, rec.sensors, 1)
	assert.Equal(t, "production/current", rec.sensors[0].Topic)
}

func TestOfferDropsWhenBusy(t *testing.T) {
	ch := make(chan time.Time, 1)
	now := time.Now()
	offer(ch, now)
	offer(ch, now.Add(time.Second))

	first := <-ch
	assert.Equal(t, now, first)
	select {
	case extra := <-ch:
		t.Fatalf("expected second tick dropped, got %v", extra)
	default:
	}
}

func TestRolloverReportsYesterdayAndReanchors(t *testing.T) {
	rec := &fakeRecorder{}
	pub := &fakePublisher{}
	d := &fakeDevice{
		name:  "sb71",
		state: map[string]model.Value{totalWhKey: scalar(1442)},
		history: model.DeviceHistory{
			Inverter: "sb71",
			Points: []model.HistoryPoint{
				{T: 100, V: i64(1000)},
				{T: 200, V: nil},
				{T: 300, V: i64(1442)},
			},
		},
		fineHistory: model.DeviceHistory{
			Inverter: "sb71",
			Points: []model.HistoryPoint{
				{T: 100, V: i64(1000)},
				{T: 400, V: i64(1200)},
				{T: 700, V: i64(1442)},
			},
		},
		baselines: map[model.Period]int64{model.PeriodToday: 1442},
	}
	s := newTestSite(d)
	s.cachedKeys[totalWhKey] = true
	s.SetRecorder(rec)
	s.SetPublisher(pub)
	newDay := time.Date(2021, 1, 20, 0, 2, 0, 0, time.UTC)
	s.now = func() time.Time { return newDay }

	s.rolloverDay(context.Background())

	assert.Equal(t, 1, d.refreshed)
	assert.Equal(t, 1, d.instReads)

	// the fine-grained curve is what lands in the history write
	require.Len(t, rec.histories, 1)
	assert.Equal(t, []string{"production/midnight"}, rec.topics)
	require.Len(t, rec.histories[0].Points, 3)
	require.NotNil(t, rec.histories[0].Points[1].V)
	assert.Equal(t, int64(1200), *rec.histories[0].Points[1].V)

	require.Len(t, pub.batches, 2)
	sensor := pub.batches[0][0]
	assert.Equal(t, "production/midnight", sensor.Topic)
	assert.Equal(t, 0.442, sensor.Values["sb71"].Scalar)
	assert.Equal(t, 0.442, sensor.Values[production.Site].Scalar)

	// the production bundle goes out stamped at the day boundary
	midnight := time.Date(2021, 1, 20, 0, 0, 0, 0, time.UTC).Unix()
	require.Len(t, rec.timestamps, 2)
	assert.Equal(t, midnight, rec.timestamps[1])
	bundle := make(map[string]model.Sensor, len(pub.batches[1]))
	for _, sb := range pub.batches[1] {
		bundle[sb.Topic] = sb
	}
	require.Contains(t, bundle, "production/total_wh")
	require.Contains(t, bundle, "production/today")

	// baselines re-anchored to the new day's meter: today restarts at zero
	assert.Equal(t, 0.0, bundle["production/today"].Values["sb71"].Scalar)
	totals, ok := s.periodTotals(model.PeriodToday)
	require.True(t, ok)
	assert.Equal(t, int64(0), totals["sb71"])
}

func TestRolloverRetriesInstantaneousReads(t *testing.T) {
	d := &fakeDevice{
		name:      "sb71",
		state:     map[string]model.Value{totalWhKey: scalar(1442)},
		history:   model.DeviceHistory{Inverter: "sb71"},
		baselines: map[model.Period]int64{model.PeriodToday: 1442},
		instErrs:  3,
	}
	s := newTestSite(d)
	s.cachedKeys[totalWhKey] = true
	s.retryDelay = time.Millisecond

	s.rolloverDay(context.Background())
	assert.Equal(t, 4, d.instReads, "three failures then the successful re-read")
}

func TestRolloverGivesUpAfterBoundedRetries(t *testing.T) {
	d := &fakeDevice{
		name:      "sb71",
		state:     map[string]model.Value{totalWhKey: scalar(1442)},
		history:   model.DeviceHistory{Inverter: "sb71"},
		baselines: map[model.Period]int64{model.PeriodToday: 1442},
		instErrs:  100,
	}
	s := newTestSite(d)
	s.cachedKeys[totalWhKey] = true
	s.retryDelay = time.Millisecond

	s.rolloverDay(context.Background())
	assert.Equal(t, 11, d.instReads, "initial read plus ten retries")
}

func TestDayDelta(t *testing.T) {
	_, ok := dayDelta([]model.HistoryPoint{{T: 1, V: nil}})
	assert.False(t, ok)

	_, ok = dayDelta([]model.HistoryPoint{{T: 1, V: i64(5)}})
	assert.False(t, ok, "a single sample has no movement")

	delta, ok := dayDelta([]model.HistoryPoint{
		{T: 1, V: i64(1000)}, {T: 2, V: nil}, {T: 3, V: i64(1442)},
	})
	require.True(t, ok)
	assert.Equal(t, int64(442), delta)
}

func TestSnapshotReflectsCachedState(t *testing.T) {
	d := &fakeDevice{
		name:      "sb71",
		state:     map[string]model.Value{totalWhKey: scalar(2000)},
		baselines: map[model.Period]int64{model.PeriodToday: 1000},
	}
	s := newTestSite(d)
	s.cachedKeys[totalWhKey] = true
	s.updateTotalProduction(context.Background())

	info := s.Snapshot()
	assert.Equal(t, []string{"sb71"}, info.Devices)
	require.Contains(t, info.Production, model.PeriodToday)
	assert.Equal(t, 1.0, info.Production[model.PeriodToday]["sb71"])
}

func TestStopStopsEveryDevice(t *testing.T) {
	d1 := &fakeDevice{name: "sb71"}
	d2 := &fakeDevice{name: "sb72"}
	s := newTestSite(d1, d2)

	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, d1.stopped)
	assert.True(t, d2.stopped)
}

func i64(v int64) *int64 { return &v }
