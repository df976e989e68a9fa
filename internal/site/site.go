// Package site owns the device set and the multi-cadence collection loop.
// It fans reads out across the inverters, derives the site-level metric
// bundles and hands them to the configured sinks.
package site

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kmederer/pvcollect/internal/config"
	"github.com/kmederer/pvcollect/internal/production"
	"github.com/kmederer/pvcollect/internal/solar"
	"github.com/kmederer/pvcollect/model"
)

const (
	// wall-clock sampling resolution of the tick scheduler
	samplePeriod = 500 * time.Millisecond

	// margin past dusk before the daylight task recomputes the window
	daylightMargin = 10 * time.Minute

	// delay past local midnight before baselines are re-anchored
	midnightDelay = 2 * time.Minute

	// bounded re-read of the device caches after midnight, when the
	// inverters may still be asleep
	midnightReadRetries = 10
	midnightReadDelay   = 5 * time.Second

	// slack around the day boundary for logger history reads
	historyFudge = 10 * time.Minute
)

type device interface {
	Name() string
	Start(ctx context.Context) ([]string, error)
	Stop(ctx context.Context) error
	ReadInstantaneous(ctx context.Context) error
	GetState(key string) (model.Value, bool)
	ReadKey(ctx context.Context, key string) (model.Value, error)
	ReadHistory(ctx context.Context, start, stop int64) (model.DeviceHistory, error)
	ReadFineHistory(ctx context.Context, start, stop int64) (model.DeviceHistory, error)
	RefreshProduction(ctx context.Context) error
	Baseline(period model.Period) model.Baseline
}

type publisher interface {
	Publish(sensors []model.Sensor) error
}

type recorder interface {
	WriteSensors(ctx context.Context, sensors []model.Sensor, timestamp int64) error
	WriteHistory(ctx context.Context, histories []model.DeviceHistory, topic string) error
}

// Site drives collection across one or more inverters and routes the
// computed bundles to the attached sinks.
type Site struct {
	devices  []device
	pub      publisher
	tsdb     recorder
	log      *zap.SugaredLogger
	obs      solar.Observer
	panel    solar.Panel
	co2      float64
	sampling config.Sampling
	loc      *time.Location
	now      func() time.Time

	// midnight re-read pacing, shortened in tests
	retryDelay time.Duration

	mu         sync.RWMutex
	cachedKeys map[string]bool
	totals     map[model.Period]production.Totals
	window     solar.Window
}

// New builds a Site from the validated configuration. Devices and sinks are
// attached separately so the caller controls which are present.
func New(cfg *config.Config, log *zap.SugaredLogger) *Site {
	loc := cfg.Location()
	return &Site{
		log: log,
		obs: solar.Observer{
			Latitude:  cfg.Site.Latitude,
			Longitude: cfg.Site.Longitude,
			Loc:       loc,
		},
		panel: solar.Panel{
			Tilt:    cfg.Solar.Tilt,
			Azimuth: cfg.Solar.Azimuth,
			Rho:     cfg.Solar.Rho,
		},
		co2:        cfg.Site.CO2Avoided,
		sampling:   cfg.Sampling,
		loc:        loc,
		now:        time.Now,
		retryDelay: midnightReadDelay,
		cachedKeys: make(map[string]bool),
		totals:     make(map[model.Period]production.Totals),
	}
}

// AddDevice registers an inverter agent with the site.
func (s *Site) AddDevice(d device) {
	s.devices = append(s.devices, d)
}

// SetPublisher attaches the pub/sub sink.
func (s *Site) SetPublisher(p publisher) { s.pub = p }

// SetRecorder attaches the time-series sink.
func (s *Site) SetRecorder(r recorder) { s.tsdb = r }

// Start brings every device up concurrently. Any device failing to start
// fails the whole site; partial availability at boot is not tolerated.
func (s *Site) Start(ctx context.Context) error {
	if len(s.devices) == 0 {
		return fmt.Errorf("site: no devices configured")
	}

	keyLists := make([][]string, len(s.devices))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range s.devices {
		i, d := i, d
		g.Go(func() error {
			keys, err := d.Start(gctx)
			if err != nil {
				return fmt.Errorf("start %s: %w", d.Name(), err)
			}
			keyLists[i] = keys
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// all devices are the same model; the first device's cache layout
	// stands in for the fleet
	cached := make(map[string]bool, len(keyLists[0]))
	for _, key := range keyLists[0] {
		cached[key] = true
	}
	s.mu.Lock()
	s.cachedKeys = cached
	s.mu.Unlock()
	return nil
}

// Stop shuts down every device concurrently. Sink lifetimes belong to the
// caller that attached them.
func (s *Site) Stop(ctx context.Context) error {
	g := &errgroup.Group{}
	for _, d := range s.devices {
		d := d
		g.Go(func() error {
			if err := d.Stop(ctx); err != nil {
				return fmt.Errorf("stop %s: %w", d.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Run executes the collection loop until the context is cancelled: one
// initial full pass, then the tick scheduler, the three tier consumers and
// the daylight and midnight tasks run concurrently off one clock.
func (s *Site) Run(ctx context.Context) error {
	s.setWindow(solar.DayWindow(s.now(), s.obs))
	if err := s.readInstantaneous(ctx); err != nil {
		s.log.Warnw("initial instantaneous read", "error", err)
	}
	s.updateTotalProduction(ctx)

	fast := make(chan time.Time, 1)
	medium := make(chan time.Time, 1)
	slow := make(chan time.Time, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); s.daylightTask(ctx) }()
	wg.Add(1)
	go func() { defer wg.Done(); s.midnightTask(ctx) }()
	wg.Add(1)
	go func() { defer wg.Done(); s.scheduler(ctx, fast, medium, slow) }()
	wg.Add(1)
	go func() { defer wg.Done(); s.tierWorker(ctx, fast, s.fastBundle) }()
	wg.Add(1)
	go func() { defer wg.Done(); s.tierWorker(ctx, medium, s.mediumBundle) }()
	wg.Add(1)
	go func() { defer wg.Done(); s.tierWorker(ctx, slow, s.slowBundle) }()

	wg.Wait()
	return ctx.Err()
}

// scheduler samples the wall clock below second resolution and dispatches
// ticks to the tier queues on matching second boundaries. The fast tier
// refreshes the device caches before its tick is queued so every consumer
// of that tick sees fresh data; at night the caches are left alone and the
// consumers keep publishing the cached values.
func (s *Site) scheduler(ctx context.Context, fast, medium, slow chan<- time.Time) {
	t := time.NewTicker(samplePeriod)
	defer t.Stop()
	last := s.now().Unix()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		now := s.now()
		tick := now.Unix()
		if tick == last {
			continue
		}
		last = tick

		if tick%int64(s.sampling.Fast) == 0 {
			if s.Daylight() {
				if err := s.readInstantaneous(ctx); err != nil {
					s.log.Warnw("instantaneous refresh", "error", err)
				}
				s.updateTotalProduction(ctx)
			}
			offer(fast, now)
		}
		if tick%int64(s.sampling.Medium) == 0 {
			offer(medium, now)
		}
		if tick%int64(s.sampling.Slow) == 0 {
			offer(slow, now)
		}
	}
}

// offer drops the tick when the tier is still busy with the previous one.
func offer(ch chan<- time.Time, t time.Time) {
	select {
	case ch <- t:
	default:
	}
}

func (s *Site) tierWorker(ctx context.Context, ch <-chan time.Time, build func(context.Context) []model.Sensor) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ch:
			s.emit(ctx, build(ctx), tick.Unix())
		}
	}
}

func (s *Site) emit(ctx context.Context, sensors []model.Sensor, timestamp int64) {
	if len(sensors) == 0 {
		return
	}
	if s.pub != nil {
		if err := s.pub.Publish(sensors); err != nil {
			s.log.Warnw("mqtt publish", "error", err)
		}
	}
	if s.tsdb != nil {
		if err := s.tsdb.WriteSensors(ctx, sensors, timestamp); err != nil {
			s.log.Warnw("influxdb write", "error", err)
		}
	}
}

// fastBundle is the per-snapshot view: live power and inverter status.
func (s *Site) fastBundle(ctx context.Context) []model.Sensor {
	return s.composite(ctx, snapshotKeys)
}

// mediumBundle carries the production accounting: the raw meter values and
// the calibrated per-period totals.
func (s *Site) mediumBundle(ctx context.Context) []model.Sensor {
	sensors := s.composite(ctx, []string{totalWhKey})
	for _, period := range model.Periods() {
		totals, ok := s.periodTotals(period)
		if !ok {
			continue
		}
		sensors = append(sensors, model.ScalarSensor(
			"production/"+string(period), production.Scaled(totals, period)))
	}
	return sensors
}

// slowBundle computes the expensive derived metrics: conversion efficiency,
// CO₂ avoidance and the solar geometry.
func (s *Site) slowBundle(ctx context.Context) []model.Sensor {
	var sensors []model.Sensor

	ac := s.composite(ctx, []string{acPowerKey})
	dc := s.composite(ctx, []string{dcPowerKey})
	if len(ac) == 1 && len(dc) == 1 {
		eff := production.InverterEfficiency(scalarMap(ac[0]), scalarMap(dc[0]))
		sensors = append(sensors, model.ScalarSensor("ac_measurements/efficiency", eff))
	}

	for _, period := range model.Periods() {
		totals, ok := s.periodTotals(period)
		if !ok {
			continue
		}
		sensors = append(sensors, model.ScalarSensor(
			"co2avoided/"+string(period), production.CO2Avoided(totals, period, s.co2)))
	}

	now := s.now()
	pos := solar.SunPosition(now, s.obs)
	sensors = append(sensors, model.ScalarSensor("sun/position", map[string]float64{
		"elevation": pos.Elevation,
		"azimuth":   pos.Azimuth,
	}))
	sensors = append(sensors, model.ScalarSensor("sun/irradiance", map[string]float64{
		production.Site: solar.GlobalIrradiance(now, s.obs, s.panel),
	}))
	return sensors
}

// composite reads one sensor per key across every device, serving cached
// keys from the instantaneous cache and anything else with a live read. A
// device failing a read is logged and omitted from that sensor.
func (s *Site) composite(ctx context.Context, keys []string) []model.Sensor {
	sensors := make([]model.Sensor, 0, len(keys))
	for _, key := range keys {
		values := s.collect(ctx, key)
		// a single-inverter site would only duplicate its one value
		if aggregateKeys[key] && len(s.devices) > 1 {
			var total float64
			for name, v := range values {
				switch v.Kind {
				case model.KindScalar:
					total += v.Scalar
				case model.KindPhases:
					total += v.Phases[name]
				}
			}
			values[production.Site] = model.Value{Kind: model.KindScalar, Scalar: total}
		}

		sensor := model.Sensor{Topic: topicFor(key), Values: values}
		for _, v := range values {
			if v.Precision != nil {
				sensor.Precision = v.Precision
				break
			}
		}
		sensors = append(sensors, sensor)
	}
	return sensors
}

func (s *Site) collect(ctx context.Context, key string) map[string]model.Value {
	values := make(map[string]model.Value, len(s.devices))
	if s.cachedKey(key) {
		for _, d := range s.devices {
			if v, ok := d.GetState(key); ok {
				values[d.Name()] = v
			}
		}
		return values
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, d := range s.devices {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := d.ReadKey(ctx, key)
			if err != nil {
				s.log.Warnw("live key read", "inverter", d.Name(), "key", key, "error", err)
				return
			}
			mu.Lock()
			values[d.Name()] = v
			mu.Unlock()
		}()
	}
	wg.Wait()
	return values
}

// readInstantaneous refreshes every device's cache concurrently. A device
// failure is surfaced per-device; the remaining devices still refresh.
func (s *Site) readInstantaneous(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(s.devices))
	for i, d := range s.devices {
		i, d := i, d
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = d.ReadInstantaneous(ctx)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("%s: %w", s.devices[i].Name(), err)
		}
	}
	return nil
}

// updateTotalProduction recomputes the per-period totals from the current
// meter values and the device baselines, then swaps the snapshot in
// atomically. A device without a current meter reading drops out of the
// totals instead of contributing zero.
func (s *Site) updateTotalProduction(ctx context.Context) {
	meterSensors := s.composite(ctx, []string{totalWhKey})
	if len(meterSensors) != 1 {
		return
	}
	meters := make(map[string]int64, len(s.devices))
	for name, v := range meterSensors[0].Values {
		if name == production.Site || v.Kind != model.KindScalar {
			continue
		}
		meters[name] = int64(math.Round(v.Scalar))
	}

	totals := make(map[model.Period]production.Totals, 4)
	for _, period := range model.Periods() {
		baselines := make(map[string]int64, len(s.devices))
		for _, d := range s.devices {
			baselines[d.Name()] = d.Baseline(period).V
		}
		totals[period] = production.PeriodTotals(meters, baselines)
	}

	s.mu.Lock()
	s.totals = totals
	s.mu.Unlock()
}

func (s *Site) periodTotals(period model.Period) (production.Totals, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	totals, ok := s.totals[period]
	return totals, ok
}

func (s *Site) cachedKey(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cachedKeys[key]
}

func (s *Site) setWindow(w solar.Window) {
	s.mu.Lock()
	s.window = w
	s.mu.Unlock()
}

// Daylight reports whether the site is currently inside its dawn-to-dusk
// window.
func (s *Site) Daylight() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.window.Contains(s.now())
}

// daylightTask keeps the dawn/dusk window current. It sleeps until the next
// boundary instead of polling: past dusk it waits for the next local day,
// otherwise it wakes shortly after dusk to flip the cadence.
func (s *Site) daylightTask(ctx context.Context) {
	for {
		now := s.now().In(s.loc)
		w := solar.DayWindow(now, s.obs)
		s.setWindow(w)

		next := w.Dusk.Add(daylightMargin)
		if !now.Before(next) {
			next = startOfNextDay(now).Add(daylightMargin)
		}
		if !sleepUntil(ctx, next.Sub(now)) {
			return
		}
	}
}

// midnightTask wakes shortly after each local midnight: it publishes the
// prior day's production from the device loggers, then re-anchors the
// period baselines for the new day.
func (s *Site) midnightTask(ctx context.Context) {
	for {
		now := s.now().In(s.loc)
		next := startOfNextDay(now).Add(midnightDelay)
		if !sleepUntil(ctx, next.Sub(now)) {
			return
		}
		s.rolloverDay(ctx)
	}
}

func (s *Site) rolloverDay(ctx context.Context) {
	s.rereadInstantaneous(ctx)
	s.reportYesterday(ctx)

	g := &errgroup.Group{}
	for _, d := range s.devices {
		d := d
		g.Go(func() error {
			if err := d.RefreshProduction(ctx); err != nil {
				return fmt.Errorf("%s: %w", d.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Errorw("baseline re-anchor", "error", err)
	}
	s.updateTotalProduction(ctx)

	// the new day's production bundle, stamped at the day boundary
	midnight := model.PeriodStart(model.PeriodToday, s.now().In(s.loc)).Unix()
	s.emit(ctx, s.mediumBundle(ctx), midnight)
}

// rereadInstantaneous refreshes the device caches with bounded retries.
// Right after midnight the inverters may not answer for a while; the stale
// caches keep serving until they do.
func (s *Site) rereadInstantaneous(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		err := s.readInstantaneous(ctx)
		if err == nil {
			return
		}
		if attempt == midnightReadRetries {
			s.log.Errorw("no response from inverters, giving up for now",
				"retries", attempt, "error", err)
			return
		}
		s.log.Debugw("no response from inverters, retrying", "error", err)
		if !sleepUntil(ctx, s.retryDelay) {
			return
		}
	}
}

// reportYesterday reads each device's daily logger over the previous day
// and emits the per-device and site production to the sinks.
func (s *Site) reportYesterday(ctx context.Context) {
	now := s.now().In(s.loc)
	dayStart := model.PeriodStart(model.PeriodToday, now)
	start := dayStart.AddDate(0, 0, -1).Add(-historyFudge).Unix()
	stop := dayStart.Add(historyFudge).Unix()

	histories := s.readHistories(ctx, start, stop, false)
	if len(histories) == 0 {
		return
	}

	yesterday := make(map[string]float64, len(histories)+1)
	var site float64
	for _, h := range histories {
		delta, ok := dayDelta(h.Points)
		if !ok {
			continue
		}
		kwh := float64(delta) * 0.001
		yesterday[h.Inverter] = kwh
		site += kwh
	}
	if len(yesterday) == 0 {
		return
	}
	yesterday[production.Site] = site

	timestamp := dayStart.AddDate(0, 0, -1).Unix()
	s.emit(ctx, []model.Sensor{model.ScalarSensor("production/midnight", yesterday)}, timestamp)
	if s.tsdb != nil {
		// the five-minute series makes the better curve; fall back to the
		// day-boundary samples when the logger refuses it
		fine := s.readHistories(ctx, start, stop, true)
		if len(fine) == 0 {
			fine = histories
		}
		if err := s.tsdb.WriteHistory(ctx, fine, "production/midnight"); err != nil {
			s.log.Warnw("history write", "error", err)
		}
	}
}

func (s *Site) readHistories(ctx context.Context, start, stop int64, fine bool) []model.DeviceHistory {
	var mu sync.Mutex
	var wg sync.WaitGroup
	var histories []model.DeviceHistory
	for _, d := range s.devices {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			read := d.ReadHistory
			if fine {
				read = d.ReadFineHistory
			}
			h, err := read(ctx, start, stop)
			if err != nil {
				s.log.Warnw("history read", "inverter", d.Name(), "error", err)
				return
			}
			mu.Lock()
			histories = append(histories, h)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return histories
}

// dayDelta is the meter movement between the first and last defined samples.
func dayDelta(points []model.HistoryPoint) (int64, bool) {
	var first, last *int64
	for i := range points {
		if points[i].V == nil {
			continue
		}
		if first == nil {
			first = points[i].V
		}
		last = points[i].V
	}
	if first == nil || first == last {
		return 0, false
	}
	return *last - *first, true
}

func startOfNextDay(now time.Time) time.Time {
	return model.PeriodStart(model.PeriodToday, now).AddDate(0, 0, 1)
}

func sleepUntil(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// scalarMap flattens a sensor to plain numbers, using the per-device total
// for phase values.
func scalarMap(sensor model.Sensor) map[string]float64 {
	out := make(map[string]float64, len(sensor.Values))
	for name, v := range sensor.Values {
		switch v.Kind {
		case model.KindScalar:
			out[name] = v.Scalar
		case model.KindPhases:
			out[name] = v.Phases[name]
		}
	}
	return out
}

// Info is a point-in-time view of the site for the status endpoint.
type Info struct {
	Daylight   bool                                `json:"daylight"`
	Dawn       time.Time                           `json:"dawn"`
	Dusk       time.Time                           `json:"dusk"`
	Devices    []string                            `json:"devices"`
	Production map[model.Period]map[string]float64 `json:"production"`
}

// Snapshot assembles the current site view from cached state only; it never
// touches a device.
func (s *Site) Snapshot() Info {
	s.mu.RLock()
	window := s.window
	totals := s.totals
	s.mu.RUnlock()

	info := Info{
		Daylight:   window.Contains(s.now()),
		Dawn:       window.Dawn,
		Dusk:       window.Dusk,
		Production: make(map[model.Period]map[string]float64, len(totals)),
	}
	for _, d := range s.devices {
		info.Devices = append(info.Devices, d.Name())
	}
	for period, t := range totals {
		info.Production[period] = production.Scaled(t, period)
	}
	return info
}
