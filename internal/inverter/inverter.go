// Package inverter turns raw device payloads into typed, unit-aware values
// and maintains the per-device instantaneous cache and production baselines.
package inverter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kmederer/pvcollect/model"
)

// session is the protocol surface the inverter needs. *webconnect.Session
// satisfies it; tests substitute a fake.
type session interface {
	Login(ctx context.Context) error
	Close(ctx context.Context) error
	ReadInstantaneous(ctx context.Context) (model.RawValues, error)
	ReadValues(ctx context.Context, keys []string) (model.RawValues, error)
	ReadHistory(ctx context.Context, start, end int64) ([]model.HistoryPoint, error)
	ReadFineHistory(ctx context.Context, start, end int64) ([]model.HistoryPoint, error)
	FetchMetadata(ctx context.Context) (model.MetadataDict, error)
	FetchTags(ctx context.Context) (model.TagDict, error)
}

// Keys whose multi-state payload carries a meaningful device-level sum.
var aggregateKeys = map[string]struct{}{
	"6380_40251E00": {}, // DC power
}

const baselineMargin = time.Hour

// Inverter is the agent for one physical device.
type Inverter struct {
	name string
	sess session
	log  *zap.SugaredLogger
	loc  *time.Location
	now  func() time.Time

	// fetched once at Start, never re-fetched
	metadata model.MetadataDict
	tags     model.TagDict

	mu            sync.RWMutex
	instantaneous model.RawValues
	baselines     map[model.Period]model.Baseline
}

// New creates an agent for one device; Start must run before reads.
func New(name string, sess session, loc *time.Location, log *zap.SugaredLogger) *Inverter {
	return &Inverter{
		name:      name,
		sess:      sess,
		log:       log,
		loc:       loc,
		now:       time.Now,
		baselines: make(map[model.Period]model.Baseline),
	}
}

// Name returns the device name.
func (inv *Inverter) Name() string { return inv.name }

// Start establishes the session, fetches the metadata and tag dictionaries,
// anchors the production baselines and populates the instantaneous cache.
// Any sub-step failure aborts startup for this device.
func (inv *Inverter) Start(ctx context.Context) ([]string, error) {
	if err := inv.sess.Login(ctx); err != nil {
		return nil, fmt.Errorf("%s: login: %w", inv.name, err)
	}

	metadata, err := inv.sess.FetchMetadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", inv.name, err)
	}
	tags, err := inv.sess.FetchTags(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", inv.name, err)
	}
	inv.metadata = metadata
	inv.tags = tags

	if err := inv.RefreshProduction(ctx); err != nil {
		return nil, err
	}
	if err := inv.ReadInstantaneous(ctx); err != nil {
		return nil, err
	}

	inv.mu.RLock()
	keys := make([]string, 0, len(inv.instantaneous))
	for key := range inv.instantaneous {
		keys = append(keys, key)
	}
	inv.mu.RUnlock()
	sort.Strings(keys)

	inv.log.Infof("%s: started, %d cached keys", inv.name, len(keys))
	return keys, nil
}

// Stop logs out of the device.
func (inv *Inverter) Stop(ctx context.Context) error {
	return inv.sess.Close(ctx)
}

// ReadInstantaneous refreshes the cache. Readers observe either the previous
// or the new snapshot, never a mix; the map is replaced, not mutated.
func (inv *Inverter) ReadInstantaneous(ctx context.Context) error {
	values, err := inv.sess.ReadInstantaneous(ctx)
	if err != nil {
		// one immediate retry lets an invalidated session log in again
		inv.log.Debugf("%s: retrying instantaneous read: %v", inv.name, err)
		values, err = inv.sess.ReadInstantaneous(ctx)
	}
	if err != nil {
		return fmt.Errorf("%s: read instantaneous: %w", inv.name, err)
	}

	inv.mu.Lock()
	inv.instantaneous = values
	inv.mu.Unlock()
	return nil
}

// GetState returns the cleaned cached value for a key. The second result is
// false when the key is absent from the cache or dropped by cleaning.
func (inv *Inverter) GetState(key string) (model.Value, bool) {
	inv.mu.RLock()
	raw, ok := inv.instantaneous[key]
	inv.mu.RUnlock()
	if !ok {
		return model.Value{}, false
	}
	cleaned := inv.clean(model.RawValues{key: raw})
	v, ok := cleaned[key]
	return v, ok
}

// ReadKey bypasses the cache with a live single-key read.
func (inv *Inverter) ReadKey(ctx context.Context, key string) (model.Value, error) {
	raw, err := inv.sess.ReadValues(ctx, []string{key})
	if err != nil {
		return model.Value{}, fmt.Errorf("%s: read key %s: %w", inv.name, key, err)
	}
	cleaned := inv.clean(raw)
	v, ok := cleaned[key]
	if !ok {
		return model.Value{}, fmt.Errorf("%s: key %s yielded no value", inv.name, key)
	}
	return v, nil
}

// ReadHistory reads a time-ranged meter history, marked with the device name.
func (inv *Inverter) ReadHistory(ctx context.Context, start, stop int64) (model.DeviceHistory, error) {
	points, err := inv.sess.ReadHistory(ctx, start, stop)
	if err != nil {
		return model.DeviceHistory{}, fmt.Errorf("%s: read history [%d, %d): %w", inv.name, start, stop, err)
	}
	return model.DeviceHistory{Inverter: inv.name, Points: points}, nil
}

// ReadFineHistory reads the fine-grained meter history, marked with the
// device name. The device logger samples this series every five minutes.
func (inv *Inverter) ReadFineHistory(ctx context.Context, start, stop int64) (model.DeviceHistory, error) {
	points, err := inv.sess.ReadFineHistory(ctx, start, stop)
	if err != nil {
		return model.DeviceHistory{}, fmt.Errorf("%s: read fine history [%d, %d): %w", inv.name, start, stop, err)
	}
	return model.DeviceHistory{Inverter: inv.name, Points: points}, nil
}

// RefreshProduction re-anchors the today/month/year baselines from three
// concurrent history reads. Failure of any read fails the whole refresh; a
// partial baseline set is never installed. The lifetime baseline is fixed
// at the epoch.
func (inv *Inverter) RefreshProduction(ctx context.Context) error {
	now := inv.now().In(inv.loc)
	periods := []model.Period{model.PeriodToday, model.PeriodMonth, model.PeriodYear}
	anchored := make([]model.Baseline, len(periods))

	g, gctx := errgroup.WithContext(ctx)
	for i, period := range periods {
		i, period := i, period
		start := model.PeriodStart(period, now).Add(-baselineMargin).Unix()
		g.Go(func() error {
			points, err := inv.sess.ReadHistory(gctx, start, now.Unix())
			if err != nil {
				return fmt.Errorf("%s: %s baseline: %w", inv.name, period, err)
			}
			baseline, ok := firstSample(points)
			if !ok {
				return fmt.Errorf("%s: %s baseline: history window [%d, %d) has no samples", inv.name, period, start, now.Unix())
			}
			anchored[i] = baseline
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	inv.mu.Lock()
	for i, period := range periods {
		inv.baselines[period] = anchored[i]
	}
	inv.baselines[model.PeriodLifetime] = model.Baseline{}
	inv.mu.Unlock()

	inv.log.Debugf("%s: baselines re-anchored: %v", inv.name, anchored)
	return nil
}

// Baseline returns the anchored baseline for a period.
func (inv *Inverter) Baseline(period model.Period) model.Baseline {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.baselines[period]
}

func firstSample(points []model.HistoryPoint) (model.Baseline, bool) {
	for _, p := range points {
		if p.V != nil {
			return model.Baseline{T: p.T, V: *p.V}, true
		}
	}
	return model.Baseline{}, false
}
