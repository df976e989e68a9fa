package sink

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/kmederer/pvcollect/internal/config"
	"github.com/kmederer/pvcollect/model"
)

// series maps a sensor topic to its measurement/field line protocol slot.
type series struct {
	measurement string
	field       string
}

var lineLookup = map[string]series{
	"ac_measurements/power":           {"ac_measurements", "power"},
	"ac_measurements/frequency":       {"ac_measurements", "frequency"},
	"ac_measurements/efficiency":      {"ac_measurements", "efficiency"},
	"dc_measurements/power":           {"dc_measurements", "power"},
	"dc_measurements/voltage":         {"dc_measurements", "voltage"},
	"dc_measurements/current":         {"dc_measurements", "current"},
	"status/reason_for_derating":      {"status", "derating"},
	"status/general_operating_status": {"status", "operating_status"},
	"status/grid_relay":               {"status", "grid_relay"},
	"status/condition":                {"status", "condition"},
	"production/current":              {"production", "current"},
	"production/total_wh":             {"production", "total_wh"},
	"production/midnight":             {"production", "midnight"},
	"production/today":                {"production", "today"},
	"production/month":                {"production", "month"},
	"production/year":                 {"production", "year"},
	"production/lifetime":             {"production", "lifetime"},
	"co2avoided/today":                {"co2avoided", "today"},
	"co2avoided/month":                {"co2avoided", "month"},
	"co2avoided/year":                 {"co2avoided", "year"},
	"co2avoided/lifetime":             {"co2avoided", "lifetime"},
	"sun/position":                    {"sun", ""},
	"sun/irradiance":                  {"sun", "irradiance"},
}

// Influx writes sensor bundles and bulk history to an InfluxDB v2 bucket.
type Influx struct {
	client   influxdb2.Client
	writeAPI influxapi.WriteAPIBlocking
	log      *zap.SugaredLogger
}

// NewInflux connects to the server and verifies it is reachable.
func NewInflux(ctx context.Context, cfg *config.Influx, log *zap.SugaredLogger) (*Influx, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	if _, err := client.Health(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb: health check %s: %w", cfg.URL, err)
	}
	log.Infof("influxdb: connected to %s, bucket %s", cfg.URL, cfg.Bucket)
	return &Influx{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      log,
	}, nil
}

// WriteSensors writes one point per device value at the given timestamp.
// Bundles with topics outside the lookup table are skipped with a warning.
func (ifx *Influx) WriteSensors(ctx context.Context, sensors []model.Sensor, timestamp int64) error {
	var points []*write.Point
	for _, sensor := range sensors {
		ps, ok := buildPoints(sensor, timestamp)
		if !ok {
			ifx.log.Warnf("influxdb: no line protocol mapping for topic %s", sensor.Topic)
			continue
		}
		points = append(points, ps...)
	}
	if len(points) == 0 {
		return nil
	}
	if err := ifx.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influxdb: write %d points: %w", len(points), err)
	}
	return nil
}

// WriteHistory bulk-writes per-device meter history under the topic's
// measurement/field, timestamped by each sample.
func (ifx *Influx) WriteHistory(ctx context.Context, histories []model.DeviceHistory, topic string) error {
	s, ok := lineLookup[topic]
	if !ok {
		return fmt.Errorf("influxdb: no line protocol mapping for topic %s", topic)
	}
	var points []*write.Point
	for _, history := range histories {
		for _, sample := range history.Points {
			if sample.V == nil {
				continue
			}
			points = append(points, influxdb2.NewPoint(
				s.measurement,
				map[string]string{"_inverter": history.Inverter},
				map[string]any{s.field: *sample.V},
				time.Unix(sample.T, 0),
			))
		}
	}
	if len(points) == 0 {
		return nil
	}
	if err := ifx.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influxdb: write history %s: %w", topic, err)
	}
	return nil
}

// Close releases the connection.
func (ifx *Influx) Close() {
	ifx.client.Close()
}

func buildPoints(sensor model.Sensor, timestamp int64) ([]*write.Point, bool) {
	s, ok := lineLookup[sensor.Topic]
	if !ok {
		return nil, false
	}
	ts := time.Unix(timestamp, 0)

	var points []*write.Point
	for name, value := range sensor.Values {
		switch value.Kind {
		case model.KindScalar:
			field := s.field
			if field == "" {
				// derived bundles like sun/position carry the field name
				// in the value key
				field = name
				points = append(points, influxdb2.NewPoint(
					s.measurement, nil, map[string]any{field: value.Scalar}, ts))
				continue
			}
			points = append(points, influxdb2.NewPoint(
				s.measurement,
				map[string]string{"_inverter": name},
				map[string]any{field: value.Scalar},
				ts))
		case model.KindPhases:
			for sub, v := range value.Phases {
				points = append(points, influxdb2.NewPoint(
					s.measurement,
					map[string]string{"_inverter": name, "_string": sub},
					map[string]any{s.field: v},
					ts))
			}
		case model.KindTag:
			points = append(points, influxdb2.NewPoint(
				s.measurement,
				map[string]string{"_inverter": name},
				map[string]any{s.field: value.Tag},
				ts))
		}
	}
	return points, true
}
