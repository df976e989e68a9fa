package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmederer/pvcollect/model"
)

func TestBuildPointsScalar(t *testing.T) {
	sensor := model.ScalarSensor("production/total_wh", map[string]float64{
		"sb71": 4376401,
		"site": 11864659,
	})

	points, ok := buildPoints(sensor, 1611032400)
	require.True(t, ok)
	require.Len(t, points, 2)
	for _, p := range points {
		assert.Equal(t, "production", p.Name())
		assert.Equal(t, int64(1611032400), p.Time().Unix())
	}
}

func TestBuildPointsPhases(t *testing.T) {
	sensor := model.Sensor{
		Topic: "dc_measurements/power",
		Values: map[string]model.Value{
			"sb71": {Kind: model.KindPhases, Phases: map[string]float64{"a": 100, "b": 200, "sb71": 300}},
		},
	}

	points, ok := buildPoints(sensor, 1611032400)
	require.True(t, ok)
	assert.Len(t, points, 3, "one point per string plus the device total")
}

func TestBuildPointsTag(t *testing.T) {
	sensor := model.Sensor{
		Topic: "status/condition",
		Values: map[string]model.Value{
			"sb71": {Kind: model.KindTag, Tag: "Ok"},
		},
	}

	points, ok := buildPoints(sensor, 1611032400)
	require.True(t, ok)
	require.Len(t, points, 1)
	assert.Equal(t, "status", points[0].Name())
}

func TestBuildPointsDerivedFieldNames(t *testing.T) {
	sensor := model.ScalarSensor("sun/position", map[string]float64{
		"elevation": 43.2,
		"azimuth":   181.0,
	})

	points, ok := buildPoints(sensor, 1611032400)
	require.True(t, ok)
	assert.Len(t, points, 2)
	for _, p := range points {
		assert.Equal(t, "sun", p.Name())
	}
}

func TestBuildPointsUnknownTopic(t *testing.T) {
	sensor := model.ScalarSensor("nonsense/topic", map[string]float64{"sb71": 1})
	_, ok := buildPoints(sensor, 0)
	assert.False(t, ok)
}
