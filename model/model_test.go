package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawValueUnmarshalScalarStates(t *testing.T) {
	raw := []byte(`{"1": [{"val": 230012}, {"val": null}, {"val": 229871}]}`)

	var rv RawValue
	require.NoError(t, json.Unmarshal(raw, &rv))
	require.Len(t, rv.States, 3)

	require.NotNil(t, rv.States[0].Val)
	assert.Equal(t, 230012.0, *rv.States[0].Val)
	assert.Nil(t, rv.States[1].Val)
	require.NotNil(t, rv.States[2].Val)
	assert.Equal(t, 229871.0, *rv.States[2].Val)
}

func TestRawValueUnmarshalTagStates(t *testing.T) {
	raw := []byte(`{"1": [{"val": [{"tag": 307}]}]}`)

	var rv RawValue
	require.NoError(t, json.Unmarshal(raw, &rv))
	require.Len(t, rv.States, 1)
	assert.Nil(t, rv.States[0].Val)
	assert.Equal(t, []int{307}, rv.States[0].Tags)
}

func TestValueMarshalVariants(t *testing.T) {
	scalar := Value{Kind: KindScalar, Scalar: 42.5}
	b, err := json.Marshal(scalar)
	require.NoError(t, err)
	assert.JSONEq(t, `42.5`, string(b))

	phases := Value{Kind: KindPhases, Phases: map[string]float64{"a": 1, "b": 2, "c": 3}}
	b, err = json.Marshal(phases)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":2,"c":3}`, string(b))

	tag := Value{Kind: KindTag, Tag: "Ok"}
	b, err = json.Marshal(tag)
	require.NoError(t, err)
	assert.JSONEq(t, `"Ok"`, string(b))
}

func TestPeriodStart(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	now := time.Date(2021, time.March, 15, 13, 45, 12, 0, loc)

	assert.Equal(t, time.Date(2021, time.March, 15, 0, 0, 0, 0, loc), PeriodStart(PeriodToday, now))
	assert.Equal(t, time.Date(2021, time.March, 1, 0, 0, 0, 0, loc), PeriodStart(PeriodMonth, now))
	assert.Equal(t, time.Date(2021, time.January, 1, 0, 0, 0, 0, loc), PeriodStart(PeriodYear, now))
	assert.Equal(t, int64(0), PeriodStart(PeriodLifetime, now).Unix())
}
