// Package production computes period production totals and derived figures
// from device baselines and current cumulative meter values. All functions
// are pure; nothing here performs I/O or mutates device state.
package production

import (
	"math"

	"github.com/kmederer/pvcollect/model"
)

// Site is the reserved name for the cross-device sum.
const Site = "site"

// Totals maps device name to its period delta in Wh, plus the Site sum.
type Totals map[string]int64

// periodScale converts Wh deltas to kWh for reporting.
const periodScale = 0.001

var reportPrecision = map[model.Period]int{
	model.PeriodToday:    3,
	model.PeriodMonth:    3,
	model.PeriodYear:     3,
	model.PeriodLifetime: 3,
}

// CO₂ reporting keeps two decimals for today and whole units for the
// longer periods; the differing precision is deliberate policy.
var co2Precision = map[model.Period]int{
	model.PeriodToday:    2,
	model.PeriodMonth:    0,
	model.PeriodYear:     0,
	model.PeriodLifetime: 0,
}

// PeriodTotals computes per-device deltas against the period baselines and
// their site-wide sum. Devices missing from either map are omitted, not
// zeroed, so a failed device never corrupts the site total.
func PeriodTotals(meters map[string]int64, baselines map[string]int64) Totals {
	totals := make(Totals, len(meters)+1)
	var site int64
	for name, meter := range meters {
		baseline, ok := baselines[name]
		if !ok {
			continue
		}
		delta := meter - baseline
		totals[name] = delta
		site += delta
	}
	totals[Site] = site
	return totals
}

// Scaled converts the Wh totals to kWh with the reporting precision for the
// period.
func Scaled(totals Totals, period model.Period) map[string]float64 {
	precision := reportPrecision[period]
	out := make(map[string]float64, len(totals))
	for name, wh := range totals {
		out[name] = round(float64(wh)*periodScale, precision)
	}
	return out
}

// CO2Avoided scales the period totals linearly by the configured emissions
// factor (kg per meter unit).
func CO2Avoided(totals Totals, period model.Period, kgPerUnit float64) map[string]float64 {
	precision := co2Precision[period]
	out := make(map[string]float64, len(totals))
	for name, units := range totals {
		out[name] = round(float64(units)*kgPerUnit, precision)
	}
	return out
}

// InverterEfficiency computes the per-device AC/DC conversion ratio in
// percent. A zero DC denominator yields exactly 0.0.
func InverterEfficiency(ac, dc map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(ac))
	for name, acVal := range ac {
		dcVal, ok := dc[name]
		if !ok || dcVal == 0 {
			out[name] = 0.0
			continue
		}
		out[name] = round(100*acVal/dcVal, 2)
	}
	return out
}

func round(v float64, precision int) float64 {
	pow := math.Pow(10, float64(precision))
	return math.Round(v*pow) / pow
}
