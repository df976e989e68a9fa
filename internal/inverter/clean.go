package inverter

import (
	"strconv"

	"github.com/kmederer/pvcollect/model"
)

var phaseNames = []string{"a", "b", "c"}

// clean applies the typing rules from the device metadata to a raw payload.
// Three-phase metrics (type 0) become scaled per-phase values, with a
// device-level sum for aggregate-eligible keys; enumerated metrics (type 1)
// resolve the first tag code through the tag dictionary. Anything else is
// logged and dropped, never raised.
func (inv *Inverter) clean(raw model.RawValues) map[string]model.Value {
	cleaned := make(map[string]model.Value, len(raw))
	for key, rv := range raw {
		if len(rv.States) == 0 {
			continue
		}
		meta, ok := inv.metadata[key]
		if !ok {
			inv.log.Warnf("%s: no metadata for key %s", inv.name, key)
			continue
		}

		switch meta.Typ {
		case 0:
			cleaned[key] = inv.cleanNumeric(key, meta, rv.States)
		case 1:
			cleaned[key] = model.Value{
				Kind:      model.KindTag,
				Tag:       inv.lookupTag(rv.States[0].Tags),
				Precision: precisionOf(meta),
			}
		default:
			inv.log.Warnf("%s: unexpected metadata type %d for key %s", inv.name, meta.Typ, key)
		}
	}
	return cleaned
}

func (inv *Inverter) cleanNumeric(key string, meta model.Metadata, states []model.State) model.Value {
	scale := 1.0
	if meta.Scale != nil {
		scale = *meta.Scale
	}

	total := 0.0
	last := 0.0
	phases := make(map[string]float64, len(states))
	for i, state := range states {
		val := 0.0
		if state.Val != nil {
			val = *state.Val * scale
		}
		total += val
		last = val
		if i < len(phaseNames) {
			phases[phaseNames[i]] = val
		}
	}

	if len(states) > 1 {
		if _, ok := aggregateKeys[key]; ok {
			phases[inv.name] = total
		}
		return model.Value{Kind: model.KindPhases, Phases: phases, Precision: precisionOf(meta)}
	}
	return model.Value{Kind: model.KindScalar, Scalar: last, Precision: precisionOf(meta)}
}

func (inv *Inverter) lookupTag(tags []int) string {
	if len(tags) == 0 {
		return "???"
	}
	if display, ok := inv.tags[strconv.Itoa(tags[0])]; ok {
		return display
	}
	return "???"
}

// DataFrmt values above 3 mean "no fixed precision" on this device family.
func precisionOf(meta model.Metadata) *int {
	if meta.DataFrmt == nil || *meta.DataFrmt > 3 {
		return nil
	}
	p := *meta.DataFrmt
	return &p
}
