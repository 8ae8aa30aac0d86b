// Package scaling applies per-point scale factors and derives virtual
// POINT values from their source registers.
package scaling

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
)

// Catalog resolves data point definitions.
type Catalog interface {
	Definition(id string) (model.DataPointDefinition, bool)
	Definitions() []model.DataPointDefinition
}

// Recorder stores a processed value. Primary and derived values go
// through the same Recorder.
type Recorder interface {
	Store(id string, value float64, raw uint32, ts time.Time, tid uint16) (model.DataPointValue, error)
}

type Pipeline struct {
	catalog  Catalog
	recorder Recorder
	log      zerolog.Logger
}

func New(catalog Catalog, recorder Recorder, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		catalog:  catalog,
		recorder: recorder,
		log:      logger.With().Str("component", "scaling").Logger(),
	}
}

// Process scales a batch and appends derived POINT values for every POINT
// whose source is in the batch.
func (p *Pipeline) Process(batch []model.RawValue) []model.Update {
	out := make([]model.Update, 0, len(batch))
	sources := make(map[string]model.RawValue, len(batch))

	for _, rv := range batch {
		d, ok := p.catalog.Definition(rv.Identifier)
		if !ok {
			p.log.Warn().Str("point", rv.Identifier).Msg("value for unknown point dropped")
			continue
		}
		if d.Format == model.FormatPoint {
			// POINT values are only ever derived.
			continue
		}
		f, numeric := model.ToFloat(rv.Value)
		if !numeric {
			p.log.Warn().Str("point", rv.Identifier).Interface("value", rv.Value).Msg("value is not numeric, passing through unscaled")
			out = append(out, model.Update{Identifier: rv.Identifier, Value: rv.Value, Timestamp: rv.Timestamp})
			continue
		}
		if rv.Raw == 0 {
			rv.Raw = rawFromValue(f)
		}
		sources[rv.Identifier] = rv

		value := f
		if !d.Format.BitLike() {
			value = f * d.ScaleFactor()
		}
		if _, err := p.recorder.Store(rv.Identifier, value, rv.Raw, rv.Timestamp, rv.TransactionID); err != nil {
			p.log.Error().Err(err).Str("point", rv.Identifier).Msg("store value")
			continue
		}
		out = append(out, model.Update{Identifier: rv.Identifier, Value: value, Timestamp: rv.Timestamp})
	}

	if len(sources) == 0 {
		return out
	}
	for _, d := range p.catalog.Definitions() {
		if d.Format != model.FormatPoint {
			continue
		}
		// Sources only holds configured points, so a POINT whose source
		// was removed is skipped here.
		src, ok := sources[d.Source]
		if !ok {
			continue
		}
		bit := float64(Derive(src.Raw, d.Bit()))
		if _, err := p.recorder.Store(d.ID, bit, src.Raw, src.Timestamp, src.TransactionID); err != nil {
			p.log.Error().Err(err).Str("point", d.ID).Msg("store derived value")
			continue
		}
		out = append(out, model.Update{Identifier: d.ID, Value: bit, Timestamp: src.Timestamp})
	}
	return out
}

// Derive extracts one bit of a source register.
func Derive(source uint32, bit uint8) uint32 { return (source >> bit) & 1 }

// rawFromValue recovers register bits from an ingested integer value.
func rawFromValue(f float64) uint32 {
	if f != math.Trunc(f) {
		return 0
	}
	return uint32(int64(f))
}
