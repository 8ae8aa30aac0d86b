package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/modbus"
)

// Registry holds the configured data point definitions and the latest
// value of each point. It is safe for concurrent use.
type Registry struct {
	log zerolog.Logger

	mu     sync.RWMutex
	order  []string
	defs   map[string]model.DataPointDefinition
	values map[string]model.DataPointValue
}

func New(logger zerolog.Logger) *Registry {
	return &Registry{
		log:    logger.With().Str("component", "registry").Logger(),
		defs:   make(map[string]model.DataPointDefinition),
		values: make(map[string]model.DataPointValue),
	}
}

func invalid(id, field, reason string) error {
	return &model.ConfigurationError{Identifier: id, Field: field, Reason: reason}
}

// Validate checks one definition on its own. POINT source resolution needs
// the rest of the set and is checked by Load and Add.
func Validate(d model.DataPointDefinition) error {
	if d.ID == "" {
		return invalid("(unnamed)", "id", "missing identifier")
	}
	if d.Format != model.FormatPoint && d.FunctionCode != modbus.FuncReadHoldingRegisters && d.FunctionCode != modbus.FuncReadInputRegisters {
		return invalid(d.ID, "function_code", fmt.Sprintf("unsupported function code %d", d.FunctionCode))
	}
	if int(d.Address)+int(d.Format.Quantity()) > 0x10000 {
		return invalid(d.ID, "address", fmt.Sprintf("address %d leaves no room for %s", d.Address, d.Format))
	}
	if d.BitPosition != nil && *d.BitPosition > 15 {
		return invalid(d.ID, "bit_position", fmt.Sprintf("bit position %d out of range [0,15]", *d.BitPosition))
	}
	if d.Format == model.FormatPoint && d.Source == "" {
		return invalid(d.ID, "source", "POINT definition without source")
	}
	return nil
}

// Load replaces all definitions. Invalid ones are logged and skipped; the
// returned errors describe them. Values of points no longer defined are
// dropped.
func (r *Registry) Load(defs []model.DataPointDefinition) []error {
	var errs []error
	accepted := make(map[string]model.DataPointDefinition, len(defs))
	var order []string

	skip := func(err error) {
		r.log.Warn().Err(err).Msg("skipping data point definition")
		errs = append(errs, err)
	}

	// Primary points first so POINT sources can resolve regardless of
	// declaration order.
	for _, d := range defs {
		if d.Format == model.FormatPoint {
			continue
		}
		if err := Validate(d); err != nil {
			skip(err)
			continue
		}
		if _, dup := accepted[d.ID]; dup {
			skip(invalid(d.ID, "id", "duplicate identifier"))
			continue
		}
		if _, known := model.ParseFormat(string(d.Format)); !known {
			r.log.Warn().Str("point", d.ID).Str("format", string(d.Format)).Msg("unknown format, decoding as UINT16")
		}
		accepted[d.ID] = d
		order = append(order, d.ID)
	}
	for _, d := range defs {
		if d.Format != model.FormatPoint {
			continue
		}
		if err := Validate(d); err != nil {
			skip(err)
			continue
		}
		if _, dup := accepted[d.ID]; dup {
			skip(invalid(d.ID, "id", "duplicate identifier"))
			continue
		}
		src, ok := accepted[d.Source]
		if !ok || src.Format == model.FormatPoint {
			skip(invalid(d.ID, "source", fmt.Sprintf("source %q is not a configured register point", d.Source)))
			continue
		}
		accepted[d.ID] = d
		order = append(order, d.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = accepted
	r.order = order
	for id := range r.values {
		if _, ok := accepted[id]; !ok {
			delete(r.values, id)
		}
	}
	r.log.Info().Int("loaded", len(order)).Int("skipped", len(errs)).Msg("data point definitions loaded")
	return errs
}

// Add inserts or replaces a single definition.
func (r *Registry) Add(d model.DataPointDefinition) error {
	if err := Validate(d); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.Format == model.FormatPoint {
		src, ok := r.defs[d.Source]
		if !ok || src.Format == model.FormatPoint {
			return invalid(d.ID, "source", fmt.Sprintf("source %q is not a configured register point", d.Source))
		}
	}
	if _, exists := r.defs[d.ID]; !exists {
		r.order = append(r.order, d.ID)
	}
	r.defs[d.ID] = d
	return nil
}

// Remove deletes a definition and its value. POINT definitions sourced
// from it stay configured and are skipped until the source returns.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[id]; !ok {
		return false
	}
	delete(r.defs, id)
	delete(r.values, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) Definition(id string) (model.DataPointDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	return d, ok
}

// Definitions returns the definitions in configuration order.
func (r *Registry) Definitions() []model.DataPointDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.DataPointDefinition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}

// Apply decodes a read result whose tag is a definition identifier.
func (r *Registry) Apply(res modbus.ReadResult) (model.RawValue, error) {
	if res.Err != nil {
		return model.RawValue{}, res.Err
	}
	id, ok := res.Tag.(string)
	if !ok {
		return model.RawValue{}, fmt.Errorf("registry: read tid=%d carries no point identifier", res.TransactionID)
	}
	d, ok := r.Definition(id)
	if !ok {
		return model.RawValue{}, fmt.Errorf("registry: point %q is no longer defined", id)
	}
	value, raw, err := Decode(d.Format, d.Bit(), res.Registers)
	if err != nil {
		return model.RawValue{}, fmt.Errorf("registry: decode %s: %w", id, err)
	}
	ts := res.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return model.RawValue{Identifier: id, Value: value, Raw: raw, Timestamp: ts, TransactionID: res.TransactionID}, nil
}

// Store records an already scaled value, keeping the previous one. It is
// called for primary and derived points alike and always refreshes the
// timestamp, even when the value is unchanged.
func (r *Registry) Store(id string, value float64, raw uint32, ts time.Time, tid uint16) (model.DataPointValue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.defs[id]
	if !ok {
		return model.DataPointValue{}, fmt.Errorf("registry: unknown point %q", id)
	}
	v := model.DataPointValue{
		ID:            id,
		Value:         value,
		Raw:           raw,
		Formatted:     FormatValue(d.Format, value, d.Unit),
		Timestamp:     ts,
		TransactionID: tid,
	}
	if d.Format == model.FormatBit {
		v.Binary = BinaryString(uint16(raw))
	}
	if prev, ok := r.values[id]; ok {
		p := prev.Value
		v.Previous = &p
		v.PreviousTimestamp = prev.Timestamp
	}
	r.values[id] = v
	return v, nil
}

func (r *Registry) Value(id string) (model.DataPointValue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[id]
	return v, ok
}

// Values returns every stored value ordered by identifier.
func (r *Registry) Values() []model.DataPointValue {
	r.mu.RLock()
	out := make([]model.DataPointValue, 0, len(r.values))
	for _, v := range r.values {
		out = append(out, v)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LastUpdate returns the timestamp of the latest value of id.
func (r *Registry) LastUpdate(id string) (time.Time, bool) {
	v, ok := r.Value(id)
	return v.Timestamp, ok
}
