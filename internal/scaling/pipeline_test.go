package scaling

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/registry"
)

func bitPtr(b uint8) *uint8 { return &b }

func newPipeline(t *testing.T) (*Pipeline, *registry.Registry) {
	t.Helper()
	reg := registry.New(zerolog.Nop())
	errs := reg.Load([]model.DataPointDefinition{
		{ID: "status", Address: 0, FunctionCode: 3, Format: model.FormatUint16},
		{ID: "level", Address: 1, FunctionCode: 3, Format: model.FormatInt16, Scale: 0.5, Unit: "m"},
		{ID: "run", Address: 2, FunctionCode: 3, Format: model.FormatBit, BitPosition: bitPtr(0), Scale: 10},
		{ID: "fault_b1", Format: model.FormatPoint, BitPosition: bitPtr(1), Source: "status"},
		{ID: "fault_b0", Format: model.FormatPoint, BitPosition: bitPtr(0), Source: "status"},
	})
	if len(errs) != 0 {
		t.Fatalf("load: %v", errs)
	}
	return New(reg, reg, zerolog.Nop()), reg
}

func byID(updates []model.Update) map[string]model.Update {
	m := make(map[string]model.Update, len(updates))
	for _, u := range updates {
		m[u.Identifier] = u
	}
	return m
}

func TestDerivePointBits(t *testing.T) {
	p, reg := newPipeline(t)
	ts := time.Unix(100, 0)
	out := byID(p.Process([]model.RawValue{{Identifier: "status", Value: float64(6), Raw: 0b110, Timestamp: ts}}))

	if out["fault_b1"].Value != float64(1) {
		t.Fatalf("bit 1 of 0b110 = %v, want 1", out["fault_b1"].Value)
	}
	if out["fault_b0"].Value != float64(0) {
		t.Fatalf("bit 0 of 0b110 = %v, want 0", out["fault_b0"].Value)
	}
	v, ok := reg.Value("fault_b1")
	if !ok || v.Value != 1 || !v.Timestamp.Equal(ts) {
		t.Fatalf("derived value not recorded: %+v", v)
	}
}

func TestScaleAppliesToNumericFormatsOnly(t *testing.T) {
	p, reg := newPipeline(t)
	out := byID(p.Process([]model.RawValue{
		{Identifier: "level", Value: float64(-25), Timestamp: time.Unix(1, 0)},
		{Identifier: "run", Value: float64(1), Raw: 1, Timestamp: time.Unix(1, 0)},
	}))
	if got := out["level"].Value; got != -12.5 {
		t.Fatalf("level = %v, want -12.5", got)
	}
	if out["run"].Value != float64(1) {
		t.Fatalf("BIT must not be scaled, got %v", out["run"].Value)
	}
	if v, _ := reg.Value("level"); v.Formatted != "-12.5 m" {
		t.Fatalf("formatted = %q", v.Formatted)
	}
}

func TestStringInputs(t *testing.T) {
	p, reg := newPipeline(t)
	out := byID(p.Process([]model.RawValue{
		{Identifier: "level", Value: " 30 ", Timestamp: time.Unix(1, 0)},
		{Identifier: "status", Value: "offline", Timestamp: time.Unix(1, 0)},
	}))
	if got := out["level"].Value; got != 15.0 {
		t.Fatalf("coerced level = %v, want 15", got)
	}
	if out["status"].Value != "offline" {
		t.Fatalf("unscalable value should pass through, got %v", out["status"].Value)
	}
	if _, ok := reg.Value("status"); ok {
		t.Fatal("unscalable value should not be recorded")
	}
	if _, ok := out["fault_b1"]; ok {
		t.Fatal("no derivation from a non-numeric source")
	}
}

func TestIngestedIntegerDerivesWithoutRaw(t *testing.T) {
	p, _ := newPipeline(t)
	out := byID(p.Process([]model.RawValue{{Identifier: "status", Value: 2, Timestamp: time.Unix(1, 0)}}))
	if out["fault_b1"].Value != float64(1) {
		t.Fatalf("fault_b1 = %v", out["fault_b1"].Value)
	}
}

func TestRemovedSourceSkipsPoint(t *testing.T) {
	p, reg := newPipeline(t)
	reg.Remove("status")
	out := p.Process([]model.RawValue{{Identifier: "status", Value: float64(6), Raw: 6, Timestamp: time.Unix(1, 0)}})
	if len(out) != 0 {
		t.Fatalf("got %d updates, want none", len(out))
	}
}

func TestDerive(t *testing.T) {
	if Derive(0b0000000000000110, 1) != 1 || Derive(0b0000000000000110, 0) != 0 {
		t.Fatal("Derive mismatch")
	}
}
