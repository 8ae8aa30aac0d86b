package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/utils"
)

type fakeHistory struct {
	mu   sync.Mutex
	rows []model.PointValueRecord
	err  error
}

func (f *fakeHistory) SavePointValues(_ context.Context, rows []model.PointValueRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, rows...)
	return nil
}

type defMap map[string]model.DataPointDefinition

func (d defMap) Definition(id string) (model.DataPointDefinition, bool) {
	v, ok := d[id]
	return v, ok
}

func TestStorageSkipsUnchangedValues(t *testing.T) {
	h := &fakeHistory{}
	defs := defMap{"temp": {ID: "temp", Name: "Temperature", Address: 5, FunctionCode: 4, Format: model.FormatFloat32, Unit: "C"}}
	s := NewStorage(h, defs, 10, utils.NewValueCache(time.Hour, nil), zerolog.Nop())

	ts := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, v := range []float64{20, 20, 21, 21, 20} {
		if err := s.Handle(model.DataPointValue{ID: "temp", Value: v, Formatted: "x", Timestamp: ts.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	s.Close()

	if len(h.rows) != 3 {
		t.Fatalf("wrote %d rows, want 3", len(h.rows))
	}
	r := h.rows[0]
	if r.Name != "Temperature" || r.Address != 5 || r.FunctionCode != 4 || r.Format != "FLOAT32" || r.Unit != "C" {
		t.Fatalf("row = %+v", r)
	}
	if err := s.Handle(model.DataPointValue{ID: "temp", Value: 99}); err == nil {
		t.Fatal("handle after close should fail")
	}
}

func TestStorageRewritesAfterFailedFlush(t *testing.T) {
	h := &fakeHistory{err: errors.New("database is locked")}
	s := NewStorage(h, defMap{}, 10, nil, zerolog.Nop())
	_ = s.Handle(model.DataPointValue{ID: "a", Value: 1})

	// The failed row must not be remembered by the dedup cache.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := s.cache.GetValue("a"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dedup entry not dropped after failed write")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.mu.Lock()
	h.err = nil
	h.mu.Unlock()
	_ = s.Handle(model.DataPointValue{ID: "a", Value: 1})
	s.Close()
	if len(h.rows) != 1 {
		t.Fatalf("rows = %+v", h.rows)
	}
}
